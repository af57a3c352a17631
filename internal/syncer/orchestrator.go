// Package syncer drives the CRM-to-vector-index pipeline: full scans,
// watermark-based incremental syncs, and single-record refreshes.
//
// At most one full or incremental sync runs per process at a time; competing
// calls get an immediate "already in progress" result instead of queueing.
// Phase failures are converted into a typed [Result] — these entry points
// never propagate transport errors to the caller.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadsonar/leadsonar/internal/crm"
	"github.com/leadsonar/leadsonar/internal/lead"
	"github.com/leadsonar/leadsonar/internal/observe"
	"github.com/leadsonar/leadsonar/pkg/provider/embeddings"
	"github.com/leadsonar/leadsonar/pkg/vector"
)

// ErrSyncInProgress is reported when a full or incremental sync is requested
// while another one is still running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Phase identifies the pipeline stage a progress update belongs to.
type Phase string

const (
	PhaseFetching  Phase = "fetching"
	PhaseEmbedding Phase = "embedding"
	PhaseUpserting Phase = "upserting"
)

// Progress is one streamed progress update. PercentComplete spans the whole
// sync: fetching maps to 0–33, embedding to 33–66, upserting to 66–100.
type Progress struct {
	Phase            Phase
	CurrentBatch     int
	TotalBatches     int
	RecordsProcessed int
	TotalRecords     int
	PercentComplete  float64
	Elapsed          time.Duration
}

// ProgressFunc receives progress updates during a sync. May be nil.
type ProgressFunc func(Progress)

// Result is the typed outcome of any sync operation.
type Result struct {
	Success        bool
	RecordsSynced  int
	RecordsFailed  int
	RecordsDeleted int
	Duration       time.Duration
	SyncVersion    int
	Errors         []string
}

const (
	defaultPageSize        = 200
	defaultEmbedBatchSize  = 128
	defaultUpsertBatchSize = 100
)

// Orchestrator coordinates the CRM source, embeddings provider, and vector
// index. All collaborators are injected at construction; the orchestrator
// holds no lazily-built clients.
type Orchestrator struct {
	source   crm.Source
	provider embeddings.Provider
	index    vector.Index
	state    *State
	log      *slog.Logger
	metrics  *observe.Metrics

	pageSize        int
	embedBatchSize  int
	upsertBatchSize int
	caps            lead.TextCaps

	now func() time.Time
}

// Option is a functional option for Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithPageSize sets the CRM fetch page size.
func WithPageSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithEmbedBatchSize sets the number of texts per embedding call. Keep it at
// or below the provider's wire-level cap so one batch stays one request.
func WithEmbedBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.embedBatchSize = n
		}
	}
}

// WithUpsertBatchSize sets the number of records per vector upsert call.
func WithUpsertBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.upsertBatchSize = n
		}
	}
}

// WithTextCaps sets the word caps applied when building embedding text.
func WithTextCaps(caps lead.TextCaps) Option {
	return func(o *Orchestrator) {
		o.caps = caps
	}
}

// withClock overrides the time source in tests.
func withClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New constructs an Orchestrator.
func New(source crm.Source, provider embeddings.Provider, index vector.Index, state *State, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:          source,
		provider:        provider,
		index:           index,
		state:           state,
		log:             slog.Default(),
		metrics:         observe.DefaultMetrics(),
		pageSize:        defaultPageSize,
		embedBatchSize:  defaultEmbedBatchSize,
		upsertBatchSize: defaultUpsertBatchSize,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FullSync replaces the whole index content from a complete CRM scan,
// archived records included. The collection and its payload indexes are
// provisioned before any data is written.
func (o *Orchestrator) FullSync(ctx context.Context, onProgress ProgressFunc) Result {
	if !o.state.TryBegin() {
		o.metrics.RecordSyncRun(ctx, "full", "rejected", 0)
		return o.busyResult()
	}
	defer o.state.End()
	o.metrics.ActiveSyncs.Add(ctx, 1)
	defer o.metrics.ActiveSyncs.Add(ctx, -1)

	start := o.now()
	o.log.Info("full sync started")

	if err := o.index.EnsureCollection(ctx); err != nil {
		return o.finish(ctx, "full", o.fail(start, 0, fmt.Sprintf("ensure collection: %v", err)))
	}
	total, err := o.source.Count(ctx, crm.Query{IncludeInactive: true})
	if err != nil {
		return o.finish(ctx, "full", o.fail(start, 0, fmt.Sprintf("count records: %v", err)))
	}
	return o.finish(ctx, "full", o.run(ctx, start, crm.Domain{}, total, onProgress))
}

// IncrementalSync syncs records modified at or after since. A zero since
// falls back to the last successful sync time, or all records when nothing
// was ever synced. Zero matching records is a successful no-op that touches
// neither the embeddings provider nor the index.
func (o *Orchestrator) IncrementalSync(ctx context.Context, since time.Time, onProgress ProgressFunc) Result {
	if !o.state.TryBegin() {
		o.metrics.RecordSyncRun(ctx, "incremental", "rejected", 0)
		return o.busyResult()
	}
	defer o.state.End()
	o.metrics.ActiveSyncs.Add(ctx, 1)
	defer o.metrics.ActiveSyncs.Add(ctx, -1)

	start := o.now()
	if since.IsZero() {
		since = o.state.LastSync()
	}
	domain := crm.Domain{}.And(crm.GTE("write_date", since))
	o.log.Info("incremental sync started", "since", since)

	total, err := o.source.Count(ctx, crm.Query{Domain: domain, IncludeInactive: true})
	if err != nil {
		return o.finish(ctx, "incremental", o.fail(start, 0, fmt.Sprintf("count modified records: %v", err)))
	}
	if total == 0 {
		o.log.Info("incremental sync: nothing modified", "since", since)
		return o.finish(ctx, "incremental", Result{
			Success:     true,
			Duration:    o.now().Sub(start),
			SyncVersion: o.state.MarkSuccess(start, false),
		})
	}
	return o.finish(ctx, "incremental", o.run(ctx, start, domain, total, onProgress))
}

// SyncOne refreshes a single record. It bypasses the single-flight guard —
// a point refresh is cheap enough to run next to a bulk sync. Returns
// crm.ErrNotFound (wrapped) when the record does not exist.
func (o *Orchestrator) SyncOne(ctx context.Context, id int64) (Result, error) {
	start := o.now()

	l, err := o.source.FetchOne(ctx, id)
	if err != nil {
		if errors.Is(err, crm.ErrNotFound) {
			return o.finish(ctx, "one", o.fail(start, 0, fmt.Sprintf("record %d not found", id))), err
		}
		return o.finish(ctx, "one", o.fail(start, 0, fmt.Sprintf("fetch record %d: %v", id, err))), nil
	}

	text, truncated := lead.BuildEmbeddingText(*l, o.caps)
	vec, err := o.provider.Embed(ctx, text, embeddings.ModeDocument)
	if err != nil {
		o.metrics.RecordProviderError(ctx, "embeddings", "embed")
		return o.finish(ctx, "one", o.fail(start, 1, fmt.Sprintf("embed record %d: %v", id, err))), nil
	}

	rec := vector.Record{
		ID:       lead.RecordID(l.ID),
		Vector:   vec,
		Metadata: lead.BuildPayload(*l, text, truncated, o.state.Version(), start),
	}
	if _, err := o.index.Upsert(ctx, []vector.Record{rec}); err != nil {
		o.metrics.RecordProviderError(ctx, "vector", "upsert")
		return o.finish(ctx, "one", o.fail(start, 1, fmt.Sprintf("upsert record %d: %v", id, err))), nil
	}
	o.metrics.VectorsUpserted.Add(ctx, 1)

	o.log.Info("record synced", "id", id)
	return o.finish(ctx, "one", Result{
		Success:       true,
		RecordsSynced: 1,
		Duration:      o.now().Sub(start),
		SyncVersion:   o.state.Version(),
	}), nil
}

// run executes the fetch/embed/upsert pipeline for the total records matching
// domain; the caller has already counted them. Archived records are always
// included so won/lost leads stay searchable.
func (o *Orchestrator) run(ctx context.Context, start time.Time, domain crm.Domain, total int, onProgress ProgressFunc) Result {
	if total == 0 {
		return Result{
			Success:     true,
			Duration:    o.now().Sub(start),
			SyncVersion: o.state.MarkSuccess(start, false),
		}
	}

	// Phase 1: fetch, 0-33%.
	leads, res := o.fetchAll(ctx, start, domain, total, onProgress)
	if res != nil {
		return *res
	}
	total = len(leads)

	// Phase 2: embed, 33-66%. The version the records are written under is
	// committed to State only after a clean finish.
	version := o.state.Version() + 1
	texts := make([]string, total)
	truncs := make([]bool, total)
	for i, l := range leads {
		texts[i], truncs[i] = lead.BuildEmbeddingText(l, o.caps)
	}
	vecs, res := o.embedAll(ctx, start, texts, onProgress)
	if res != nil {
		return *res
	}

	// Phase 3: upsert, 66-100%. Failed batches are accumulated, not fatal —
	// one bad batch must not abort an otherwise fine sync.
	var (
		synced, failed int
		errs           []string
	)
	batches := (total + o.upsertBatchSize - 1) / o.upsertBatchSize
	for b := 0; b < batches; b++ {
		lo := b * o.upsertBatchSize
		hi := min(lo+o.upsertBatchSize, total)

		recs := make([]vector.Record, 0, hi-lo)
		for i := lo; i < hi; i++ {
			recs = append(recs, vector.Record{
				ID:       lead.RecordID(leads[i].ID),
				Vector:   vecs[i],
				Metadata: lead.BuildPayload(leads[i], texts[i], truncs[i], version, start),
			})
		}

		n, err := o.index.Upsert(ctx, recs)
		if err != nil {
			failed += len(recs)
			msg := fmt.Sprintf("upsert batch %d/%d: %v", b+1, batches, err)
			errs = append(errs, msg)
			o.metrics.RecordProviderError(ctx, "vector", "upsert")
			o.log.Warn("upsert batch failed", "batch", b+1, "of", batches, "records", len(recs), "error", err)
		} else {
			synced += n
			o.metrics.VectorsUpserted.Add(ctx, int64(n))
		}
		o.report(onProgress, Progress{
			Phase:            PhaseUpserting,
			CurrentBatch:     b + 1,
			TotalBatches:     batches,
			RecordsProcessed: hi,
			TotalRecords:     total,
			PercentComplete:  66 + 34*float64(hi)/float64(total),
			Elapsed:          o.now().Sub(start),
		})
	}

	result := Result{
		Success:       failed == 0,
		RecordsSynced: synced,
		RecordsFailed: failed,
		Duration:      o.now().Sub(start),
		Errors:        errs,
	}
	if failed == 0 {
		// The watermark is the sync start, not the finish, so records edited
		// while the sync ran are caught by the next incremental pass.
		result.SyncVersion = o.state.MarkSuccess(start, synced > 0)
	} else {
		result.SyncVersion = o.state.Version()
	}

	o.log.Info("sync finished",
		"synced", synced, "failed", failed,
		"version", result.SyncVersion, "took", result.Duration)
	return result
}

// fetchAll pages through the CRM until the matching population is exhausted.
func (o *Orchestrator) fetchAll(ctx context.Context, start time.Time, domain crm.Domain, total int, onProgress ProgressFunc) ([]crm.Lead, *Result) {
	pages := (total + o.pageSize - 1) / o.pageSize
	leads := make([]crm.Lead, 0, total)
	for page := 0; ; page++ {
		batch, err := o.source.FetchPage(ctx, crm.Query{
			Domain:          domain,
			Offset:          page * o.pageSize,
			Limit:           o.pageSize,
			Order:           "id asc",
			IncludeInactive: true,
		})
		if err != nil {
			res := o.fail(start, 0, fmt.Sprintf("fetch page %d: %v", page+1, err))
			return nil, &res
		}
		if len(batch) == 0 {
			break
		}
		leads = append(leads, batch...)
		o.report(onProgress, Progress{
			Phase:            PhaseFetching,
			CurrentBatch:     page + 1,
			TotalBatches:     pages,
			RecordsProcessed: len(leads),
			TotalRecords:     total,
			PercentComplete:  33 * float64(len(leads)) / float64(total),
			Elapsed:          o.now().Sub(start),
		})
		if len(batch) < o.pageSize {
			break
		}
	}
	return leads, nil
}

// embedAll embeds texts in batches. Any batch failure aborts the sync: a
// half-embedded population has nothing worth upserting.
func (o *Orchestrator) embedAll(ctx context.Context, start time.Time, texts []string, onProgress ProgressFunc) ([][]float32, *Result) {
	total := len(texts)
	batches := (total + o.embedBatchSize - 1) / o.embedBatchSize
	vecs := make([][]float32, 0, total)
	for b := 0; b < batches; b++ {
		lo := b * o.embedBatchSize
		hi := min(lo+o.embedBatchSize, total)

		batchStart := o.now()
		batch, err := o.provider.EmbedBatch(ctx, texts[lo:hi], embeddings.ModeDocument, nil)
		o.metrics.EmbedDuration.Record(ctx, o.now().Sub(batchStart).Seconds())
		if err != nil {
			o.metrics.RecordProviderError(ctx, "embeddings", "embed")
			res := o.fail(start, total, fmt.Sprintf("embed batch %d/%d: %v", b+1, batches, err))
			return nil, &res
		}
		vecs = append(vecs, batch...)
		o.report(onProgress, Progress{
			Phase:            PhaseEmbedding,
			CurrentBatch:     b + 1,
			TotalBatches:     batches,
			RecordsProcessed: hi,
			TotalRecords:     total,
			PercentComplete:  33 + 33*float64(hi)/float64(total),
			Elapsed:          o.now().Sub(start),
		})
	}
	return vecs, nil
}

// finish records the run counter and duration histogram for a completed sync
// and passes the result through.
func (o *Orchestrator) finish(ctx context.Context, mode string, res Result) Result {
	status := "ok"
	if !res.Success {
		status = "failed"
	}
	o.metrics.RecordSyncRun(ctx, mode, status, res.Duration.Seconds())
	return res
}

func (o *Orchestrator) busyResult() Result {
	return Result{
		SyncVersion: o.state.Version(),
		Errors:      []string{ErrSyncInProgress.Error()},
	}
}

func (o *Orchestrator) fail(start time.Time, failed int, msg string) Result {
	return Result{
		RecordsFailed: failed,
		Duration:      o.now().Sub(start),
		SyncVersion:   o.state.Version(),
		Errors:        []string{msg},
	}
}

func (o *Orchestrator) report(onProgress ProgressFunc, p Progress) {
	if onProgress != nil {
		onProgress(p)
	}
}
