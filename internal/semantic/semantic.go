// Package semantic answers natural-language queries against the vector index.
//
// It is a thin composition layer: embed the query in query mode, run a
// filtered similarity search, and optionally enrich hits with live CRM data.
package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadsonar/leadsonar/internal/crm"
	"github.com/leadsonar/leadsonar/internal/observe"
	"github.com/leadsonar/leadsonar/pkg/provider/embeddings"
	"github.com/leadsonar/leadsonar/pkg/vector"
)

// Hit is one search result: the vector match plus, when enrichment is on,
// the live CRM record behind it.
type Hit struct {
	ID       string           `json:"id"`
	Score    float64          `json:"score"`
	Metadata *vector.Metadata `json:"metadata,omitempty"`
	Record   *crm.Lead        `json:"record,omitempty"`
}

// SearchRequest describes one semantic query.
type SearchRequest struct {
	// Query is the natural-language query text. Required.
	Query string

	// TopK caps the result count. Defaults to 10.
	TopK int

	// Filter narrows the candidate set before ranking.
	Filter vector.Filter

	// MinScore drops low-confidence matches. Zero keeps everything.
	MinScore float64

	// Enrich fetches the live CRM record for each hit. Enrichment is
	// best-effort: a record that vanished from the CRM since the last sync
	// keeps its stored metadata and a nil Record.
	Enrich bool
}

const defaultTopK = 10

// Service runs semantic searches and find-similar lookups.
type Service struct {
	provider embeddings.Provider
	index    vector.Index
	source   crm.Source
	log      *slog.Logger
	metrics  *observe.Metrics
}

// Option is a functional option for Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New constructs a Service. source may be nil when CRM enrichment is not
// wired; Enrich requests then degrade to stored metadata only.
func New(provider embeddings.Provider, index vector.Index, source crm.Source, opts ...Option) *Service {
	s := &Service{
		provider: provider,
		index:    index,
		source:   source,
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search embeds the query in query mode and returns the closest stored
// records.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]Hit, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("semantic: query must not be empty")
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	start := time.Now()
	defer func() {
		s.metrics.SearchDuration.Record(ctx, time.Since(start).Seconds())
	}()

	vec, err := s.provider.Embed(ctx, req.Query, embeddings.ModeQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := s.index.Search(ctx, vector.SearchParams{
		Vector:          vec,
		TopK:            req.TopK,
		Filter:          req.Filter,
		MinScore:        req.MinScore,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	return s.toHits(ctx, matches, req.Enrich), nil
}

// FindSimilar returns the records closest to an already-stored anchor record,
// excluding the anchor itself. The anchor's stored vector is reused — no
// embedding call is made. Returns vector.ErrNotFound (wrapped) when the
// anchor is not in the index.
func (s *Service) FindSimilar(ctx context.Context, anchorID string, topK int, filter vector.Filter, minScore float64) ([]Hit, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	start := time.Now()
	defer func() {
		s.metrics.SearchDuration.Record(ctx, time.Since(start).Seconds())
	}()

	anchor, err := s.index.GetByID(ctx, anchorID)
	if err != nil {
		return nil, fmt.Errorf("load anchor %s: %w", anchorID, err)
	}

	// One extra candidate so dropping the anchor still fills topK.
	matches, err := s.index.Search(ctx, vector.SearchParams{
		Vector:          anchor.Vector,
		TopK:            topK + 1,
		Filter:          filter,
		MinScore:        minScore,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	filtered := matches[:0]
	for _, m := range matches {
		if m.ID == anchorID {
			continue
		}
		filtered = append(filtered, m)
	}
	if len(filtered) > topK {
		filtered = filtered[:topK]
	}

	return s.toHits(ctx, filtered, false), nil
}

// toHits converts matches, optionally attaching live CRM records.
func (s *Service) toHits(ctx context.Context, matches []vector.Match, enrich bool) []Hit {
	hits := make([]Hit, len(matches))
	for i, m := range matches {
		hits[i] = Hit{ID: m.ID, Score: m.Score, Metadata: m.Metadata}
		if !enrich || s.source == nil || m.Metadata == nil {
			continue
		}
		rec, err := s.source.FetchOne(ctx, m.Metadata.SourceID)
		if err != nil {
			s.log.Warn("enrichment fetch failed", "id", m.Metadata.SourceID, "error", err)
			continue
		}
		hits[i].Record = rec
	}
	return hits
}
