// Package observe provides application-wide observability primitives for
// LeadSonar: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all LeadSonar metrics.
const meterName = "github.com/leadsonar/leadsonar"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// SyncDuration tracks whole sync runs. Use with attributes:
	//   attribute.String("mode", "full"|"incremental"|"one")
	SyncDuration metric.Float64Histogram

	// EmbedDuration tracks embedding batch latency.
	EmbedDuration metric.Float64Histogram

	// SearchDuration tracks semantic search latency end to end (embed +
	// vector query).
	SearchDuration metric.Float64Histogram

	// ClusterDuration tracks pattern-discovery runs.
	ClusterDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts backend API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts backend errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// VectorsUpserted counts points written to the vector index.
	VectorsUpserted metric.Int64Counter

	// SyncRuns counts sync invocations. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", "ok"|"failed"|"rejected")
	SyncRuns metric.Int64Counter

	// ToolCalls counts MCP tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Gauges ---

	// ActiveSyncs tracks syncs currently in flight (0 or 1 per process).
	ActiveSyncs metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request-scale operations: embeds, searches, clustering.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// syncBuckets covers bulk sync runs, which span seconds to many minutes.
var syncBuckets = []float64{
	0.5, 1, 5, 15, 30, 60, 180, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SyncDuration, err = m.Float64Histogram("leadsonar.sync.duration",
		metric.WithDescription("Duration of sync runs by mode."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(syncBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("leadsonar.embedding.duration",
		metric.WithDescription("Latency of embedding batch calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SearchDuration, err = m.Float64Histogram("leadsonar.search.duration",
		metric.WithDescription("End-to-end semantic search latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClusterDuration, err = m.Float64Histogram("leadsonar.cluster.duration",
		metric.WithDescription("Duration of pattern-discovery runs."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("leadsonar.provider.requests",
		metric.WithDescription("Total backend API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("leadsonar.provider.errors",
		metric.WithDescription("Total backend errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.VectorsUpserted, err = m.Int64Counter("leadsonar.vectors.upserted",
		metric.WithDescription("Total vector points written to the index."),
	); err != nil {
		return nil, err
	}
	if met.SyncRuns, err = m.Int64Counter("leadsonar.sync.runs",
		metric.WithDescription("Total sync invocations by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("leadsonar.tool.calls",
		metric.WithDescription("Total MCP tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSyncs, err = m.Int64UpDownCounter("leadsonar.active_syncs",
		metric.WithDescription("Number of syncs currently in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("leadsonar.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RegisterBreakerGauge publishes a circuit breaker's state as an observable
// gauge named leadsonar.breaker.state, sampled at collection time. The state
// callback returns the breaker's numeric state (0 closed, 1 open, 2 half-open).
// Call once per breaker; the breaker attribute keeps the series apart.
func RegisterBreakerGauge(mp metric.MeterProvider, name string, state func() int64) error {
	m := mp.Meter(meterName)
	g, err := m.Int64ObservableGauge("leadsonar.breaker.state",
		metric.WithDescription("Circuit breaker state: 0 closed, 1 open, 2 half-open."),
	)
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(g, state(), metric.WithAttributes(attribute.String("breaker", name)))
		return nil
	}, g)
	return err
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a backend request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a backend error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSyncRun records one sync invocation with its outcome.
func (m *Metrics) RecordSyncRun(ctx context.Context, mode, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	)
	m.SyncRuns.Add(ctx, 1, attrs)
	m.SyncDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordToolCall records an MCP tool invocation counter increment.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}
