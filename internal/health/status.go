package health

import (
	"context"
	"net/http"
	"time"

	"github.com/leadsonar/leadsonar/internal/resilience"
	"github.com/leadsonar/leadsonar/internal/syncer"
	"github.com/leadsonar/leadsonar/pkg/provider/embeddings"
	"github.com/leadsonar/leadsonar/pkg/vector"
)

// VectorStatus is the operator-facing snapshot of the sync-and-search
// subsystem served at /statusz.
type VectorStatus struct {
	Enabled             bool       `json:"enabled"`
	BackendConnected    bool       `json:"backendConnected"`
	EmbeddingConnected  bool       `json:"embeddingConnected"`
	CollectionName      string     `json:"collectionName"`
	TotalVectors        int64      `json:"totalVectors"`
	LastSync            *time.Time `json:"lastSync,omitempty"`
	SyncVersion         int        `json:"syncVersion"`
	CircuitBreakerState string     `json:"circuitBreakerState"`
	ErrorMessage        string     `json:"errorMessage,omitempty"`
}

// Status assembles VectorStatus snapshots from the live components.
type Status struct {
	index    vector.Index
	provider embeddings.Provider
	state    *syncer.State
	breaker  *resilience.CircuitBreaker
	enabled  bool
}

// NewStatus wires the status endpoint. Any component may be nil when the
// subsystem is disabled; the snapshot then reports enabled=false fields as
// zero values.
func NewStatus(index vector.Index, provider embeddings.Provider, state *syncer.State, breaker *resilience.CircuitBreaker, enabled bool) *Status {
	return &Status{
		index:    index,
		provider: provider,
		state:    state,
		breaker:  breaker,
		enabled:  enabled,
	}
}

// Snapshot probes the vector backend and reports the current sync and
// breaker state. The backend probe bypasses the circuit breaker so the
// report reflects the backend itself, not the breaker's memory of it.
func (s *Status) Snapshot(ctx context.Context) VectorStatus {
	st := VectorStatus{Enabled: s.enabled}
	if !s.enabled {
		return st
	}

	if s.index != nil {
		st.CollectionName = s.index.CollectionName()
		h := s.index.HealthCheck(ctx)
		st.BackendConnected = h.Connected
		st.TotalVectors = h.PointsCount
		if h.Error != "" {
			st.ErrorMessage = h.Error
		}
	}

	// A provider is "connected" when it is wired with a usable client; no
	// probe embed is issued, that would spend quota on every status poll.
	st.EmbeddingConnected = s.provider != nil

	if s.state != nil {
		st.SyncVersion = s.state.Version()
		if last := s.state.LastSync(); !last.IsZero() {
			st.LastSync = &last
		}
	}
	if s.breaker != nil {
		st.CircuitBreakerState = s.breaker.State().String()
	}
	return st
}

// Statusz serves the JSON snapshot. Always 200 — degraded states are data,
// not transport errors.
func (s *Status) Statusz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot(r.Context()))
}

// Register adds the /statusz route to mux.
func (s *Status) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /statusz", s.Statusz)
}
