package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leadsonar/leadsonar/internal/resilience"
	"github.com/leadsonar/leadsonar/internal/syncer"
	embmock "github.com/leadsonar/leadsonar/pkg/provider/embeddings/mock"
	"github.com/leadsonar/leadsonar/pkg/vector"
	vecmock "github.com/leadsonar/leadsonar/pkg/vector/mock"
)

func TestStatusz_ReportsLiveState(t *testing.T) {
	idx := &vecmock.Index{
		Collection:  "leads",
		HealthValue: vector.Health{Connected: true, CollectionExists: true, PointsCount: 42},
	}
	state := syncer.NewState()
	t0 := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	state.MarkSuccess(t0, true)

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "vector"})
	s := NewStatus(idx, &embmock.Provider{DimensionsValue: 2}, state, breaker, true)

	req := httptest.NewRequest("GET", "/statusz", nil)
	rec := httptest.NewRecorder()
	s.Statusz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body VectorStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if !body.Enabled || !body.BackendConnected || !body.EmbeddingConnected {
		t.Errorf("flags = %+v, want all enabled/connected", body)
	}
	if body.CollectionName != "leads" || body.TotalVectors != 42 {
		t.Errorf("collection/vectors = %q/%d", body.CollectionName, body.TotalVectors)
	}
	if body.SyncVersion != 1 || body.LastSync == nil || !body.LastSync.Equal(t0) {
		t.Errorf("sync fields = v%d @ %v", body.SyncVersion, body.LastSync)
	}
	if body.CircuitBreakerState != "closed" {
		t.Errorf("breaker = %q, want closed", body.CircuitBreakerState)
	}
}

func TestStatusz_Disabled(t *testing.T) {
	s := NewStatus(nil, nil, nil, nil, false)

	req := httptest.NewRequest("GET", "/statusz", nil)
	rec := httptest.NewRecorder()
	s.Statusz(rec, req)

	var body VectorStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Enabled || body.BackendConnected {
		t.Errorf("disabled subsystem must report zero status, got %+v", body)
	}
}

func TestStatusz_BackendDown(t *testing.T) {
	idx := &vecmock.Index{
		Collection:  "leads",
		HealthValue: vector.Health{Connected: false, Error: "dial tcp: connection refused"},
	}
	s := NewStatus(idx, nil, syncer.NewState(), nil, true)

	req := httptest.NewRequest("GET", "/statusz", nil)
	rec := httptest.NewRecorder()
	s.Statusz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, degraded state must still serve 200", rec.Code)
	}
	var body VectorStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.BackendConnected {
		t.Error("backendConnected = true, want false")
	}
	if body.ErrorMessage == "" {
		t.Error("error message must carry the probe failure")
	}
	if body.LastSync != nil {
		t.Error("never-synced state must omit lastSync")
	}
}
