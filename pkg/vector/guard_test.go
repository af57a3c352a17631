package vector_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leadsonar/leadsonar/internal/resilience"
	"github.com/leadsonar/leadsonar/pkg/vector"
	"github.com/leadsonar/leadsonar/pkg/vector/mock"
)

var errBackend = errors.New("backend down")

func newGuarded(inner *mock.Index, maxFailures int) *vector.Guarded {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "vector",
		MaxFailures:  maxFailures,
		ResetTimeout: time.Hour,
	})
	return vector.Guard(inner, cb)
}

func TestGuarded_PassesThrough(t *testing.T) {
	inner := &mock.Index{}
	g := newGuarded(inner, 3)

	if err := g.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	n, err := g.Upsert(context.Background(), []vector.Record{
		{ID: "1", Vector: []float32{1, 0}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n != 1 {
		t.Errorf("upserted = %d, want 1", n)
	}
	if g.Breaker().State() != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed", g.Breaker().State())
	}
}

func TestGuarded_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &mock.Index{SearchErr: errBackend}
	g := newGuarded(inner, 3)

	for i := 0; i < 3; i++ {
		if _, err := g.Search(context.Background(), vector.SearchParams{TopK: 5}); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: err = %v, want backend error", i, err)
		}
	}

	// Breaker is now open: the next call must short-circuit without touching
	// the backend.
	before := len(inner.SearchCalls)
	_, err := g.Search(context.Background(), vector.SearchParams{TopK: 5})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if len(inner.SearchCalls) != before {
		t.Error("backend was called while the breaker was open")
	}
}

func TestGuarded_SharedAcrossOperations(t *testing.T) {
	inner := &mock.Index{UpsertErr: errBackend}
	g := newGuarded(inner, 2)

	// Failures from the upsert path…
	_, _ = g.Upsert(context.Background(), []vector.Record{{ID: "1"}})
	_, _ = g.Upsert(context.Background(), []vector.Record{{ID: "1"}})

	// …short-circuit the search and scroll paths too.
	if _, err := g.Search(context.Background(), vector.SearchParams{TopK: 1}); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("search err = %v, want ErrCircuitOpen", err)
	}
	if _, err := g.Scroll(context.Background(), vector.Filter{}, 10); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("scroll err = %v, want ErrCircuitOpen", err)
	}
}

func TestGuarded_NotFoundIsNotAFailure(t *testing.T) {
	inner := &mock.Index{}
	g := newGuarded(inner, 1)

	for i := 0; i < 3; i++ {
		if _, err := g.GetByID(context.Background(), "missing"); !errors.Is(err, vector.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	}
	if g.Breaker().State() != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed after misses", g.Breaker().State())
	}
}

func TestGuarded_HealthCheckBypassesBreaker(t *testing.T) {
	inner := &mock.Index{
		UpsertErr:   errBackend,
		HealthValue: vector.Health{Connected: true, CollectionExists: true, PointsCount: 9},
	}
	g := newGuarded(inner, 1)

	// Trip the breaker.
	_, _ = g.Upsert(context.Background(), []vector.Record{{ID: "1"}})
	if g.Breaker().State() != resilience.StateOpen {
		t.Fatal("expected open breaker")
	}

	h := g.HealthCheck(context.Background())
	if !h.Connected || h.PointsCount != 9 {
		t.Errorf("health = %+v, want live backend view", h)
	}
	if inner.HealthCalls != 1 {
		t.Errorf("health calls = %d, want 1", inner.HealthCalls)
	}
}
