package vector

import (
	"context"
	"errors"

	"github.com/leadsonar/leadsonar/internal/resilience"
)

// Guarded wraps an [Index] so that every call passes through a shared
// circuit breaker. The same breaker instance must be handed to every wrapper
// of the same backing store — sync, semantic search, and clustering all trip
// and observe the same breaker.
//
// [Index.GetByID] misses ([ErrNotFound]) and health checks do not count as
// breaker failures: a missing point is a caller mistake, and HealthCheck is
// the probe operators use to see the real backend state even while the
// breaker is open.
type Guarded struct {
	inner   Index
	breaker *resilience.CircuitBreaker
}

// Ensure Guarded implements the Index interface.
var _ Index = (*Guarded)(nil)

// Guard wraps inner with the given breaker.
func Guard(inner Index, breaker *resilience.CircuitBreaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

// Breaker returns the shared breaker, for status reporting.
func (g *Guarded) Breaker() *resilience.CircuitBreaker { return g.breaker }

// EnsureCollection implements Index.
func (g *Guarded) EnsureCollection(ctx context.Context) error {
	return g.breaker.Execute(func() error {
		return g.inner.EnsureCollection(ctx)
	})
}

// Upsert implements Index.
func (g *Guarded) Upsert(ctx context.Context, records []Record) (int, error) {
	var n int
	err := g.breaker.Execute(func() error {
		var innerErr error
		n, innerErr = g.inner.Upsert(ctx, records)
		return innerErr
	})
	return n, err
}

// GetByID implements Index.
func (g *Guarded) GetByID(ctx context.Context, id string) (*Record, error) {
	var rec *Record
	var notFound bool
	err := g.breaker.Execute(func() error {
		var innerErr error
		rec, innerErr = g.inner.GetByID(ctx, id)
		if errors.Is(innerErr, ErrNotFound) {
			// A miss is a healthy response from the backend.
			notFound = true
			return nil
		}
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Search implements Index.
func (g *Guarded) Search(ctx context.Context, p SearchParams) ([]Match, error) {
	var matches []Match
	err := g.breaker.Execute(func() error {
		var innerErr error
		matches, innerErr = g.inner.Search(ctx, p)
		return innerErr
	})
	return matches, err
}

// Scroll implements Index.
func (g *Guarded) Scroll(ctx context.Context, filter Filter, limit int) ([]ScrollItem, error) {
	var items []ScrollItem
	err := g.breaker.Execute(func() error {
		var innerErr error
		items, innerErr = g.inner.Scroll(ctx, filter, limit)
		return innerErr
	})
	return items, err
}

// HealthCheck implements Index. It bypasses the breaker so status reporting
// reflects the live backend even while calls are being short-circuited.
func (g *Guarded) HealthCheck(ctx context.Context) Health {
	return g.inner.HealthCheck(ctx)
}

// CollectionName implements Index.
func (g *Guarded) CollectionName() string { return g.inner.CollectionName() }
