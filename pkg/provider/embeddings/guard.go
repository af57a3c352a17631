package embeddings

import (
	"context"
	"errors"

	"github.com/leadsonar/leadsonar/internal/resilience"
)

// Guarded wraps a [Provider] so that every embedding call passes through a
// shared circuit breaker. Hand it the same breaker instance that guards the
// vector index: sync, semantic search, and clustering treat the
// vector/embedding path as one dependency chain, so repeated failures on
// either side must short-circuit both.
//
// [ErrUnavailable] does not count as a breaker failure — a missing API key is
// a configuration problem, and tripping the breaker on it would mask the real
// cause. Dimensions and ModelID are local metadata and bypass the breaker.
type Guarded struct {
	inner   Provider
	breaker *resilience.CircuitBreaker
}

// Ensure Guarded implements the Provider interface.
var _ Provider = (*Guarded)(nil)

// Guard wraps inner with the given breaker.
func Guard(inner Provider, breaker *resilience.CircuitBreaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

// Breaker returns the shared breaker, for status reporting.
func (g *Guarded) Breaker() *resilience.CircuitBreaker { return g.breaker }

// Embed implements Provider.
func (g *Guarded) Embed(ctx context.Context, text string, mode InputMode) ([]float32, error) {
	var vec []float32
	var cfgErr error
	err := g.breaker.Execute(func() error {
		var innerErr error
		vec, innerErr = g.inner.Embed(ctx, text, mode)
		if errors.Is(innerErr, ErrUnavailable) {
			cfgErr = innerErr
			return nil
		}
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	if cfgErr != nil {
		return nil, cfgErr
	}
	return vec, nil
}

// EmbedBatch implements Provider.
func (g *Guarded) EmbedBatch(ctx context.Context, texts []string, mode InputMode, onProgress ProgressFunc) ([][]float32, error) {
	var vecs [][]float32
	var cfgErr error
	err := g.breaker.Execute(func() error {
		var innerErr error
		vecs, innerErr = g.inner.EmbedBatch(ctx, texts, mode, onProgress)
		if errors.Is(innerErr, ErrUnavailable) {
			cfgErr = innerErr
			return nil
		}
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	if cfgErr != nil {
		return nil, cfgErr
	}
	return vecs, nil
}

// Dimensions implements Provider.
func (g *Guarded) Dimensions() int { return g.inner.Dimensions() }

// ModelID implements Provider.
func (g *Guarded) ModelID() string { return g.inner.ModelID() }
