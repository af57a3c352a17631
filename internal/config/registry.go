package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/leadsonar/leadsonar/pkg/provider/embeddings"
	"github.com/leadsonar/leadsonar/pkg/vector"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: factory not registered")

// EmbeddingsFactory constructs an embedding provider from its config section.
type EmbeddingsFactory func(EmbeddingsConfig) (embeddings.Provider, error)

// BackendFactory constructs a vector index from its config section. The
// dimension is resolved from the embedding provider after it is created, so
// it is passed separately. The context covers backend setup work such as
// opening a connection pool.
type BackendFactory func(ctx context.Context, cfg VectorConfig, dimension int) (vector.Index, error)

// Registry maps provider and backend names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	embeddings map[string]EmbeddingsFactory
	backends   map[Backend]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		embeddings: make(map[string]EmbeddingsFactory),
		backends:   make(map[Backend]BackendFactory),
	}
}

// RegisterEmbeddings registers an embedding provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEmbeddings(name string, factory EmbeddingsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterBackend registers a vector backend factory under name.
func (r *Registry) RegisterBackend(name Backend, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// CreateEmbeddings instantiates an embedding provider using the factory
// registered under cfg.Provider. Returns [ErrNotRegistered] if no factory has
// been registered for that name.
func (r *Registry) CreateEmbeddings(cfg EmbeddingsConfig) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateBackend instantiates a vector index using the factory registered
// under cfg.Backend.
func (r *Registry) CreateBackend(ctx context.Context, cfg VectorConfig, dimension int) (vector.Index, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vector/%q", ErrNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg, dimension)
}
