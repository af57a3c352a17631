// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text strings to dense float32 vectors. The sync
// pipeline embeds record documents with [ModeDocument]; the query services
// embed user queries with [ModeQuery]. Some backends tune representations
// differently per input type, so the mode must reach the wire unchanged —
// mixing modes silently degrades ranking quality.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the provider has no usable client, most
// commonly because no API key was configured. Callers should treat it as a
// configuration problem, not a transient backend failure.
var ErrUnavailable = errors.New("embeddings: provider unavailable")

// ErrInvalidResponse is returned when the backend answers but the response is
// missing an embedding for one or more input indexes.
var ErrInvalidResponse = errors.New("embeddings: invalid response")

// InputMode selects the representation the backend should produce.
type InputMode string

const (
	// ModeDocument embeds corpus documents for storage.
	ModeDocument InputMode = "document"
	// ModeQuery embeds search queries for retrieval against stored documents.
	ModeQuery InputMode = "query"
)

// ProgressFunc is called after each completed batch chunk with the number of
// texts embedded so far and the total. May be nil.
type ProgressFunc func(done, total int)

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different Provider
// instances must not be mixed in one similarity computation unless both use
// the same model and space.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding vector for a single text string in the
	// given mode. Returns a float32 slice of length Dimensions().
	Embed(ctx context.Context, text string, mode InputMode) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts. The returned
	// slice has the same length as texts and the i-th element corresponds to
	// texts[i].
	//
	// Implementations chunk the input at their wire-level batch cap; each
	// chunk is one network call and onProgress (if non-nil) fires after each.
	// Any chunk failure aborts the whole call with no partial results —
	// retrying is the caller's job, so a retried call never mixes vectors
	// from two provider sessions.
	EmbedBatch(ctx context.Context, texts []string, mode InputMode, onProgress ProgressFunc) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider. Constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, for logging and
	// status reporting.
	ModelID() string
}
