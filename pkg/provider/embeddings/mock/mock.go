// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return deterministic embedding vectors without a live model
// and to verify which texts were submitted and in which input mode.
package mock

import (
	"context"
	"sync"

	"github.com/leadsonar/leadsonar/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	Text string
	Mode embeddings.InputMode
}

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	// Texts is a copy of the slice passed to EmbedBatch.
	Texts []string
	Mode  embeddings.InputMode
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc, when set, produces the vector for each text (also used per
	// element by EmbedBatch). Lets tests derive deterministic vectors from
	// input content.
	EmbedFunc func(text string) []float32

	// EmbedResult is returned by Embed when EmbedFunc is nil.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned from Embed.
	EmbedErr error

	// EmbedBatchResult is returned by EmbedBatch when EmbedFunc is nil.
	EmbedBatchResult [][]float32

	// EmbedBatchErr, if non-nil, is returned from EmbedBatch.
	EmbedBatchErr error

	// EmbedBatchErrOn, when > 0, fails only the n-th EmbedBatch call (1-based)
	// with EmbedBatchErr. When 0, EmbedBatchErr (if set) fails every call.
	EmbedBatchErrOn int

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID. Defaults to "mock-embed".
	ModelIDValue string

	// Call records.
	EmbedCalls      []EmbedCall
	EmbedBatchCalls []EmbedBatchCall
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Embed records the call and returns the configured result.
func (p *Provider) Embed(_ context.Context, text string, mode embeddings.InputMode) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Text: text, Mode: mode})
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text), nil
	}
	return p.EmbedResult, nil
}

// EmbedBatch records the call and returns the configured result. With
// EmbedFunc set, each text is mapped individually; onProgress fires once for
// the whole batch.
func (p *Provider) EmbedBatch(_ context.Context, texts []string, mode embeddings.InputMode, onProgress embeddings.ProgressFunc) ([][]float32, error) {
	p.mu.Lock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Texts: cp, Mode: mode})
	n := len(p.EmbedBatchCalls)

	if p.EmbedBatchErr != nil && (p.EmbedBatchErrOn == 0 || p.EmbedBatchErrOn == n) {
		p.mu.Unlock()
		return nil, p.EmbedBatchErr
	}

	var out [][]float32
	if p.EmbedFunc != nil {
		out = make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = p.EmbedFunc(t)
		}
	} else {
		out = p.EmbedBatchResult
	}
	p.mu.Unlock()

	if onProgress != nil {
		onProgress(len(texts), len(texts))
	}
	return out, nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	if p.ModelIDValue == "" {
		return "mock-embed"
	}
	return p.ModelIDValue
}
