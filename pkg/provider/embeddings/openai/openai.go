// Package openai provides an embeddings provider backed by the OpenAI API.
//
// OpenAI's embeddings endpoint has no input-type knob: documents and queries
// share one representation, so the [embeddings.InputMode] argument is accepted
// for interface parity but not sent on the wire. Ranking quality is unaffected
// as long as both sides of a similarity computation come from the same model.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/leadsonar/leadsonar/pkg/provider/embeddings"
)

// DefaultModel is the default OpenAI embeddings model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// maxBatchSize is OpenAI's per-request input cap.
const maxBatchSize = 2048

// knownDimensionsTable maps recognised model names to their vector length.
var knownDimensionsTable = map[string]int{
	oai.EmbeddingModelTextEmbedding3Small: 1536,
	oai.EmbeddingModelTextEmbedding3Large: 3072,
	oai.EmbeddingModelTextEmbeddingAda002: 1536,
}

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the OpenAI API.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int
	sendDims   bool
	configured bool
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	dimensions   int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions pins the embedding dimension for models that support
// shortened outputs.
func WithDimensions(dims int) Option {
	return func(c *config) {
		c.dimensions = dims
	}
}

// New constructs a new OpenAI embeddings Provider.
//
// An empty apiKey is allowed at construction time so wiring can happen before
// secrets are resolved, but every call will then fail with
// [embeddings.ErrUnavailable]. If model is empty, DefaultModel is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	dims := cfg.dimensions
	if dims == 0 {
		dims = knownDimensionsTable[model]
	}
	if dims == 0 {
		return nil, fmt.Errorf("openai embeddings: unknown model %q, set an explicit dimension", model)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:     oai.NewClient(reqOpts...),
		model:      model,
		dimensions: dims,
		sendDims:   cfg.dimensions > 0,
		configured: apiKey != "",
	}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string, mode embeddings.InputMode) ([]float32, error) {
	vecs, err := p.embedChunk(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. The input is chunked at the
// API's batch cap; any chunk failure aborts the whole call.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string, mode embeddings.InputMode, onProgress embeddings.ProgressFunc) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := min(start+maxBatchSize, len(texts))
		vecs, err := p.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
		if onProgress != nil {
			onProgress(end, len(texts))
		}
	}
	return out, nil
}

// embedChunk performs one embeddings request and returns vectors in input
// order.
func (p *Provider) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	if !p.configured {
		return nil, fmt.Errorf("openai embeddings: no API key configured: %w", embeddings.ErrUnavailable)
	}

	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	}
	if p.sendDims {
		params.Dimensions = oai.Int(int64(p.dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embeddings: embedding index %d out of range: %w", d.Index, embeddings.ErrInvalidResponse)
		}
		out[d.Index] = float64ToFloat32(d.Embedding)
	}
	for i, vec := range out {
		if len(vec) == 0 {
			return nil, fmt.Errorf("openai embeddings: missing embedding for input %d: %w", i, embeddings.ErrInvalidResponse)
		}
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// float64ToFloat32 narrows the API's float64 vectors to the float32 the
// vector index stores.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
