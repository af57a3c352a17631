// Package voyage provides an embeddings provider backed by the Voyage AI API.
//
// Voyage models accept an input_type hint that tunes the representation for
// corpus documents versus search queries; the provider maps [embeddings.InputMode]
// onto that field verbatim. Only net/http and encoding/json are needed — the
// API is a single JSON endpoint.
package voyage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/leadsonar/leadsonar/pkg/provider/embeddings"
)

// DefaultBaseURL is the Voyage AI API base URL.
const DefaultBaseURL = "https://api.voyageai.com/v1"

// DefaultModel is the default Voyage embeddings model.
const DefaultModel = "voyage-3"

// defaultBatchSize is Voyage's per-request input cap.
const defaultBatchSize = 128

// Ensure Provider implements the embeddings.Provider interface at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the Voyage AI API.
//
// Provider is safe for concurrent use.
type Provider struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	batchSize  int
	// sendDims controls whether output_dimension is sent on the wire. Only
	// set when the caller pinned a dimension explicitly, since not every
	// model accepts the field.
	sendDims   bool
	httpClient *http.Client
}

// config holds optional configuration collected from functional options.
type config struct {
	baseURL    string
	timeout    time.Duration
	dimensions int
	batchSize  int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout. Zero or negative means no
// timeout (the default).
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions pins the embedding dimension and asks the model for that
// output_dimension. Only models with Matryoshka support accept it; for other
// models rely on the built-in table instead.
func WithDimensions(dims int) Option {
	return func(c *config) {
		c.dimensions = dims
	}
}

// WithBatchSize overrides the per-request input cap. Values above the API's
// own limit will be rejected server-side; this is mainly useful in tests.
func WithBatchSize(n int) Option {
	return func(c *config) {
		c.batchSize = n
	}
}

// knownDimensionsTable maps recognised model names to their default vector
// length.
var knownDimensionsTable = map[string]int{
	"voyage-3":         1024,
	"voyage-3-large":   1024,
	"voyage-3-lite":    512,
	"voyage-code-3":    1024,
	"voyage-finance-2": 1024,
	"voyage-law-2":     1024,
}

// New constructs a new Voyage Provider.
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
	if cfg.baseURL == "" {
		cfg.baseURL = DefaultBaseURL
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = defaultBatchSize
	}

	dims := cfg.dimensions
	sendDims := dims > 0
	if dims == 0 {
		dims = knownDimensionsTable[model]
	}
	if dims == 0 {
		return nil, fmt.Errorf("voyage embeddings: unknown model %q, set an explicit dimension", model)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	return &Provider{
		baseURL:    strings.TrimRight(cfg.baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		dimensions: dims,
		batchSize:  cfg.batchSize,
		sendDims:   sendDims,
		httpClient: httpClient,
	}, nil
}

// embedRequest is the JSON request body for POST /embeddings.
type embedRequest struct {
	Input           []string `json:"input"`
	Model           string   `json:"model"`
	InputType       string   `json:"input_type,omitempty"`
	OutputDimension int      `json:"output_dimension,omitempty"`
}

// embedResponse is the JSON response body.
type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string, mode embeddings.InputMode) ([]float32, error) {
	vecs, err := p.embedChunk(ctx, []string{text}, mode)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. The input is chunked at the
// provider's batch cap; each chunk is one request and any chunk failure
// aborts the whole call.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string, mode embeddings.InputMode, onProgress embeddings.ProgressFunc) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batchSize {
		end := min(start+p.batchSize, len(texts))
		vecs, err := p.embedChunk(ctx, texts[start:end], mode)
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

// embedChunk performs one /embeddings request and returns vectors in input
// order.
func (p *Provider) embedChunk(ctx context.Context, texts []string, mode embeddings.InputMode) ([][]float32, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("voyage embeddings: no API key configured: %w", embeddings.ErrUnavailable)
	}

	reqBody := embedRequest{
		Input:     texts,
		Model:     p.model,
		InputType: string(mode),
	}
	if p.sendDims {
		reqBody.OutputDimension = p.dimensions
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("voyage embeddings: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("voyage embeddings: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voyage embeddings: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("voyage embeddings: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("voyage embeddings: decode response: %w", err)
	}

	// Re-order by index and verify every input got a vector.
	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("voyage embeddings: embedding index %d out of range: %w", d.Index, embeddings.ErrInvalidResponse)
		}
		out[d.Index] = d.Embedding
	}
	for i, vec := range out {
		if len(vec) == 0 {
			return nil, fmt.Errorf("voyage embeddings: missing embedding for input %d: %w", i, embeddings.ErrInvalidResponse)
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
