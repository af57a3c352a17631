// Package qdrant implements the vector.Index interface against Qdrant's
// REST API.
//
// One Qdrant collection holds one point per CRM record. Point IDs are
// deterministic FNV-1a hashes of the stringified record id; the original id
// travels in the payload so results can be mapped back. EnsureCollection
// provisions the collection (cosine distance) and all payload indexes used
// for filtering before any data is written.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/leadsonar/leadsonar/pkg/vector"
)

// idKey is the payload key carrying the original stringified record id.
const idKey = "_id"

// scrollPageSize is the page size used internally by Scroll.
const scrollPageSize = 256

// payloadIndexes lists the payload fields that get a secondary index, with
// their Qdrant field schema. Provisioned by EnsureCollection before any
// upsert so Qdrant never has to backfill an index over a bulk-loaded
// collection.
var payloadIndexes = map[string]string{
	"stage_name":  "keyword",
	"owner_id":    "integer",
	"team_id":     "integer",
	"sector":      "keyword",
	"lead_source": "keyword",
	"city":        "keyword",
	"region_name": "keyword",
	"lost_reason": "keyword",
	"is_won":      "bool",
	"is_lost":     "bool",
	"is_active":   "bool",
	"create_date": "datetime",
	"write_date":  "datetime",
}

// Ensure Index implements the vector.Index interface.
var _ vector.Index = (*Index)(nil)

// Index is a Qdrant-backed vector index. It is safe for concurrent use.
type Index struct {
	endpoint   string
	collection string
	dimension  int
	apiKey     string
	httpClient *http.Client
}

// config holds optional configuration collected from functional options.
type config struct {
	apiKey  string
	timeout time.Duration
}

// Option is a functional option for Index.
type Option func(*config)

// WithAPIKey sets the api-key header sent on every request.
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// WithTimeout sets the per-request HTTP timeout. Default: 60s — bulk upsert
// batches can be slow on a cold collection.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Qdrant Index for the given endpoint (e.g.
// "http://localhost:6333"), collection name, and vector dimension.
func New(endpoint, collection string, dimension int, opts ...Option) (*Index, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("qdrant: endpoint must not be empty")
	}
	if collection == "" {
		return nil, fmt.Errorf("qdrant: collection must not be empty")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("qdrant: dimension must be positive, got %d", dimension)
	}

	cfg := &config{timeout: 60 * time.Second}
	for _, o := range opts {
		o(cfg)
	}

	return &Index{
		endpoint:   strings.TrimRight(endpoint, "/"),
		collection: collection,
		dimension:  dimension,
		apiKey:     cfg.apiKey,
		httpClient: &http.Client{Timeout: cfg.timeout},
	}, nil
}

// CollectionName implements vector.Index.
func (q *Index) CollectionName() string { return q.collection }

// pointID produces a deterministic uint64 point id for a record id string
// (FNV-1a).
func pointID(id string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return h
}

// EnsureCollection implements vector.Index. Idempotent: an existing
// collection is left untouched, and payload index creation tolerates
// already-exists responses.
func (q *Index) EnsureCollection(ctx context.Context) error {
	status, _, err := q.do(ctx, http.MethodGet, "/collections/"+q.collection, nil)
	if err != nil {
		return fmt.Errorf("qdrant: check collection: %w", err)
	}
	if status != http.StatusOK {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     q.dimension,
				"distance": "Cosine",
			},
		}
		status, respBody, err := q.do(ctx, http.MethodPut, "/collections/"+q.collection, body)
		if err != nil {
			return fmt.Errorf("qdrant: create collection: %w", err)
		}
		if status >= 300 {
			return fmt.Errorf("qdrant: create collection: status %d: %s", status, respBody)
		}
	}

	// Payload indexes must exist before the first bulk load.
	for field, schema := range payloadIndexes {
		body := map[string]any{
			"field_name":   field,
			"field_schema": schema,
		}
		status, respBody, err := q.do(ctx, http.MethodPut, "/collections/"+q.collection+"/index", body)
		if err != nil {
			return fmt.Errorf("qdrant: create payload index %s: %w", field, err)
		}
		// 409 means the index already exists — fine on re-runs.
		if status >= 300 && status != http.StatusConflict {
			return fmt.Errorf("qdrant: create payload index %s: status %d: %s", field, status, respBody)
		}
	}
	return nil
}

// Upsert implements vector.Index. Each record becomes one point whose payload
// is the full metadata struct plus the original id under "_id".
func (q *Index) Upsert(ctx context.Context, records []vector.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	points := make([]any, 0, len(records))
	for _, rec := range records {
		payload, err := payloadFromMetadata(rec.ID, rec.Metadata)
		if err != nil {
			return 0, fmt.Errorf("qdrant: encode payload for %s: %w", rec.ID, err)
		}
		points = append(points, map[string]any{
			"id":      pointID(rec.ID),
			"vector":  rec.Vector,
			"payload": payload,
		})
	}

	body := map[string]any{"points": points}
	status, respBody, err := q.do(ctx, http.MethodPut, "/collections/"+q.collection+"/points?wait=true", body)
	if err != nil {
		return 0, fmt.Errorf("qdrant: upsert: %w", err)
	}
	if status >= 300 {
		return 0, fmt.Errorf("qdrant: upsert: status %d: %s", status, respBody)
	}
	return len(records), nil
}

// GetByID implements vector.Index.
func (q *Index) GetByID(ctx context.Context, id string) (*vector.Record, error) {
	body := map[string]any{
		"ids":          []uint64{pointID(id)},
		"with_payload": true,
		"with_vector":  true,
	}
	status, respBody, err := q.do(ctx, http.MethodPost, "/collections/"+q.collection+"/points", body)
	if err != nil {
		return nil, fmt.Errorf("qdrant: get point: %w", err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("qdrant: get point: status %d: %s", status, respBody)
	}

	var result struct {
		Result []struct {
			Vector  []float32      `json:"vector"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("qdrant: decode get response: %w", err)
	}
	if len(result.Result) == 0 {
		return nil, vector.ErrNotFound
	}

	meta, err := metadataFromPayload(result.Result[0].Payload)
	if err != nil {
		return nil, fmt.Errorf("qdrant: decode payload: %w", err)
	}
	return &vector.Record{ID: id, Vector: result.Result[0].Vector, Metadata: meta}, nil
}

// Search implements vector.Index.
func (q *Index) Search(ctx context.Context, p vector.SearchParams) ([]vector.Match, error) {
	body := map[string]any{
		"vector":       p.Vector,
		"limit":        p.TopK,
		"with_payload": p.IncludeMetadata,
	}
	if p.MinScore > 0 {
		body["score_threshold"] = p.MinScore
	}
	if f := buildFilter(p.Filter); f != nil {
		body["filter"] = f
	}

	status, respBody, err := q.do(ctx, http.MethodPost, "/collections/"+q.collection+"/points/search", body)
	if err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("qdrant: search: status %d: %s", status, respBody)
	}

	var result struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("qdrant: decode search response: %w", err)
	}

	matches := make([]vector.Match, 0, len(result.Result))
	for _, r := range result.Result {
		m := vector.Match{Score: r.Score}
		if r.Payload != nil {
			m.ID, _ = r.Payload[idKey].(string)
			if p.IncludeMetadata {
				meta, err := metadataFromPayload(r.Payload)
				if err != nil {
					return nil, fmt.Errorf("qdrant: decode payload: %w", err)
				}
				m.Metadata = &meta
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Scroll implements vector.Index. It pages through the collection using
// Qdrant's scroll API, payload only, until limit points are collected or the
// collection is exhausted.
func (q *Index) Scroll(ctx context.Context, filter vector.Filter, limit int) ([]vector.ScrollItem, error) {
	var items []vector.ScrollItem
	var offset any

	for {
		pageLimit := scrollPageSize
		if limit > 0 && limit-len(items) < pageLimit {
			pageLimit = limit - len(items)
		}

		body := map[string]any{
			"limit":        pageLimit,
			"with_payload": true,
			"with_vector":  false,
		}
		if f := buildFilter(filter); f != nil {
			body["filter"] = f
		}
		if offset != nil {
			body["offset"] = offset
		}

		status, respBody, err := q.do(ctx, http.MethodPost, "/collections/"+q.collection+"/points/scroll", body)
		if err != nil {
			return nil, fmt.Errorf("qdrant: scroll: %w", err)
		}
		if status >= 300 {
			return nil, fmt.Errorf("qdrant: scroll: status %d: %s", status, respBody)
		}

		var result struct {
			Result struct {
				Points []struct {
					Payload map[string]any `json:"payload"`
				} `json:"points"`
				NextPageOffset any `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("qdrant: decode scroll response: %w", err)
		}

		for _, pt := range result.Result.Points {
			meta, err := metadataFromPayload(pt.Payload)
			if err != nil {
				return nil, fmt.Errorf("qdrant: decode payload: %w", err)
			}
			id, _ := pt.Payload[idKey].(string)
			items = append(items, vector.ScrollItem{ID: id, Metadata: meta})
		}

		offset = result.Result.NextPageOffset
		if offset == nil || len(result.Result.Points) == 0 {
			break
		}
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

// HealthCheck implements vector.Index. Never returns an error; failures are
// reported inside the Health struct.
func (q *Index) HealthCheck(ctx context.Context) vector.Health {
	status, respBody, err := q.do(ctx, http.MethodGet, "/collections/"+q.collection, nil)
	if err != nil {
		return vector.Health{Connected: false, Error: err.Error()}
	}
	if status == http.StatusNotFound {
		return vector.Health{Connected: true, CollectionExists: false}
	}
	if status >= 300 {
		return vector.Health{Connected: true, Error: fmt.Sprintf("status %d", status)}
	}

	var result struct {
		Result struct {
			PointsCount int64 `json:"points_count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return vector.Health{Connected: true, CollectionExists: true, Error: "decode: " + err.Error()}
	}
	return vector.Health{
		Connected:        true,
		CollectionExists: true,
		PointsCount:      result.Result.PointsCount,
	}
}

// do performs one HTTP round trip and returns the status code and body.
func (q *Index) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.endpoint+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// buildFilter converts a vector.Filter into Qdrant's must-clause form.
// Returns nil when no condition is set.
func buildFilter(f vector.Filter) map[string]any {
	if f.IsZero() {
		return nil
	}

	var must []any
	match := func(key string, value any) {
		must = append(must, map[string]any{
			"key":   key,
			"match": map[string]any{"value": value},
		})
	}

	if f.StageName != "" {
		match("stage_name", f.StageName)
	}
	if f.OwnerID != 0 {
		match("owner_id", f.OwnerID)
	}
	if f.TeamID != 0 {
		match("team_id", f.TeamID)
	}
	if f.Sector != "" {
		match("sector", f.Sector)
	}
	if f.LeadSource != "" {
		match("lead_source", f.LeadSource)
	}
	if f.City != "" {
		match("city", f.City)
	}
	if f.RegionName != "" {
		match("region_name", f.RegionName)
	}
	if f.LostReason != "" {
		match("lost_reason", f.LostReason)
	}
	if f.IsWon != nil {
		match("is_won", *f.IsWon)
	}
	if f.IsLost != nil {
		match("is_lost", *f.IsLost)
	}
	if f.IsActive != nil {
		match("is_active", *f.IsActive)
	}

	if !f.CreatedAfter.IsZero() || !f.CreatedBefore.IsZero() {
		rng := map[string]any{}
		if !f.CreatedAfter.IsZero() {
			rng["gt"] = f.CreatedAfter.UTC().Format(time.RFC3339)
		}
		if !f.CreatedBefore.IsZero() {
			rng["lt"] = f.CreatedBefore.UTC().Format(time.RFC3339)
		}
		must = append(must, map[string]any{
			"key":            "create_date",
			"datetime_range": rng,
		})
	}

	return map[string]any{"must": must}
}

// payloadFromMetadata flattens the metadata struct into a payload map and
// injects the original record id.
func payloadFromMetadata(id string, meta vector.Metadata) (map[string]any, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	payload[idKey] = id
	return payload, nil
}

// metadataFromPayload is the inverse of payloadFromMetadata.
func metadataFromPayload(payload map[string]any) (vector.Metadata, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return vector.Metadata{}, err
	}
	var meta vector.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return vector.Metadata{}, err
	}
	return meta, nil
}
