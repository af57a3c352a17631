// Package mock provides an in-memory test double for the vector.Index
// interface.
//
// Index stores upserted records in a map, serves exact-scan searches with
// real cosine similarity, and records every call so tests can assert on call
// counts and arguments.
package mock

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/leadsonar/leadsonar/pkg/vector"
)

// UpsertCall records a single invocation of Upsert.
type UpsertCall struct {
	Records []vector.Record
}

// SearchCall records a single invocation of Search.
type SearchCall struct {
	Params vector.SearchParams
}

// ScrollCall records a single invocation of Scroll.
type ScrollCall struct {
	Filter vector.Filter
	Limit  int
}

// Index is a mock implementation of vector.Index.
type Index struct {
	mu sync.Mutex

	// Records holds the current contents keyed by id.
	Records map[string]vector.Record

	// Collection is returned by CollectionName. Defaults to "test".
	Collection string

	// Forced errors per method.
	EnsureErr error
	UpsertErr error
	GetErr    error
	SearchErr error
	ScrollErr error

	// UpsertErrOn, when > 0, fails only the n-th Upsert call (1-based) with
	// UpsertErr. When 0, UpsertErr (if set) fails every call.
	UpsertErrOn int

	// HealthValue is returned by HealthCheck.
	HealthValue vector.Health

	// Call records.
	EnsureCalls int
	UpsertCalls []UpsertCall
	GetCalls    []string
	SearchCalls []SearchCall
	ScrollCalls []ScrollCall
	HealthCalls int
}

// Ensure Index implements vector.Index at compile time.
var _ vector.Index = (*Index)(nil)

// EnsureCollection implements vector.Index.
func (m *Index) EnsureCollection(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EnsureCalls++
	return m.EnsureErr
}

// Upsert implements vector.Index.
func (m *Index) Upsert(_ context.Context, records []vector.Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]vector.Record, len(records))
	copy(cp, records)
	m.UpsertCalls = append(m.UpsertCalls, UpsertCall{Records: cp})

	if m.UpsertErr != nil && (m.UpsertErrOn == 0 || m.UpsertErrOn == len(m.UpsertCalls)) {
		return 0, m.UpsertErr
	}

	if m.Records == nil {
		m.Records = make(map[string]vector.Record, len(records))
	}
	for _, rec := range records {
		m.Records[rec.ID] = rec
	}
	return len(records), nil
}

// GetByID implements vector.Index.
func (m *Index) GetByID(_ context.Context, id string) (*vector.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls = append(m.GetCalls, id)
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	rec, ok := m.Records[id]
	if !ok {
		return nil, vector.ErrNotFound
	}
	cp := rec
	return &cp, nil
}

// Search implements vector.Index with a real cosine-similarity exact scan
// over the stored records.
func (m *Index) Search(_ context.Context, p vector.SearchParams) ([]vector.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchCalls = append(m.SearchCalls, SearchCall{Params: p})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}

	var matches []vector.Match
	for _, rec := range m.Records {
		if !matchesFilter(rec.Metadata, p.Filter) {
			continue
		}
		score := cosine(p.Vector, rec.Vector)
		if p.MinScore > 0 && score < p.MinScore {
			continue
		}
		match := vector.Match{ID: rec.ID, Score: score}
		if p.IncludeMetadata {
			meta := rec.Metadata
			match.Metadata = &meta
		}
		matches = append(matches, match)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if p.TopK > 0 && len(matches) > p.TopK {
		matches = matches[:p.TopK]
	}
	return matches, nil
}

// Scroll implements vector.Index.
func (m *Index) Scroll(_ context.Context, filter vector.Filter, limit int) ([]vector.ScrollItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ScrollCalls = append(m.ScrollCalls, ScrollCall{Filter: filter, Limit: limit})
	if m.ScrollErr != nil {
		return nil, m.ScrollErr
	}

	ids := make([]string, 0, len(m.Records))
	for id := range m.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var items []vector.ScrollItem
	for _, id := range ids {
		rec := m.Records[id]
		if !matchesFilter(rec.Metadata, filter) {
			continue
		}
		items = append(items, vector.ScrollItem{ID: id, Metadata: rec.Metadata})
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

// HealthCheck implements vector.Index.
func (m *Index) HealthCheck(context.Context) vector.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HealthCalls++
	return m.HealthValue
}

// CollectionName implements vector.Index.
func (m *Index) CollectionName() string {
	if m.Collection == "" {
		return "test"
	}
	return m.Collection
}

// TotalCalls returns the total number of recorded data-path calls.
func (m *Index) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.EnsureCalls + len(m.UpsertCalls) + len(m.GetCalls) + len(m.SearchCalls) + len(m.ScrollCalls)
}

// matchesFilter applies the same AND semantics the real backends implement.
func matchesFilter(meta vector.Metadata, f vector.Filter) bool {
	if f.StageName != "" && meta.StageName != f.StageName {
		return false
	}
	if f.OwnerID != 0 && meta.OwnerID != f.OwnerID {
		return false
	}
	if f.TeamID != 0 && meta.TeamID != f.TeamID {
		return false
	}
	if f.Sector != "" && meta.Sector != f.Sector {
		return false
	}
	if f.LeadSource != "" && meta.LeadSource != f.LeadSource {
		return false
	}
	if f.City != "" && meta.City != f.City {
		return false
	}
	if f.RegionName != "" && meta.RegionName != f.RegionName {
		return false
	}
	if f.LostReason != "" && meta.LostReason != f.LostReason {
		return false
	}
	if f.IsWon != nil && meta.IsWon != *f.IsWon {
		return false
	}
	if f.IsLost != nil && meta.IsLost != *f.IsLost {
		return false
	}
	if f.IsActive != nil && meta.IsActive != *f.IsActive {
		return false
	}
	if !f.CreatedAfter.IsZero() && !meta.CreateDate.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !meta.CreateDate.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// cosine computes cosine similarity between two vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
