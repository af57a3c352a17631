// Package mock provides a test double for the crm.Source interface.
//
// Use Source to serve canned lead records without a live CRM and to verify
// which queries the sync pipeline issues.
package mock

import (
	"context"
	"sync"

	"github.com/leadsonar/leadsonar/internal/crm"
)

// CountCall records a single invocation of Count.
type CountCall struct {
	Query crm.Query
}

// FetchPageCall records a single invocation of FetchPage.
type FetchPageCall struct {
	Query crm.Query
}

// FetchOneCall records a single invocation of FetchOne.
type FetchOneCall struct {
	ID int64
}

// Source is a mock implementation of crm.Source. It serves pages out of the
// Leads slice in order, honouring Query.Offset and Query.Limit.
type Source struct {
	mu sync.Mutex

	// Leads is the full record population served by this source.
	Leads []crm.Lead

	// Filter, when non-nil, restricts the served population per query.
	// It receives each lead and the query and reports whether it matches.
	Filter func(l crm.Lead, q crm.Query) bool

	// CountErr, FetchPageErr, FetchOneErr force the corresponding call to fail.
	CountErr     error
	FetchPageErr error
	FetchOneErr  error

	// Call records, in order.
	CountCalls     []CountCall
	FetchPageCalls []FetchPageCall
	FetchOneCalls  []FetchOneCall
}

// Ensure Source implements crm.Source at compile time.
var _ crm.Source = (*Source)(nil)

func (s *Source) matching(q crm.Query) []crm.Lead {
	var out []crm.Lead
	for _, l := range s.Leads {
		if !q.IncludeInactive && !l.Active {
			continue
		}
		if s.Filter != nil && !s.Filter(l, q) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Count implements crm.Source.
func (s *Source) Count(_ context.Context, q crm.Query) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CountCalls = append(s.CountCalls, CountCall{Query: q})
	if s.CountErr != nil {
		return 0, s.CountErr
	}
	return len(s.matching(q)), nil
}

// FetchPage implements crm.Source.
func (s *Source) FetchPage(_ context.Context, q crm.Query) ([]crm.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FetchPageCalls = append(s.FetchPageCalls, FetchPageCall{Query: q})
	if s.FetchPageErr != nil {
		return nil, s.FetchPageErr
	}

	matched := s.matching(q)
	if q.Offset >= len(matched) {
		return []crm.Lead{}, nil
	}
	end := q.Offset + q.Limit
	if q.Limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	page := make([]crm.Lead, end-q.Offset)
	copy(page, matched[q.Offset:end])
	return page, nil
}

// FetchOne implements crm.Source.
func (s *Source) FetchOne(_ context.Context, id int64) (*crm.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FetchOneCalls = append(s.FetchOneCalls, FetchOneCall{ID: id})
	if s.FetchOneErr != nil {
		return nil, s.FetchOneErr
	}
	for _, l := range s.Leads {
		if l.ID == id {
			cp := l
			return &cp, nil
		}
	}
	return nil, crm.ErrNotFound
}

// TotalCalls returns the total number of recorded calls across all methods.
func (s *Source) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.CountCalls) + len(s.FetchPageCalls) + len(s.FetchOneCalls)
}
