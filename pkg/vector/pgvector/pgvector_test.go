package pgvector

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/leadsonar/leadsonar/pkg/vector"
)

func TestNew_RejectsInvalidTableName(t *testing.T) {
	bad := []string{"", "Leads", "1leads", "leads;drop", "lead-sonar", `leads"`}
	for _, name := range bad {
		if _, err := New(context.Background(), "postgres://localhost/x", name, 8); err == nil {
			t.Errorf("table %q: expected error, got nil", name)
		}
	}
}

func TestNew_RejectsNonPositiveDimension(t *testing.T) {
	for _, dim := range []int{0, -1} {
		if _, err := New(context.Background(), "postgres://localhost/x", "leads", dim); err == nil {
			t.Errorf("dimension %d: expected error, got nil", dim)
		}
	}
}

func TestDDL_ContainsSchemaEssentials(t *testing.T) {
	s := &Index{table: "leads", dimension: 1024}
	ddl := s.ddl()

	wants := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		"CREATE TABLE IF NOT EXISTS leads",
		"vector(1024)",
		"USING hnsw (embedding vector_cosine_ops)",
		"idx_leads_stage_name",
		"idx_leads_sector",
		"idx_leads_status",
	}
	for _, w := range wants {
		if !strings.Contains(ddl, w) {
			t.Errorf("ddl missing %q", w)
		}
	}
}

func TestBuildWhere_EmptyFilter(t *testing.T) {
	where, args := buildWhere(vector.Filter{}, nil)
	if where != "" {
		t.Errorf("where = %q, want empty", where)
	}
	if len(args) != 0 {
		t.Errorf("args = %v, want none", args)
	}
}

func TestBuildWhere_PreservesBaseArgs(t *testing.T) {
	// Search passes the query vector as $1; filter binds must start at $2.
	base := []any{"query-vector"}
	where, args := buildWhere(vector.Filter{Sector: "Education"}, base)

	if !strings.Contains(where, "sector = $2") {
		t.Errorf("where = %q, want sector bound to $2", where)
	}
	if len(args) != 2 {
		t.Fatalf("args = %v, want 2 entries", args)
	}
	if args[0] != "query-vector" || args[1] != "Education" {
		t.Errorf("args = %v, want base arg preserved in position", args)
	}
}

func TestBuildWhere_AllConditions(t *testing.T) {
	isLost := true
	isActive := false
	after := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	f := vector.Filter{
		StageName:    "Qualified",
		OwnerID:      7,
		TeamID:       3,
		Sector:       "Education",
		LeadSource:   "Website",
		City:         "Lyon",
		RegionName:   "ARA",
		LostReason:   "No budget",
		IsLost:       &isLost,
		IsActive:     &isActive,
		CreatedAfter: after,
	}

	where, args := buildWhere(f, nil)
	if !strings.HasPrefix(where, "WHERE ") {
		t.Fatalf("where = %q, want WHERE prefix", where)
	}
	if got := strings.Count(where, "AND"); got != 10 {
		t.Errorf("AND count = %d, want 10", got)
	}
	if len(args) != 11 {
		t.Errorf("args = %d entries, want 11", len(args))
	}

	// Boolean pointers bind their dereferenced values.
	if !strings.Contains(where, "is_lost = ") {
		t.Error("where missing is_lost condition")
	}
	if !strings.Contains(where, "is_active = ") {
		t.Error("where missing is_active condition")
	}
	// Unset IsWon must not appear.
	if strings.Contains(where, "is_won") {
		t.Error("where should not contain is_won for a nil pointer")
	}
}

func TestNullableTime(t *testing.T) {
	if nullableTime(time.Time{}) != nil {
		t.Error("zero time should map to nil")
	}
	now := time.Now()
	got := nullableTime(now)
	if got == nil || !got.Equal(now) {
		t.Errorf("non-zero time should round-trip, got %v", got)
	}
}
