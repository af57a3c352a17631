// Package vector defines the vector index abstraction the sync pipeline
// writes to and the query services read from.
//
// An [Index] stores one point per CRM record: the embedding vector plus a
// flat [Metadata] payload that mirrors the record's searchable attributes and
// the sync bookkeeping fields. Points are always replaced whole on upsert —
// there are no partial payload updates.
//
// Two backends ship with LeadSonar: a Qdrant REST implementation (qdrant
// subpackage) and a PostgreSQL/pgvector implementation (pgvector subpackage).
// Production call sites wrap whichever backend is configured in [Guarded] so
// every call shares one circuit breaker.
//
// Implementations must be safe for concurrent use.
package vector

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by [Index.GetByID] when no point exists with the
// requested id.
var ErrNotFound = errors.New("vector: point not found")

// Metadata is the flat payload stored alongside each vector. Field names on
// the wire (Qdrant payload keys, pgvector column names) follow the json tags.
//
// Two invariants hold for every stored point: SyncVersion is monotonically
// non-decreasing across syncs of the same record, and EmbeddingText is always
// the exact text that produced the stored vector.
type Metadata struct {
	// SourceID is the CRM record id this point was built from.
	SourceID int64  `json:"source_id"`
	Name     string `json:"name"`

	StageID   int64  `json:"stage_id"`
	StageName string `json:"stage_name"`

	OwnerID   int64  `json:"owner_id"`
	OwnerName string `json:"owner_name"`
	TeamID    int64  `json:"team_id,omitempty"`
	TeamName  string `json:"team_name,omitempty"`

	ExpectedValue float64 `json:"expected_value"`
	Probability   float64 `json:"probability"`

	IsWon    bool `json:"is_won"`
	IsLost   bool `json:"is_lost"`
	IsActive bool `json:"is_active"`

	Sector        string `json:"sector,omitempty"`
	LeadSource    string `json:"lead_source,omitempty"`
	Specification string `json:"specification,omitempty"`
	City          string `json:"city,omitempty"`
	RegionID      int64  `json:"region_id,omitempty"`
	RegionName    string `json:"region_name,omitempty"`

	LostReason string `json:"lost_reason,omitempty"`

	CreateDate time.Time  `json:"create_date"`
	WriteDate  time.Time  `json:"write_date"`
	ClosedDate *time.Time `json:"closed_date,omitempty"`

	// Sync bookkeeping.
	SyncVersion int       `json:"sync_version"`
	LastSynced  time.Time `json:"last_synced"`
	Truncated   bool      `json:"truncated"`

	// EmbeddingText is retained for auditability and so clustering can
	// re-embed the population without another CRM round trip.
	EmbeddingText string `json:"embedding_text"`
}

// Record is one point in the index: the stringified CRM record id, its
// embedding vector, and the metadata payload.
type Record struct {
	ID       string
	Vector   []float32
	Metadata Metadata
}

// Filter narrows searches and scrolls to a subset of stored points. All
// non-zero fields are applied as AND conditions; boolean fields use pointers
// so that "unset" and "false" stay distinguishable.
type Filter struct {
	StageName  string
	OwnerID    int64
	TeamID     int64
	Sector     string
	LeadSource string
	City       string
	RegionName string
	LostReason string

	IsWon    *bool
	IsLost   *bool
	IsActive *bool

	// CreatedAfter / CreatedBefore bound create_date (exclusive). Zero
	// disables the bound.
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// IsZero reports whether no condition is set.
func (f Filter) IsZero() bool {
	return f == Filter{}
}

// SearchParams configures a similarity search.
type SearchParams struct {
	// Vector is the query embedding. Required.
	Vector []float32

	// TopK caps the number of matches returned. Required.
	TopK int

	// Filter restricts the candidate set before ranking.
	Filter Filter

	// MinScore drops matches below this cosine similarity before TopK
	// truncation. Zero keeps everything.
	MinScore float64

	// IncludeMetadata requests the full payload on each match. When false,
	// Match.Metadata is nil.
	IncludeMetadata bool
}

// Match is one similarity search hit, scored by cosine similarity
// (higher is more similar).
type Match struct {
	ID       string
	Score    float64
	Metadata *Metadata
}

// ScrollItem is one point returned by [Index.Scroll]: id and payload, no
// vector.
type ScrollItem struct {
	ID       string
	Metadata Metadata
}

// Health is the best-effort status struct returned by [Index.HealthCheck].
type Health struct {
	Connected        bool
	CollectionExists bool
	PointsCount      int64
	Error            string
}

// Index is the abstraction over a remote vector database.
type Index interface {
	// EnsureCollection creates the collection and all secondary (filterable)
	// indexes if absent. Idempotent. Secondary indexes are provisioned before
	// any data is written — a hard precondition of the first full sync, since
	// some backends cannot backfill indexes efficiently after bulk load.
	EnsureCollection(ctx context.Context) error

	// Upsert writes records last-write-wins by id and returns the number
	// written. Points are replaced whole, never patched.
	Upsert(ctx context.Context, records []Record) (int, error)

	// GetByID returns the point with the given id including its vector, or
	// [ErrNotFound].
	GetByID(ctx context.Context, id string) (*Record, error)

	// Search returns matches ordered by descending cosine similarity.
	Search(ctx context.Context, p SearchParams) ([]Match, error)

	// Scroll returns up to limit points matching filter, without needing a
	// query vector. Used by clustering, which wants "all records matching X"
	// rather than "records similar to some anchor". A limit <= 0 means all.
	Scroll(ctx context.Context, filter Filter, limit int) ([]ScrollItem, error)

	// HealthCheck probes connectivity, collection existence, and point count.
	// It never returns an error — failures are reported inside [Health].
	HealthCheck(ctx context.Context) Health

	// CollectionName returns the backing collection (or table) name, for
	// status reporting.
	CollectionName() string
}
