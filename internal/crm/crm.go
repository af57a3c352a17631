// Package crm defines the boundary to the source CRM holding lead and
// opportunity records.
//
// The sync pipeline consumes the [Source] interface only; the concrete
// JSON-RPC client lives in the odoo subpackage and a call-recording test
// double in the mock subpackage. Queries are expressed as structured
// [Domain] conditions so that callers never build RPC payloads directly.
//
// Implementations must be safe for concurrent use.
package crm

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by [Source.FetchOne] when no record exists with the
// requested id. It indicates a caller mistake (bad id), not backend flakiness.
var ErrNotFound = errors.New("crm: record not found")

// Lead is a lead/opportunity record as read from the CRM.
//
// Many-to-one references are flattened into ID/Name pairs. Optional references
// carry a zero ID and empty name when unset. Zero time values mean the CRM
// field was not set.
type Lead struct {
	ID   int64
	Name string

	// Contact.
	PartnerName string
	ContactName string
	Email       string
	Phone       string

	// Pipeline position.
	StageID   int64
	StageName string
	// StageWon is the explicit won marker carried by the record's stage.
	StageWon bool

	// Assignment.
	UserID   int64
	UserName string
	TeamID   int64
	TeamName string

	// Business metrics.
	ExpectedRevenue float64
	Probability     float64

	// Classification.
	Sector        string
	LeadSource    string
	Specification string

	// Location.
	City       string
	RegionID   int64
	RegionName string

	// Loss attribution. A non-zero LostReasonID marks the record as lost.
	LostReasonID int64
	LostReason   string

	// Free text. Description is the main narrative (HTML from the CRM);
	// Notes holds secondary internal notes.
	Description string
	Notes       string

	// Active is false for archived records (won/lost leads are commonly
	// soft-deleted in the CRM and must still be syncable).
	Active bool

	CreateDate time.Time
	WriteDate  time.Time
	DateClosed time.Time
}

// Condition is one structured filter predicate, e.g. {"write_date", ">=", t}.
type Condition struct {
	Field string
	Op    string
	Value any
}

// Domain is a conjunction of [Condition] predicates. An empty Domain matches
// every record.
type Domain []Condition

// Eq builds an equality condition.
func Eq(field string, value any) Condition {
	return Condition{Field: field, Op: "=", Value: value}
}

// GTE builds a greater-or-equal condition.
func GTE(field string, value any) Condition {
	return Condition{Field: field, Op: ">=", Value: value}
}

// And appends further conditions to the domain, returning the combined domain.
func (d Domain) And(conds ...Condition) Domain {
	return append(append(Domain{}, d...), conds...)
}

// Query describes one page fetch against the CRM.
type Query struct {
	// Domain filters the record set. Empty matches all records.
	Domain Domain

	// Offset/Limit select the page. Limit must be > 0 for FetchPage.
	Offset int
	Limit  int

	// Order is the CRM-side sort expression (e.g. "id asc"). Empty lets the
	// implementation pick a stable default.
	Order string

	// IncludeInactive disables the CRM's default active-records-only filter
	// so archived (won/lost) records are returned too.
	IncludeInactive bool
}

// Source is the read-side boundary to the CRM.
//
// Every call must respect ctx cancellation and carry a bounded timeout at the
// transport level. Implementations must be safe for concurrent use.
type Source interface {
	// Count returns the number of records matching q.Domain
	// (q.Offset/Limit/Order are ignored).
	Count(ctx context.Context, q Query) (int, error)

	// FetchPage returns one page of records matching q, in q.Order.
	// Returns an empty (non-nil) slice when the page is past the end.
	FetchPage(ctx context.Context, q Query) ([]Lead, error)

	// FetchOne returns the single record with the given id, archived or not.
	// Returns [ErrNotFound] when no such record exists.
	FetchOne(ctx context.Context, id int64) (*Lead, error)
}
