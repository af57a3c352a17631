// Package lead turns CRM records into the embedding text and vector payload
// the sync pipeline stores.
//
// Everything here is a pure transform: the same record always yields
// byte-identical text and the same truncation flag. The section order of the
// built text is fixed so stored embeddings stay comparable across syncs.
package lead

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/leadsonar/leadsonar/internal/crm"
	"github.com/leadsonar/leadsonar/pkg/vector"
)

// Status classifies a record's pipeline outcome.
type Status int

const (
	StatusActive Status = iota
	StatusWon
	StatusLost
)

// String returns the label used in the embedded status line.
func (s Status) String() string {
	switch s {
	case StatusWon:
		return "Won"
	case StatusLost:
		return "Lost"
	default:
		return "Active"
	}
}

// wonStageMarkers are matched case-insensitively as substrings against stage
// names. Stage naming in the CRM is free-form, so this is a heuristic: a
// record in a "Signed OC" or "Invoiced" stage counts as won even when the
// stage record lacks the explicit won marker. Brittle to stage renames by
// nature; the explicit marker always takes precedence.
var wonStageMarkers = []string{"won", "invoiced", "signed", "in production"}

// DeriveStatus classifies a record as won, lost, or active.
//
// Won when the stage carries the explicit won marker or the stage name
// matches a won marker. Otherwise lost when a loss reason is set. Otherwise
// active.
func DeriveStatus(l crm.Lead) Status {
	if l.StageWon {
		return StatusWon
	}
	stage := strings.ToLower(l.StageName)
	for _, marker := range wonStageMarkers {
		if strings.Contains(stage, marker) {
			return StatusWon
		}
	}
	if l.LostReasonID != 0 {
		return StatusLost
	}
	return StatusActive
}

// TextCaps bounds the free-text sections of the built embedding text, in
// words. Zero fields take the defaults.
type TextCaps struct {
	// Narrative caps the main description field. Default 2000.
	Narrative int
	// Notes caps the secondary notes field. Default 300.
	Notes int
}

const (
	defaultNarrativeCap = 2000
	defaultNotesCap     = 300
)

func (c TextCaps) withDefaults() TextCaps {
	if c.Narrative <= 0 {
		c.Narrative = defaultNarrativeCap
	}
	if c.Notes <= 0 {
		c.Notes = defaultNotesCap
	}
	return c
}

// BuildEmbeddingText renders a record into the text that gets embedded.
//
// Sections appear in a fixed order (identity, contact, classification,
// location, assignment, loss attribution, business metrics, status, free
// text) and empty sections are omitted entirely so absent fields do not
// dilute the vector. The returned flag is true iff the main narrative field
// was word-truncated; a shortened notes field alone does not set it.
func BuildEmbeddingText(l crm.Lead, caps TextCaps) (string, bool) {
	caps = caps.withDefaults()

	var lines []string
	add := func(label, value string) {
		if value != "" {
			lines = append(lines, label+": "+value)
		}
	}

	// Identity.
	add("Lead", l.Name)

	// Contact.
	add("Company", l.PartnerName)
	add("Contact", l.ContactName)
	add("Email", l.Email)
	add("Phone", l.Phone)

	// Classification.
	add("Sector", l.Sector)
	add("Source", l.LeadSource)
	add("Specification", l.Specification)

	// Location.
	add("City", l.City)
	add("Region", l.RegionName)

	// Assignment.
	add("Salesperson", l.UserName)
	add("Sales team", l.TeamName)

	// Loss attribution.
	add("Lost reason", l.LostReason)

	// Business metrics.
	if l.ExpectedRevenue != 0 {
		add("Expected revenue", strconv.FormatFloat(l.ExpectedRevenue, 'f', -1, 64))
	}
	if l.Probability != 0 {
		add("Probability", strconv.FormatFloat(l.Probability, 'f', -1, 64)+"%")
	}

	// Status, embedded as literal text so it participates in similarity.
	lines = append(lines, "Status: "+statusLine(l))

	// Free text.
	var truncated bool
	if desc := CleanText(l.Description); desc != "" {
		capped, cut := truncateWords(desc, caps.Narrative)
		truncated = cut
		add("Description", capped)
	}
	if notes := CleanText(l.Notes); notes != "" {
		capped, _ := truncateWords(notes, caps.Notes)
		add("Notes", capped)
	}

	return strings.Join(lines, "\n"), truncated
}

// statusLine renders the status section, including the loss reason when lost.
func statusLine(l crm.Lead) string {
	st := DeriveStatus(l)
	if st == StatusLost && l.LostReason != "" {
		return "Lost - " + l.LostReason
	}
	return st.String()
}

// BuildPayload assembles the vector payload for a record. text and truncated
// must come from [BuildEmbeddingText] on the same record so the stored
// embedding_text always matches the stored vector.
func BuildPayload(l crm.Lead, text string, truncated bool, syncVersion int, syncedAt time.Time) vector.Metadata {
	meta := vector.Metadata{
		SourceID:  l.ID,
		Name:      l.Name,
		StageID:   l.StageID,
		StageName: l.StageName,

		OwnerID:   l.UserID,
		OwnerName: l.UserName,
		TeamID:    l.TeamID,
		TeamName:  l.TeamName,

		ExpectedValue: l.ExpectedRevenue,
		Probability:   l.Probability,

		Sector:        l.Sector,
		LeadSource:    l.LeadSource,
		Specification: l.Specification,
		City:          l.City,
		RegionID:      l.RegionID,
		RegionName:    l.RegionName,

		LostReason: l.LostReason,

		CreateDate: l.CreateDate,
		WriteDate:  l.WriteDate,

		SyncVersion: syncVersion,
		LastSynced:  syncedAt.UTC(),
		Truncated:   truncated,

		EmbeddingText: text,
	}

	switch DeriveStatus(l) {
	case StatusWon:
		meta.IsWon = true
	case StatusLost:
		meta.IsLost = true
	default:
		meta.IsActive = true
	}

	if !l.DateClosed.IsZero() {
		closed := l.DateClosed
		meta.ClosedDate = &closed
	}
	return meta
}

// RecordID is the stringified CRM id used as the vector point id.
func RecordID(id int64) string {
	return fmt.Sprintf("%d", id)
}

// CleanText strips HTML markup from CRM rich-text fields and collapses all
// whitespace runs to single spaces.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
			// Tags act as word boundaries ("<p>foo</p><p>bar</p>").
			b.WriteByte(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(html.UnescapeString(b.String())), " ")
}

// truncateWords keeps at most max words of s, reporting whether anything was
// dropped.
func truncateWords(s string, max int) (string, bool) {
	words := strings.Fields(s)
	if len(words) <= max {
		return s, false
	}
	return strings.Join(words[:max], " "), true
}
