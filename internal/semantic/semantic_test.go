package semantic

import (
	"context"
	"errors"
	"testing"

	"github.com/leadsonar/leadsonar/internal/crm"
	crmmock "github.com/leadsonar/leadsonar/internal/crm/mock"
	"github.com/leadsonar/leadsonar/pkg/provider/embeddings"
	embmock "github.com/leadsonar/leadsonar/pkg/provider/embeddings/mock"
	"github.com/leadsonar/leadsonar/pkg/vector"
	vecmock "github.com/leadsonar/leadsonar/pkg/vector/mock"
)

func seededIndex() *vecmock.Index {
	return &vecmock.Index{
		Records: map[string]vector.Record{
			"1": {ID: "1", Vector: []float32{1, 0}, Metadata: vector.Metadata{SourceID: 1, Name: "Solar farm", Sector: "Energy"}},
			"2": {ID: "2", Vector: []float32{0.9, 0.1}, Metadata: vector.Metadata{SourceID: 2, Name: "Rooftop panels", Sector: "Energy"}},
			"3": {ID: "3", Vector: []float32{0, 1}, Metadata: vector.Metadata{SourceID: 3, Name: "Office cleaning", Sector: "Services"}},
		},
	}
}

func TestSearch_EmbedsInQueryMode(t *testing.T) {
	prov := &embmock.Provider{EmbedResult: []float32{1, 0}, DimensionsValue: 2}
	idx := seededIndex()
	svc := New(prov, idx, nil)

	hits, err := svc.Search(context.Background(), SearchRequest{Query: "solar installs", TopK: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(prov.EmbedCalls) != 1 {
		t.Fatalf("embed calls = %d, want 1", len(prov.EmbedCalls))
	}
	if prov.EmbedCalls[0].Mode != embeddings.ModeQuery {
		t.Errorf("embed mode = %q, want query", prov.EmbedCalls[0].Mode)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].ID != "1" || hits[1].ID != "2" {
		t.Errorf("hit order = %s, %s", hits[0].ID, hits[1].ID)
	}
	if hits[0].Score < hits[1].Score {
		t.Error("hits must be ordered by descending score")
	}
	if hits[0].Metadata == nil || hits[0].Metadata.Name != "Solar farm" {
		t.Errorf("metadata = %+v", hits[0].Metadata)
	}
}

func TestSearch_PassesFilterAndMinScore(t *testing.T) {
	prov := &embmock.Provider{EmbedResult: []float32{1, 0}}
	idx := seededIndex()
	svc := New(prov, idx, nil)

	_, err := svc.Search(context.Background(), SearchRequest{
		Query:    "energy",
		Filter:   vector.Filter{Sector: "Energy"},
		MinScore: 0.5,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	p := idx.SearchCalls[0].Params
	if p.Filter.Sector != "Energy" || p.MinScore != 0.5 {
		t.Errorf("params = %+v", p)
	}
	if !p.IncludeMetadata {
		t.Error("search must request metadata")
	}
	if p.TopK != defaultTopK {
		t.Errorf("topK = %d, want default %d", p.TopK, defaultTopK)
	}
}

func TestSearch_Enrichment(t *testing.T) {
	prov := &embmock.Provider{EmbedResult: []float32{1, 0}}
	idx := seededIndex()
	src := &crmmock.Source{Leads: []crm.Lead{
		{ID: 1, Name: "Solar farm", Email: "buyer@example.com"},
		// record 2 is gone from the CRM
	}}
	svc := New(prov, idx, src)

	hits, err := svc.Search(context.Background(), SearchRequest{Query: "solar", TopK: 2, Enrich: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits[0].Record == nil || hits[0].Record.Email != "buyer@example.com" {
		t.Errorf("hit 0 record = %+v, want enriched lead", hits[0].Record)
	}
	// Vanished record: stored metadata kept, enrichment skipped.
	if hits[1].Record != nil {
		t.Error("hit 1 must not carry a CRM record")
	}
	if hits[1].Metadata == nil {
		t.Error("hit 1 must keep its stored metadata")
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	svc := New(&embmock.Provider{}, seededIndex(), nil)
	if _, err := svc.Search(context.Background(), SearchRequest{}); err == nil {
		t.Error("empty query must fail")
	}
}

func TestFindSimilar_ExcludesAnchorWithoutEmbedding(t *testing.T) {
	prov := &embmock.Provider{}
	idx := seededIndex()
	svc := New(prov, idx, nil)

	hits, err := svc.FindSimilar(context.Background(), "1", 2, vector.Filter{}, 0)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(prov.EmbedCalls)+len(prov.EmbedBatchCalls) != 0 {
		t.Error("find-similar must reuse the stored vector, not re-embed")
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	for _, h := range hits {
		if h.ID == "1" {
			t.Error("anchor must be excluded from results")
		}
	}
	if hits[0].ID != "2" {
		t.Errorf("closest = %s, want 2", hits[0].ID)
	}
}

func TestFindSimilar_AnchorNotFound(t *testing.T) {
	svc := New(&embmock.Provider{}, seededIndex(), nil)
	_, err := svc.FindSimilar(context.Background(), "missing", 5, vector.Filter{}, 0)
	if !errors.Is(err, vector.ErrNotFound) {
		t.Errorf("err = %v, want vector.ErrNotFound", err)
	}
}
