// Package mcp exposes the lead sync-and-search operations as MCP tools.
//
// The server speaks the Model Context Protocol over stdio via the official
// Go SDK, so any MCP-capable assistant can search leads, trigger syncs, and
// run pattern discovery. Every tool returns a structured result even when
// the underlying operation failed — the caller always gets something it can
// render.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/leadsonar/leadsonar/internal/cluster"
	"github.com/leadsonar/leadsonar/internal/health"
	"github.com/leadsonar/leadsonar/internal/observe"
	"github.com/leadsonar/leadsonar/internal/semantic"
	"github.com/leadsonar/leadsonar/internal/syncer"
	"github.com/leadsonar/leadsonar/pkg/vector"
)

// Server wires the tool handlers into one MCP server instance.
type Server struct {
	search  *semantic.Service
	sync    *syncer.Orchestrator
	engine  *cluster.Engine
	status  *health.Status
	log     *slog.Logger
	metrics *observe.Metrics
	backing *mcpsdk.Server
}

// New constructs the MCP server and registers all lead tools.
func New(search *semantic.Service, sync *syncer.Orchestrator, engine *cluster.Engine, status *health.Status, version string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		search:  search,
		sync:    sync,
		engine:  engine,
		status:  status,
		log:     log,
		metrics: observe.DefaultMetrics(),
	}

	impl := &mcpsdk.Implementation{Name: "leadsonar", Version: version}
	s.backing = mcpsdk.NewServer(impl, nil)

	mcpsdk.AddTool(s.backing, &mcpsdk.Tool{
		Name:        "lead_semantic_search",
		Description: "Search CRM leads by meaning, not keywords. Returns the closest matching leads with similarity scores.",
	}, s.semanticSearch)

	mcpsdk.AddTool(s.backing, &mcpsdk.Tool{
		Name:        "lead_find_similar",
		Description: "Find leads most similar to a given lead, using its stored embedding.",
	}, s.findSimilar)

	mcpsdk.AddTool(s.backing, &mcpsdk.Tool{
		Name:        "lead_sync",
		Description: "Synchronize CRM leads into the vector index: a full rebuild, an incremental catch-up, or a single record refresh.",
	}, s.runSync)

	mcpsdk.AddTool(s.backing, &mcpsdk.Tool{
		Name:        "lead_discover_patterns",
		Description: "Cluster leads to surface recurring win/loss patterns with themes and representative examples.",
	}, s.discoverPatterns)

	mcpsdk.AddTool(s.backing, &mcpsdk.Tool{
		Name:        "lead_vector_status",
		Description: "Report vector backend connectivity, index size, last sync, and circuit breaker state.",
	}, s.vectorStatus)

	return s
}

// Run serves MCP over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("mcp server listening on stdio")
	return s.backing.Run(ctx, &mcpsdk.StdioTransport{})
}

// filterInput is the shared metadata-filter surface of the search tools.
type filterInput struct {
	Stage      string `json:"stage,omitempty" jsonschema:"exact pipeline stage name"`
	Sector     string `json:"sector,omitempty" jsonschema:"exact sector/industry value"`
	LeadSource string `json:"leadSource,omitempty" jsonschema:"exact lead source value"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	Status     string `json:"status,omitempty" jsonschema:"won, lost, or active"`
}

// toFilter translates the tool-facing filter into an index filter.
func (f filterInput) toFilter() (vector.Filter, error) {
	out := vector.Filter{
		StageName:  f.Stage,
		Sector:     f.Sector,
		LeadSource: f.LeadSource,
		City:       f.City,
		RegionName: f.Region,
	}
	yes := true
	switch f.Status {
	case "":
	case "won":
		out.IsWon = &yes
	case "lost":
		out.IsLost = &yes
	case "active":
		out.IsActive = &yes
	default:
		return vector.Filter{}, fmt.Errorf("unknown status %q, expected won, lost, or active", f.Status)
	}
	return out, nil
}

type searchInput struct {
	Query    string  `json:"query" jsonschema:"natural-language search query"`
	TopK     int     `json:"topK,omitempty" jsonschema:"maximum number of results, default 10"`
	MinScore float64 `json:"minScore,omitempty" jsonschema:"minimum cosine similarity, 0 keeps everything"`
	Enrich   bool    `json:"enrich,omitempty" jsonschema:"fetch live CRM data for each hit"`
	filterInput
}

type searchOutput struct {
	Hits []semantic.Hit `json:"hits"`
}

// recordTool counts one tool invocation with its outcome. Tool-level errors
// only; a sync whose Result reports failures still counts as a served call.
func (s *Server) recordTool(ctx context.Context, tool string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordToolCall(ctx, tool, status)
}

func (s *Server) semanticSearch(ctx context.Context, _ *mcpsdk.CallToolRequest, in searchInput) (_ *mcpsdk.CallToolResult, out searchOutput, err error) {
	defer func() { s.recordTool(ctx, "lead_semantic_search", err) }()

	filter, err := in.toFilter()
	if err != nil {
		return nil, searchOutput{}, err
	}
	hits, err := s.search.Search(ctx, semantic.SearchRequest{
		Query:    in.Query,
		TopK:     in.TopK,
		Filter:   filter,
		MinScore: in.MinScore,
		Enrich:   in.Enrich,
	})
	if err != nil {
		return nil, searchOutput{}, err
	}
	return nil, searchOutput{Hits: hits}, nil
}

type similarInput struct {
	ID       string  `json:"id" jsonschema:"CRM record id of the anchor lead"`
	TopK     int     `json:"topK,omitempty"`
	MinScore float64 `json:"minScore,omitempty"`
	filterInput
}

func (s *Server) findSimilar(ctx context.Context, _ *mcpsdk.CallToolRequest, in similarInput) (_ *mcpsdk.CallToolResult, out searchOutput, err error) {
	defer func() { s.recordTool(ctx, "lead_find_similar", err) }()

	filter, err := in.toFilter()
	if err != nil {
		return nil, searchOutput{}, err
	}
	hits, err := s.search.FindSimilar(ctx, in.ID, in.TopK, filter, in.MinScore)
	if err != nil {
		return nil, searchOutput{}, err
	}
	return nil, searchOutput{Hits: hits}, nil
}

type syncInput struct {
	Mode  string `json:"mode" jsonschema:"full, incremental, or one"`
	ID    int64  `json:"id,omitempty" jsonschema:"record id, required for mode one"`
	Since string `json:"since,omitempty" jsonschema:"RFC 3339 watermark override for incremental mode"`
}

// syncOutput mirrors syncer.Result with wire-friendly field types.
type syncOutput struct {
	Success        bool     `json:"success"`
	RecordsSynced  int      `json:"recordsSynced"`
	RecordsFailed  int      `json:"recordsFailed"`
	RecordsDeleted int      `json:"recordsDeleted"`
	DurationMs     int64    `json:"durationMs"`
	SyncVersion    int      `json:"syncVersion"`
	Errors         []string `json:"errors,omitempty"`
}

func toSyncOutput(r syncer.Result) syncOutput {
	return syncOutput{
		Success:        r.Success,
		RecordsSynced:  r.RecordsSynced,
		RecordsFailed:  r.RecordsFailed,
		RecordsDeleted: r.RecordsDeleted,
		DurationMs:     r.Duration.Milliseconds(),
		SyncVersion:    r.SyncVersion,
		Errors:         r.Errors,
	}
}

func (s *Server) runSync(ctx context.Context, _ *mcpsdk.CallToolRequest, in syncInput) (_ *mcpsdk.CallToolResult, out syncOutput, err error) {
	defer func() { s.recordTool(ctx, "lead_sync", err) }()

	switch in.Mode {
	case "full":
		return nil, toSyncOutput(s.sync.FullSync(ctx, s.logProgress)), nil

	case "incremental":
		var since time.Time
		if in.Since != "" {
			parsed, err := time.Parse(time.RFC3339, in.Since)
			if err != nil {
				return nil, syncOutput{}, fmt.Errorf("parse since: %w", err)
			}
			since = parsed
		}
		return nil, toSyncOutput(s.sync.IncrementalSync(ctx, since, s.logProgress)), nil

	case "one":
		if in.ID == 0 {
			return nil, syncOutput{}, fmt.Errorf("mode one requires an id")
		}
		res, err := s.sync.SyncOne(ctx, in.ID)
		if err != nil {
			return nil, syncOutput{}, err
		}
		return nil, toSyncOutput(res), nil

	default:
		return nil, syncOutput{}, fmt.Errorf("unknown mode %q, expected full, incremental, or one", in.Mode)
	}
}

// logProgress surfaces sync progress in the server log. MCP tool calls are
// request/response, so there is no streaming channel back to the client.
func (s *Server) logProgress(p syncer.Progress) {
	s.log.Debug("sync progress",
		"phase", p.Phase,
		"batch", p.CurrentBatch, "of", p.TotalBatches,
		"records", p.RecordsProcessed, "total", p.TotalRecords,
		"percent", fmt.Sprintf("%.0f", p.PercentComplete))
}

type patternsInput struct {
	AnalysisType string `json:"analysisType" jsonschema:"lost, won, or all"`
	K            int    `json:"k,omitempty" jsonschema:"target cluster count, default 5"`
	filterInput
}

type patternsOutput struct {
	cluster.PatternResult
	DurationMs int64 `json:"durationMs"`
}

func (s *Server) discoverPatterns(ctx context.Context, _ *mcpsdk.CallToolRequest, in patternsInput) (_ *mcpsdk.CallToolResult, out patternsOutput, err error) {
	defer func() { s.recordTool(ctx, "lead_discover_patterns", err) }()

	var analysis cluster.AnalysisType
	switch in.AnalysisType {
	case "lost":
		analysis = cluster.AnalysisLost
	case "won":
		analysis = cluster.AnalysisWon
	case "all", "":
		analysis = cluster.AnalysisAll
	default:
		return nil, patternsOutput{}, fmt.Errorf("unknown analysisType %q, expected lost, won, or all", in.AnalysisType)
	}

	filter, err := in.toFilter()
	if err != nil {
		return nil, patternsOutput{}, err
	}
	res, err := s.engine.DiscoverPatterns(ctx, analysis, filter, in.K)
	if err != nil {
		return nil, patternsOutput{}, err
	}
	return nil, patternsOutput{PatternResult: res, DurationMs: res.Duration.Milliseconds()}, nil
}

type statusInput struct{}

func (s *Server) vectorStatus(ctx context.Context, _ *mcpsdk.CallToolRequest, _ statusInput) (*mcpsdk.CallToolResult, health.VectorStatus, error) {
	s.recordTool(ctx, "lead_vector_status", nil)
	return nil, s.status.Snapshot(ctx), nil
}
