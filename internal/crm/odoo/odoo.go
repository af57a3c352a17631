// Package odoo implements the crm.Source interface against an Odoo server's
// /jsonrpc endpoint.
//
// All record reads go through execute_kw on the crm.lead model: search_count
// for Count, search_read for FetchPage, and read for FetchOne. The explicit
// won markers come from a one-time crm.stage read that is cached per Client.
// Authentication is performed lazily on the first call and the resulting uid
// is cached for the lifetime of the Client.
//
// Transient transport failures are retried a small fixed number of times with
// linear backoff before surfacing; an optional circuit breaker can be wired in
// so repeated failures short-circuit further attempts.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/leadsonar/leadsonar/internal/crm"
	"github.com/leadsonar/leadsonar/internal/resilience"
)

// leadModel is the Odoo model all record queries run against.
const leadModel = "crm.lead"

// stageModel is the model the explicit won markers are resolved from.
const stageModel = "crm.stage"

// odooTimeLayout is the datetime format Odoo uses in JSON payloads (UTC).
const odooTimeLayout = "2006-01-02 15:04:05"

// leadFields is the field list requested on every read. Keeping it fixed means
// the parser and the embedding text builder always see the same shape.
var leadFields = []string{
	"name", "partner_name", "contact_name", "email_from", "phone",
	"stage_id", "user_id", "team_id",
	"expected_revenue", "probability",
	"industry_id", "source_id", "specification",
	"city", "state_id",
	"lost_reason_id",
	"description", "internal_notes",
	"active", "create_date", "write_date", "date_closed",
}

// Ensure Client implements the crm.Source interface.
var _ crm.Source = (*Client)(nil)

// Client is a JSON-RPC client for one Odoo database.
// It is safe for concurrent use.
type Client struct {
	endpoint string
	database string
	username string
	password string

	httpClient *http.Client
	retries    int
	backoff    time.Duration
	breaker    *resilience.CircuitBreaker

	authMu sync.Mutex
	uid    int64

	stagesMu  sync.Mutex
	wonStages map[int64]bool
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout time.Duration
	retries int
	backoff time.Duration
	breaker *resilience.CircuitBreaker
}

// Option is a functional option for Client.
type Option func(*config)

// WithTimeout sets the per-request HTTP timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithRetries sets how many times a failed RPC is retried before surfacing
// the error. Default: 2 (three attempts total).
func WithRetries(n int) Option {
	return func(c *config) { c.retries = n }
}

// WithBackoff sets the base delay between retries; attempt n waits n times
// this value. Default: 500ms.
func WithBackoff(d time.Duration) Option {
	return func(c *config) { c.backoff = d }
}

// WithBreaker guards every RPC with the given circuit breaker. When the
// breaker is open, calls fail fast with resilience.ErrCircuitOpen.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *config) { c.breaker = cb }
}

// New constructs a Client for the Odoo server at endpoint (e.g.
// "https://crm.example.com"). database, username, and password identify the
// Odoo database and the API user.
func New(endpoint, database, username, password string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("odoo: endpoint must not be empty")
	}
	if database == "" {
		return nil, fmt.Errorf("odoo: database must not be empty")
	}

	cfg := &config{
		timeout: 30 * time.Second,
		retries: 2,
		backoff: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(cfg)
	}

	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		database:   database,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: cfg.timeout},
		retries:    cfg.retries,
		backoff:    cfg.backoff,
		breaker:    cfg.breaker,
	}, nil
}

// Count implements crm.Source.
func (c *Client) Count(ctx context.Context, q crm.Query) (int, error) {
	kw := map[string]any{"context": queryContext(q)}
	var count int
	err := c.executeKw(ctx, leadModel, "search_count", []any{domainTriples(q.Domain)}, kw, &count)
	if err != nil {
		return 0, fmt.Errorf("odoo: count: %w", err)
	}
	return count, nil
}

// FetchPage implements crm.Source.
func (c *Client) FetchPage(ctx context.Context, q crm.Query) ([]crm.Lead, error) {
	kw := map[string]any{
		"fields":  leadFields,
		"offset":  q.Offset,
		"limit":   q.Limit,
		"context": queryContext(q),
	}
	order := q.Order
	if order == "" {
		order = "id asc"
	}
	kw["order"] = order

	var raw []map[string]any
	err := c.executeKw(ctx, leadModel, "search_read", []any{domainTriples(q.Domain)}, kw, &raw)
	if err != nil {
		return nil, fmt.Errorf("odoo: fetch page: %w", err)
	}

	won := c.wonStageIDs(ctx)
	leads := make([]crm.Lead, 0, len(raw))
	for _, rec := range raw {
		l := parseLead(rec)
		l.StageWon = won[l.StageID]
		leads = append(leads, l)
	}
	return leads, nil
}

// FetchOne implements crm.Source. Archived records are always visible here.
func (c *Client) FetchOne(ctx context.Context, id int64) (*crm.Lead, error) {
	kw := map[string]any{
		"fields":  leadFields,
		"context": map[string]any{"active_test": false},
	}
	var raw []map[string]any
	err := c.executeKw(ctx, leadModel, "read", []any{[]int64{id}}, kw, &raw)
	if err != nil {
		return nil, fmt.Errorf("odoo: fetch one %d: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, crm.ErrNotFound
	}
	lead := parseLead(raw[0])
	lead.ID = id
	lead.StageWon = c.wonStageIDs(ctx)[lead.StageID]
	return &lead, nil
}

// wonStageIDs returns the set of stage ids whose crm.stage record carries the
// explicit is_won flag. The set is loaded once and cached; a failed load
// degrades to the stage-name heuristic for this call and is retried on the
// next one.
func (c *Client) wonStageIDs(ctx context.Context) map[int64]bool {
	c.stagesMu.Lock()
	defer c.stagesMu.Unlock()
	if c.wonStages != nil {
		return c.wonStages
	}

	kw := map[string]any{"fields": []string{"id", "is_won"}}
	var raw []map[string]any
	if err := c.executeKw(ctx, stageModel, "search_read", []any{[]any{}}, kw, &raw); err != nil {
		slog.Warn("odoo: stage won markers unavailable, falling back to stage-name matching", "error", err)
		return nil
	}

	set := make(map[int64]bool, len(raw))
	for _, rec := range raw {
		if asBool(rec["is_won"]) {
			set[asInt64(rec["id"])] = true
		}
	}
	c.wonStages = set
	return set
}

// queryContext builds the execute_kw context map for a query. Odoo hides
// archived records unless active_test is disabled.
func queryContext(q crm.Query) map[string]any {
	return map[string]any{"active_test": !q.IncludeInactive}
}

// domainTriples converts a crm.Domain into Odoo's [[field, op, value], …]
// wire form.
func domainTriples(d crm.Domain) []any {
	out := make([]any, 0, len(d))
	for _, cond := range d {
		v := cond.Value
		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(odooTimeLayout)
		}
		out = append(out, []any{cond.Field, cond.Op, v})
	}
	return out
}

// ── JSON-RPC plumbing ─────────────────────────────────────────────────────────

// rpcRequest is the JSON-RPC 2.0 envelope Odoo expects on /jsonrpc.
type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Message string `json:"message"`
	} `json:"data"`
}

func (e *rpcError) Error() string {
	if e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

// authenticate resolves the uid for the configured user. Only a successful
// uid is cached; a failed attempt (network blip, CRM restart) is retried on
// the next call instead of poisoning the Client for its lifetime.
func (c *Client) authenticate(ctx context.Context) (int64, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if c.uid > 0 {
		return c.uid, nil
	}

	var uid json.Number
	err := c.call(ctx, "common", "authenticate",
		[]any{c.database, c.username, c.password, map[string]any{}}, &uid)
	if err != nil {
		return 0, fmt.Errorf("authenticate: %w", err)
	}
	id, err := uid.Int64()
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("authenticate: invalid uid %q", uid)
	}
	c.uid = id
	return id, nil
}

// executeKw runs one execute_kw call against model, retrying transient
// failures and decoding the result into out.
func (c *Client) executeKw(ctx context.Context, model, method string, args []any, kw map[string]any, out any) error {
	uid, err := c.authenticate(ctx)
	if err != nil {
		return err
	}

	callArgs := []any{c.database, uid, c.password, model, method, args, kw}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}
		lastErr = c.call(ctx, "object", "execute_kw", callArgs, out)
		if lastErr == nil {
			return nil
		}
		// RPC-level errors are not transient and an open breaker means the
		// backend is already known-bad; retrying won't help either way.
		var rpcErr *rpcError
		if errors.As(lastErr, &rpcErr) || errors.Is(lastErr, resilience.ErrCircuitOpen) {
			return lastErr
		}
	}
	return lastErr
}

// call performs a single JSON-RPC round trip, routed through the breaker when
// one is configured.
func (c *Client) call(ctx context.Context, service, method string, args []any, out any) error {
	do := func() error { return c.doCall(ctx, service, method, args, out) }
	if c.breaker != nil {
		return c.breaker.Execute(do)
	}
	return do()
}

func (c *Client) doCall(ctx context.Context, service, method string, args []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// ── Record parsing ────────────────────────────────────────────────────────────

// parseLead converts one search_read record into a crm.Lead. Odoo encodes
// unset fields as false and many2one references as [id, name] pairs.
func parseLead(rec map[string]any) crm.Lead {
	stageID, stageName := m2o(rec["stage_id"])
	userID, userName := m2o(rec["user_id"])
	teamID, teamName := m2o(rec["team_id"])
	regionID, regionName := m2o(rec["state_id"])
	lostID, lostName := m2o(rec["lost_reason_id"])
	_, sector := m2o(rec["industry_id"])
	_, leadSource := m2o(rec["source_id"])

	return crm.Lead{
		ID:              asInt64(rec["id"]),
		Name:            asString(rec["name"]),
		PartnerName:     asString(rec["partner_name"]),
		ContactName:     asString(rec["contact_name"]),
		Email:           asString(rec["email_from"]),
		Phone:           asString(rec["phone"]),
		StageID:         stageID,
		StageName:       stageName,
		UserID:          userID,
		UserName:        userName,
		TeamID:          teamID,
		TeamName:        teamName,
		ExpectedRevenue: asFloat64(rec["expected_revenue"]),
		Probability:     asFloat64(rec["probability"]),
		Sector:          sector,
		LeadSource:      leadSource,
		Specification:   asString(rec["specification"]),
		City:            asString(rec["city"]),
		RegionID:        regionID,
		RegionName:      regionName,
		LostReasonID:    lostID,
		LostReason:      lostName,
		Description:     asString(rec["description"]),
		Notes:           asString(rec["internal_notes"]),
		Active:          asBool(rec["active"]),
		CreateDate:      asTime(rec["create_date"]),
		WriteDate:       asTime(rec["write_date"]),
		DateClosed:      asTime(rec["date_closed"]),
	}
}

// m2o unpacks an Odoo many2one value ([id, name] or false).
func m2o(v any) (int64, string) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return 0, ""
	}
	return asInt64(pair[0]), asString(pair[1])
}

func asString(v any) string {
	s, ok := v.(string)
	if !ok {
		return "" // false for unset fields
	}
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return i
	case float64:
		return int64(n)
	}
	return 0
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case json.Number:
		f, _ := n.Float64()
		return f
	case float64:
		return n
	}
	return 0
}

func asBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func asTime(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(odooTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}
