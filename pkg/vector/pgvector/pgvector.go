// Package pgvector implements the vector.Index interface on PostgreSQL with
// the pgvector extension.
//
// One table per collection, one row per CRM record. EnsureCollection installs
// the extension, creates the table with the configured vector dimension, and
// provisions every secondary index (b-tree on the filterable columns, HNSW
// cosine on the embedding) before any data is written. Similarity search uses
// the `<=>` cosine-distance operator; scores are reported as cosine
// similarity (1 − distance) so callers see "higher is better".
package pgvector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvec "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/leadsonar/leadsonar/pkg/vector"
)

// validTable restricts collection names to safe SQL identifiers, since the
// table name is interpolated into DDL and queries.
var validTable = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Ensure Index implements the vector.Index interface.
var _ vector.Index = (*Index)(nil)

// Index is a PostgreSQL/pgvector-backed vector index.
// It is safe for concurrent use.
type Index struct {
	pool      *pgxpool.Pool
	table     string
	dimension int
}

// New connects to the PostgreSQL database at dsn and returns an Index storing
// points in the given table with the given vector dimension. The table is not
// created here — call EnsureCollection before the first write.
func New(ctx context.Context, dsn, table string, dimension int) (*Index, error) {
	if !validTable.MatchString(table) {
		return nil, fmt.Errorf("pgvector: invalid table name %q", table)
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("pgvector: dimension must be positive, got %d", dimension)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector: parse dsn: %w", err)
	}
	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvec.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgvector: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector: ping: %w", err)
	}

	return &Index{pool: pool, table: table, dimension: dimension}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Index) Close() {
	s.pool.Close()
}

// CollectionName implements vector.Index.
func (s *Index) CollectionName() string { return s.table }

// ddl returns the CREATE TABLE / CREATE INDEX statements for the collection.
// The vector dimension is baked into the column type at creation time.
func (s *Index) ddl() string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %[1]s (
    id             TEXT         PRIMARY KEY,
    embedding      vector(%[2]d) NOT NULL,
    source_id      BIGINT       NOT NULL,
    name           TEXT         NOT NULL DEFAULT '',
    stage_id       BIGINT       NOT NULL DEFAULT 0,
    stage_name     TEXT         NOT NULL DEFAULT '',
    owner_id       BIGINT       NOT NULL DEFAULT 0,
    owner_name     TEXT         NOT NULL DEFAULT '',
    team_id        BIGINT       NOT NULL DEFAULT 0,
    team_name      TEXT         NOT NULL DEFAULT '',
    expected_value DOUBLE PRECISION NOT NULL DEFAULT 0,
    probability    DOUBLE PRECISION NOT NULL DEFAULT 0,
    is_won         BOOLEAN      NOT NULL DEFAULT false,
    is_lost        BOOLEAN      NOT NULL DEFAULT false,
    is_active      BOOLEAN      NOT NULL DEFAULT true,
    sector         TEXT         NOT NULL DEFAULT '',
    lead_source    TEXT         NOT NULL DEFAULT '',
    specification  TEXT         NOT NULL DEFAULT '',
    city           TEXT         NOT NULL DEFAULT '',
    region_id      BIGINT       NOT NULL DEFAULT 0,
    region_name    TEXT         NOT NULL DEFAULT '',
    lost_reason    TEXT         NOT NULL DEFAULT '',
    create_date    TIMESTAMPTZ,
    write_date     TIMESTAMPTZ,
    closed_date    TIMESTAMPTZ,
    sync_version   INTEGER      NOT NULL DEFAULT 0,
    last_synced    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    truncated      BOOLEAN      NOT NULL DEFAULT false,
    embedding_text TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_stage_name  ON %[1]s (stage_name);
CREATE INDEX IF NOT EXISTS idx_%[1]s_owner_id    ON %[1]s (owner_id);
CREATE INDEX IF NOT EXISTS idx_%[1]s_team_id     ON %[1]s (team_id);
CREATE INDEX IF NOT EXISTS idx_%[1]s_sector      ON %[1]s (sector);
CREATE INDEX IF NOT EXISTS idx_%[1]s_lead_source ON %[1]s (lead_source);
CREATE INDEX IF NOT EXISTS idx_%[1]s_city        ON %[1]s (city);
CREATE INDEX IF NOT EXISTS idx_%[1]s_region_name ON %[1]s (region_name);
CREATE INDEX IF NOT EXISTS idx_%[1]s_lost_reason ON %[1]s (lost_reason);
CREATE INDEX IF NOT EXISTS idx_%[1]s_status      ON %[1]s (is_won, is_lost, is_active);
CREATE INDEX IF NOT EXISTS idx_%[1]s_create_date ON %[1]s (create_date);

CREATE INDEX IF NOT EXISTS idx_%[1]s_embedding
    ON %[1]s USING hnsw (embedding vector_cosine_ops);
`, s.table, s.dimension)
}

// EnsureCollection implements vector.Index. Idempotent (IF NOT EXISTS
// throughout) and safe to call on every start.
func (s *Index) EnsureCollection(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, s.ddl()); err != nil {
		return fmt.Errorf("pgvector: ensure collection: %w", err)
	}
	return nil
}

// metadataColumnList is the column list shared by upsert and read paths, in
// insert order, excluding id and embedding.
var metadataColumnList = []string{
	"source_id", "name", "stage_id", "stage_name", "owner_id", "owner_name",
	"team_id", "team_name", "expected_value", "probability", "is_won", "is_lost", "is_active",
	"sector", "lead_source", "specification", "city", "region_id", "region_name", "lost_reason",
	"create_date", "write_date", "closed_date", "sync_version", "last_synced", "truncated", "embedding_text",
}

var metadataColumns = strings.Join(metadataColumnList, ", ")

// metadataArgs flattens a Metadata into args matching metadataColumns.
func metadataArgs(m vector.Metadata) []any {
	return []any{
		m.SourceID, m.Name, m.StageID, m.StageName, m.OwnerID, m.OwnerName,
		m.TeamID, m.TeamName, m.ExpectedValue, m.Probability, m.IsWon, m.IsLost, m.IsActive,
		m.Sector, m.LeadSource, m.Specification, m.City, m.RegionID, m.RegionName, m.LostReason,
		nullableTime(m.CreateDate), nullableTime(m.WriteDate), m.ClosedDate,
		m.SyncVersion, m.LastSynced, m.Truncated, m.EmbeddingText,
	}
}

// scanMetadata reads metadataColumns into a Metadata.
func scanMetadata(row pgx.Row, meta *vector.Metadata, extra ...any) error {
	var createDate, writeDate *time.Time
	dest := append(extra,
		&meta.SourceID, &meta.Name, &meta.StageID, &meta.StageName, &meta.OwnerID, &meta.OwnerName,
		&meta.TeamID, &meta.TeamName, &meta.ExpectedValue, &meta.Probability, &meta.IsWon, &meta.IsLost, &meta.IsActive,
		&meta.Sector, &meta.LeadSource, &meta.Specification, &meta.City, &meta.RegionID, &meta.RegionName, &meta.LostReason,
		&createDate, &writeDate, &meta.ClosedDate,
		&meta.SyncVersion, &meta.LastSynced, &meta.Truncated, &meta.EmbeddingText,
	)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if createDate != nil {
		meta.CreateDate = *createDate
	}
	if writeDate != nil {
		meta.WriteDate = *writeDate
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Upsert implements vector.Index. Rows are replaced whole (every column set
// from the incoming record) so a point never mixes old and new payload.
func (s *Index) Upsert(ctx context.Context, records []vector.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	updates := []string{"embedding = EXCLUDED.embedding"}
	for _, c := range metadataColumnList {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}

	placeholders := make([]string, 0, len(metadataColumnList)+2)
	for i := 1; i <= len(metadataColumnList)+2; i++ {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (id, embedding, %s)
		VALUES (%s)
		ON CONFLICT (id) DO UPDATE SET %s`,
		s.table, metadataColumns, strings.Join(placeholders, ", "), strings.Join(updates, ", "))

	batch := &pgx.Batch{}
	for _, rec := range records {
		args := append([]any{rec.ID, pgvec.NewVector(rec.Vector)}, metadataArgs(rec.Metadata)...)
		batch.Queue(q, args...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return 0, fmt.Errorf("pgvector: upsert: %w", err)
		}
	}
	return len(records), nil
}

// GetByID implements vector.Index.
func (s *Index) GetByID(ctx context.Context, id string) (*vector.Record, error) {
	q := fmt.Sprintf(`SELECT embedding, %s FROM %s WHERE id = $1`, metadataColumns, s.table)

	rec := &vector.Record{ID: id}
	var vec pgvec.Vector
	err := scanMetadata(s.pool.QueryRow(ctx, q, id), &rec.Metadata, &vec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, vector.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgvector: get by id: %w", err)
	}
	rec.Vector = vec.Slice()
	return rec, nil
}

// Search implements vector.Index. Matches are ordered by descending cosine
// similarity; MinScore filters before TopK truncation.
func (s *Index) Search(ctx context.Context, p vector.SearchParams) ([]vector.Match, error) {
	args := []any{pgvec.NewVector(p.Vector)} // $1 = query vector
	where, args := buildWhere(p.Filter, args)

	conditions := where
	if p.MinScore > 0 {
		args = append(args, p.MinScore)
		cond := fmt.Sprintf("1 - (embedding <=> $1) >= $%d", len(args))
		if conditions == "" {
			conditions = "WHERE " + cond
		} else {
			conditions += "\n  AND " + cond
		}
	}

	args = append(args, p.TopK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, 1 - (embedding <=> $1) AS score, %s
		FROM   %s
		%s
		ORDER  BY embedding <=> $1
		LIMIT  %s`, metadataColumns, s.table, conditions, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vector.Match, error) {
		var m vector.Match
		var meta vector.Metadata
		if err := scanMetadata(row, &meta, &m.ID, &m.Score); err != nil {
			return vector.Match{}, err
		}
		if p.IncludeMetadata {
			m.Metadata = &meta
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector: scan rows: %w", err)
	}
	if matches == nil {
		matches = []vector.Match{}
	}
	return matches, nil
}

// Scroll implements vector.Index. A plain filtered scan — no query vector.
func (s *Index) Scroll(ctx context.Context, filter vector.Filter, limit int) ([]vector.ScrollItem, error) {
	where, args := buildWhere(filter, nil)

	q := fmt.Sprintf(`SELECT id, %s FROM %s %s ORDER BY id`, metadataColumns, s.table, where)
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector: scroll: %w", err)
	}

	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vector.ScrollItem, error) {
		var item vector.ScrollItem
		if err := scanMetadata(row, &item.Metadata, &item.ID); err != nil {
			return vector.ScrollItem{}, err
		}
		return item, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector: scan rows: %w", err)
	}
	if items == nil {
		items = []vector.ScrollItem{}
	}
	return items, nil
}

// HealthCheck implements vector.Index. Never returns an error.
func (s *Index) HealthCheck(ctx context.Context) vector.Health {
	if err := s.pool.Ping(ctx); err != nil {
		return vector.Health{Connected: false, Error: err.Error()}
	}

	var count int64
	q := fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)
	if err := s.pool.QueryRow(ctx, q).Scan(&count); err != nil {
		// Table missing (or not yet migrated) — connected but no collection.
		return vector.Health{Connected: true, CollectionExists: false, Error: err.Error()}
	}
	return vector.Health{Connected: true, CollectionExists: true, PointsCount: count}
}

// buildWhere converts a vector.Filter into a WHERE clause, appending bind
// args to base. Returns ("", base) when no condition is set.
func buildWhere(f vector.Filter, base []any) (string, []any) {
	args := base
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if f.StageName != "" {
		conditions = append(conditions, "stage_name = "+next(f.StageName))
	}
	if f.OwnerID != 0 {
		conditions = append(conditions, "owner_id = "+next(f.OwnerID))
	}
	if f.TeamID != 0 {
		conditions = append(conditions, "team_id = "+next(f.TeamID))
	}
	if f.Sector != "" {
		conditions = append(conditions, "sector = "+next(f.Sector))
	}
	if f.LeadSource != "" {
		conditions = append(conditions, "lead_source = "+next(f.LeadSource))
	}
	if f.City != "" {
		conditions = append(conditions, "city = "+next(f.City))
	}
	if f.RegionName != "" {
		conditions = append(conditions, "region_name = "+next(f.RegionName))
	}
	if f.LostReason != "" {
		conditions = append(conditions, "lost_reason = "+next(f.LostReason))
	}
	if f.IsWon != nil {
		conditions = append(conditions, "is_won = "+next(*f.IsWon))
	}
	if f.IsLost != nil {
		conditions = append(conditions, "is_lost = "+next(*f.IsLost))
	}
	if f.IsActive != nil {
		conditions = append(conditions, "is_active = "+next(*f.IsActive))
	}
	if !f.CreatedAfter.IsZero() {
		conditions = append(conditions, "create_date > "+next(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		conditions = append(conditions, "create_date < "+next(f.CreatedBefore))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, "\n  AND "), args
}
