package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/orneryd/remdb/pkg/entity"
)

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresAdapter implements Adapter on PostgreSQL.
//
// Entities are stored in rem_entities with a jsonb payload; the reverse
// mapping lives in rem_reverse_mappings with a unique btree on
// (tenant_id, label_norm, tbl, entity_id), so Resolve is an index point
// read. FUZZY uses pg_trgm similarity over label_norm, SEARCH uses a
// pgvector column, and SQL passes structured read queries through to the
// database's own planner.
type PostgresAdapter struct {
	pool DBPool
	log  *zap.Logger

	embedder Embedder
}

// NewPostgresAdapter verifies the connection and returns the adapter.
func NewPostgresAdapter(ctx context.Context, pool DBPool, embedder Embedder, logger *zap.Logger) (*PostgresAdapter, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAdapter{
		pool:     pool,
		log:      logger.Named("store.postgres"),
		embedder: embedder,
	}, nil
}

func (p *PostgresAdapter) Name() string { return "postgres" }

func (p *PostgresAdapter) Conformance() Conformance {
	return Conformance{
		OpLookup:   ClassConstant,
		OpFuzzy:    ClassIndexed,
		OpSearch:   ClassIndexed,
		OpSQL:      ClassScan,
		OpTraverse: ClassTraversal,
	}
}

// EnsureSchema creates the tables, extensions and indexes the adapter
// needs. Safe to call on every startup.
func (p *PostgresAdapter) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS rem_entities (
			tenant_id    TEXT NOT NULL,
			tbl          TEXT NOT NULL,
			entity_id    TEXT NOT NULL,
			label        TEXT NOT NULL,
			kind         TEXT NOT NULL DEFAULT '',
			data         JSONB NOT NULL DEFAULT '{}',
			graph_paths  JSONB NOT NULL DEFAULT '[]',
			embedding    vector,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, tbl, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS rem_reverse_mappings (
			tenant_id  TEXT NOT NULL,
			label      TEXT NOT NULL,
			label_norm TEXT NOT NULL,
			tbl        TEXT NOT NULL,
			kind       TEXT NOT NULL DEFAULT '',
			entity_id  TEXT NOT NULL,
			PRIMARY KEY (tenant_id, label_norm, tbl, entity_id)
		)`,
		`CREATE INDEX IF NOT EXISTS rem_reverse_mappings_trgm
			ON rem_reverse_mappings USING gin (label_norm gin_trgm_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// ============================================================================
// Writes
// ============================================================================

// PutEntity upserts the entity and its reverse mapping in one transaction
// (Open Question 1: atomic on this backend).
func (p *PostgresAdapter) PutEntity(ctx context.Context, e *entity.Entity) error {
	if e == nil {
		return ErrInvalidData
	}
	if e.TenantID == "" {
		return ErrInvalidTenant
	}
	if e.Label == "" {
		return ErrInvalidLabel
	}

	data, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	paths, err := json.Marshal(e.GraphPaths)
	if err != nil {
		return fmt.Errorf("failed to encode graph paths: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO rem_entities (tenant_id, tbl, entity_id, label, kind, data, graph_paths, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (tenant_id, tbl, entity_id) DO UPDATE SET
			label = EXCLUDED.label,
			kind = EXCLUDED.kind,
			data = EXCLUDED.data,
			graph_paths = EXCLUDED.graph_paths,
			embedding = COALESCE(EXCLUDED.embedding, rem_entities.embedding),
			updated_at = now()`,
		e.TenantID, e.Table, e.ID, e.Label, e.Kind, data, paths, encodeVector(e.Embedding))
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}

	// Relabeling leaves stale mapping rows behind; clear them first.
	_, err = tx.Exec(ctx, `
		DELETE FROM rem_reverse_mappings
		WHERE tenant_id = $1 AND tbl = $2 AND entity_id = $3 AND label_norm <> $4`,
		e.TenantID, e.Table, e.ID, entity.NormalizeLabel(e.Label))
	if err != nil {
		return fmt.Errorf("failed to clear stale mappings: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO rem_reverse_mappings (tenant_id, label, label_norm, tbl, kind, entity_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, label_norm, tbl, entity_id) DO UPDATE SET
			label = EXCLUDED.label,
			kind = EXCLUDED.kind`,
		e.TenantID, e.Label, entity.NormalizeLabel(e.Label), e.Table, e.Kind, e.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteEntity removes the entity row and its mapping.
func (p *PostgresAdapter) DeleteEntity(ctx context.Context, tenantID, table, id string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		DELETE FROM rem_entities WHERE tenant_id = $1 AND tbl = $2 AND entity_id = $3`,
		tenantID, table, id)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM rem_reverse_mappings WHERE tenant_id = $1 AND tbl = $2 AND entity_id = $3`,
		tenantID, table, id)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ============================================================================
// Reads
// ============================================================================

// Resolve maps labels to refs via the reverse-mapping index.
func (p *PostgresAdapter) Resolve(ctx context.Context, tenantID string, labels []string) (map[string][]entity.Ref, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if len(labels) == 0 {
		return nil, ErrInvalidLabel
	}

	norms := make([]string, 0, len(labels))
	byNorm := make(map[string][]string, len(labels))
	for _, label := range labels {
		norm := entity.NormalizeLabel(label)
		if norm == "" {
			continue
		}
		if _, seen := byNorm[norm]; !seen {
			norms = append(norms, norm)
		}
		byNorm[norm] = append(byNorm[norm], label)
	}
	if len(norms) == 0 {
		return map[string][]entity.Ref{}, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT label_norm, label, tbl, kind, entity_id
		FROM rem_reverse_mappings
		WHERE tenant_id = $1 AND label_norm = ANY($2)
		ORDER BY label_norm, tbl, entity_id`,
		tenantID, norms)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]entity.Ref)
	for rows.Next() {
		var norm, label, table, kind, id string
		if err := rows.Scan(&norm, &label, &table, &kind, &id); err != nil {
			return nil, fmt.Errorf("failed to scan mapping row: %w", err)
		}
		ref := entity.Ref{ID: id, TenantID: tenantID, Label: label, Table: table, Kind: kind}
		// A row answers every query label that folded to this norm.
		for _, asked := range byNorm[norm] {
			result[asked] = append(result[asked], ref)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return result, nil
}

// FuzzyResolve ranks labels by pg_trgm similarity.
func (p *PostgresAdapter) FuzzyResolve(ctx context.Context, tenantID, text string, threshold float64, limit int) ([]entity.ScoredRef, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	norm := entity.NormalizeLabel(text)
	if norm == "" {
		return nil, ErrInvalidLabel
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := p.pool.Query(ctx, `
		SELECT label, tbl, kind, entity_id, similarity(label_norm, $2) AS score
		FROM rem_reverse_mappings
		WHERE tenant_id = $1 AND similarity(label_norm, $2) >= $3
		ORDER BY score DESC, label_norm, tbl, entity_id
		LIMIT $4`,
		tenantID, norm, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fuzzy mappings: %w", err)
	}
	defer rows.Close()

	var scored []entity.ScoredRef
	for rows.Next() {
		var ref entity.Ref
		var score float64
		if err := rows.Scan(&ref.Label, &ref.Table, &ref.Kind, &ref.ID, &score); err != nil {
			return nil, fmt.Errorf("failed to scan fuzzy row: %w", err)
		}
		ref.TenantID = tenantID
		scored = append(scored, entity.ScoredRef{Ref: ref, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return scored, nil
}

// GetEntities hydrates refs from rem_entities. Missing rows are skipped.
func (p *PostgresAdapter) GetEntities(ctx context.Context, tenantID string, refs []entity.Ref) ([]*entity.Entity, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if len(refs) == 0 {
		return nil, nil
	}

	entities := make([]*entity.Entity, 0, len(refs))
	for _, ref := range refs {
		if ref.TenantID != "" && ref.TenantID != tenantID {
			continue
		}
		rows, err := p.pool.Query(ctx, `
			SELECT entity_id, label, kind, data, graph_paths, created_at, updated_at
			FROM rem_entities
			WHERE tenant_id = $1 AND tbl = $2 AND entity_id = $3`,
			tenantID, ref.Table, ref.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to query entity: %w", err)
		}
		e, err := scanEntityRow(rows, tenantID, ref.Table)
		rows.Close()
		if err != nil {
			return nil, err
		}
		if e != nil {
			entities = append(entities, e)
		}
	}
	return entities, nil
}

func scanEntityRow(rows pgx.Rows, tenantID, table string) (*entity.Entity, error) {
	if !rows.Next() {
		return nil, rows.Err()
	}
	var (
		id, label, kind string
		data, paths     []byte
		e               entity.Entity
	)
	if err := rows.Scan(&id, &label, &kind, &data, &paths, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan entity row: %w", err)
	}
	e.ID = id
	e.TenantID = tenantID
	e.Label = label
	e.Kind = kind
	e.Table = table
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode fields: %w", err)
		}
	}
	e.GraphPaths = entity.ParseGraphPaths(paths)
	return &e, nil
}

// Search ranks rem_entities embeddings with pgvector cosine distance.
func (p *PostgresAdapter) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	if req.TenantID == "" {
		return nil, ErrInvalidTenant
	}
	if req.Table == "" {
		return nil, ErrInvalidData
	}

	query := req.Vector
	if len(query) == 0 {
		if p.embedder == nil {
			return nil, ErrNoEmbedder
		}
		var err error
		query, err = p.embedder.Embed(ctx, req.Text)
		if err != nil {
			return nil, err
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	rows, err := p.pool.Query(ctx, `
		SELECT entity_id, label, kind, data, graph_paths, created_at, updated_at,
		       1 - (embedding <=> $3::vector) AS score
		FROM rem_entities
		WHERE tenant_id = $1 AND tbl = $2 AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $3::vector) >= $4
		ORDER BY score DESC, entity_id
		LIMIT $5`,
		req.TenantID, req.Table, encodeVector(query), req.Threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var (
			id, label, kind string
			data, paths     []byte
			e               entity.Entity
			score           float64
		)
		if err := rows.Scan(&id, &label, &kind, &data, &paths, &e.CreatedAt, &e.UpdatedAt, &score); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		e.ID = id
		e.TenantID = req.TenantID
		e.Label = label
		e.Kind = kind
		e.Table = req.Table
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to decode fields: %w", err)
			}
		}
		e.GraphPaths = entity.ParseGraphPaths(paths)
		hits = append(hits, SearchHit{Entity: &e, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return hits, nil
}

// SQL executes a structured read query against rem_entities fields or a
// domain table. Identifiers are validated; the read-only keyword guard runs
// at plan validation, before the adapter is reached.
func (p *PostgresAdapter) SQL(ctx context.Context, req SQLRequest) ([]*entity.Entity, error) {
	if req.TenantID == "" {
		return nil, ErrInvalidTenant
	}
	if !validIdentifier(req.Table) {
		return nil, fmt.Errorf("%w: invalid table name %q", ErrInvalidData, req.Table)
	}
	for _, f := range req.SelectFields {
		if !validIdentifier(f) {
			return nil, fmt.Errorf("%w: invalid field name %q", ErrInvalidData, f)
		}
	}

	cols := "*"
	if len(req.SelectFields) > 0 {
		cols = strings.Join(req.SelectFields, ", ")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE tenant_id = $1", cols, req.Table)
	if req.Where != "" {
		fmt.Fprintf(&sb, " AND (%s)", req.Where)
	}
	if req.OrderBy != "" {
		fmt.Fprintf(&sb, " ORDER BY %s", req.OrderBy)
	}
	if req.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", req.Limit)
	}

	rows, err := p.pool.Query(ctx, sb.String(), req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var entities []*entity.Entity
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		e := entity.FromRow(req.Table, row)
		e.TenantID = req.TenantID
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entities, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

func (p *PostgresAdapter) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (p *PostgresAdapter) Close() error {
	p.pool.Close()
	return nil
}

var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validIdentifier(s string) bool {
	return identifierRe.MatchString(s)
}

// encodeVector renders the pgvector text literal, e.g. "[0.1,0.2]".
// Returns nil for an empty vector so the column stays NULL.
func encodeVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sb.String()
}
