package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/orneryd/remdb/pkg/entity"
)

// TiDBAdapter implements Adapter on TiDB through the MySQL wire protocol.
//
// The reverse mapping is a table keyed by kv_key, the string
// "{tenant}/{label}/{kind}", so lookups by label prefix hit the clustered
// primary key. SEARCH uses TiDB's native vector functions
// (VEC_COSINE_DISTANCE and friends); FUZZY is a ranked LIKE over the
// normalized label with the shared similarity score applied client side.
type TiDBAdapter struct {
	db       *sql.DB
	log      *zap.Logger
	embedder Embedder
}

// NewTiDBAdapter opens the DSN and verifies connectivity.
func NewTiDBAdapter(ctx context.Context, dsn string, embedder Embedder, logger *zap.Logger) (*TiDBAdapter, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open tidb connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping tidb: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiDBAdapter{db: db, log: logger.Named("store.tidb"), embedder: embedder}, nil
}

func (t *TiDBAdapter) Name() string { return "tidb" }

func (t *TiDBAdapter) Conformance() Conformance {
	return Conformance{
		OpLookup:   ClassConstant,
		OpFuzzy:    ClassIndexed,
		OpSearch:   ClassIndexed,
		OpSQL:      ClassScan,
		OpTraverse: ClassTraversal,
	}
}

// EnsureSchema creates the adapter's tables. Safe to call on every startup.
func (t *TiDBAdapter) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rem_entities (
			tenant_id   VARCHAR(128) NOT NULL,
			tbl         VARCHAR(128) NOT NULL,
			entity_id   VARCHAR(128) NOT NULL,
			label       VARCHAR(512) NOT NULL,
			kind        VARCHAR(128) NOT NULL DEFAULT '',
			data        JSON,
			graph_paths JSON,
			embedding   VECTOR,
			created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, tbl, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS rem_reverse_mappings (
			kv_key     VARCHAR(1024) NOT NULL,
			tenant_id  VARCHAR(128) NOT NULL,
			label      VARCHAR(512) NOT NULL,
			label_norm VARCHAR(512) NOT NULL,
			tbl        VARCHAR(128) NOT NULL,
			kind       VARCHAR(128) NOT NULL DEFAULT '',
			entity_id  VARCHAR(128) NOT NULL,
			PRIMARY KEY (kv_key, tbl, entity_id),
			KEY idx_label_norm (tenant_id, label_norm)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// kvKey builds the mapping key "{tenant}/{label}/{kind}".
func kvKey(tenantID, label, kind string) string {
	return tenantID + "/" + entity.NormalizeLabel(label) + "/" + kind
}

// ============================================================================
// Writes
// ============================================================================

// PutEntity upserts the entity row and its mapping in one transaction
// (Open Question 1: atomic on this backend).
func (t *TiDBAdapter) PutEntity(ctx context.Context, e *entity.Entity) error {
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

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rem_entities (tenant_id, tbl, entity_id, label, kind, data, graph_paths, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			label = VALUES(label), kind = VALUES(kind), data = VALUES(data),
			graph_paths = VALUES(graph_paths),
			embedding = COALESCE(VALUES(embedding), embedding)`,
		e.TenantID, e.Table, e.ID, e.Label, e.Kind, data, paths, encodeVector(e.Embedding))
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM rem_reverse_mappings
		WHERE tenant_id = ? AND tbl = ? AND entity_id = ? AND label_norm <> ?`,
		e.TenantID, e.Table, e.ID, entity.NormalizeLabel(e.Label))
	if err != nil {
		return fmt.Errorf("failed to clear stale mappings: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rem_reverse_mappings (kv_key, tenant_id, label, label_norm, tbl, kind, entity_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE label = VALUES(label), kind = VALUES(kind)`,
		kvKey(e.TenantID, e.Label, e.Kind), e.TenantID, e.Label, entity.NormalizeLabel(e.Label), e.Table, e.Kind, e.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}

	return tx.Commit()
}

// DeleteEntity removes the entity row and its mapping.
func (t *TiDBAdapter) DeleteEntity(ctx context.Context, tenantID, table, id string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM rem_entities WHERE tenant_id = ? AND tbl = ? AND entity_id = ?`,
		tenantID, table, id)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM rem_reverse_mappings WHERE tenant_id = ? AND tbl = ? AND entity_id = ?`,
		tenantID, table, id)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return tx.Commit()
}

// ============================================================================
// Reads
// ============================================================================

// Resolve maps labels to refs through the label_norm index.
func (t *TiDBAdapter) Resolve(ctx context.Context, tenantID string, labels []string) (map[string][]entity.Ref, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if len(labels) == 0 {
		return nil, ErrInvalidLabel
	}

	norms := make([]string, 0, len(labels))
	byNorm := make(map[string][]string, len(labels))
	args := []any{tenantID}
	for _, label := range labels {
		norm := entity.NormalizeLabel(label)
		if norm == "" {
			continue
		}
		if _, seen := byNorm[norm]; !seen {
			norms = append(norms, norm)
			args = append(args, norm)
		}
		byNorm[norm] = append(byNorm[norm], label)
	}
	if len(norms) == 0 {
		return map[string][]entity.Ref{}, nil
	}

	query := fmt.Sprintf(`
		SELECT label_norm, label, tbl, kind, entity_id
		FROM rem_reverse_mappings
		WHERE tenant_id = ? AND label_norm IN (%s)
		ORDER BY label_norm, tbl, entity_id`,
		placeholders(len(norms)))
	rows, err := t.db.QueryContext(ctx, query, args...)
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
		for _, asked := range byNorm[norm] {
			result[asked] = append(result[asked], ref)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return result, nil
}

// FuzzyResolve selects LIKE candidates on label_norm, then applies the
// shared similarity score so the ranking matches the other backends.
func (t *TiDBAdapter) FuzzyResolve(ctx context.Context, tenantID, text string, threshold float64, limit int) ([]entity.ScoredRef, error) {
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

	// Candidate pull is generous; the similarity score trims it client side.
	rows, err := t.db.QueryContext(ctx, `
		SELECT label, label_norm, tbl, kind, entity_id
		FROM rem_reverse_mappings
		WHERE tenant_id = ? AND (label_norm LIKE CONCAT(?, '%') OR label_norm LIKE CONCAT('%', ?, '%'))
		ORDER BY label_norm, tbl, entity_id
		LIMIT ?`,
		tenantID, norm, norm, limit*10)
	if err != nil {
		return nil, fmt.Errorf("failed to query fuzzy mappings: %w", err)
	}
	defer rows.Close()

	var scored []entity.ScoredRef
	for rows.Next() {
		var ref entity.Ref
		var labelNorm string
		if err := rows.Scan(&ref.Label, &labelNorm, &ref.Table, &ref.Kind, &ref.ID); err != nil {
			return nil, fmt.Errorf("failed to scan fuzzy row: %w", err)
		}
		ref.TenantID = tenantID
		if score := labelSimilarity(norm, labelNorm); score >= threshold {
			scored = append(scored, entity.ScoredRef{Ref: ref, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	sortScoredRefs(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// GetEntities hydrates refs from rem_entities. Missing rows are skipped.
func (t *TiDBAdapter) GetEntities(ctx context.Context, tenantID string, refs []entity.Ref) ([]*entity.Entity, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	entities := make([]*entity.Entity, 0, len(refs))
	for _, ref := range refs {
		if ref.TenantID != "" && ref.TenantID != tenantID {
			continue
		}
		row := t.db.QueryRowContext(ctx, `
			SELECT label, kind, data, graph_paths, created_at, updated_at
			FROM rem_entities
			WHERE tenant_id = ? AND tbl = ? AND entity_id = ?`,
			tenantID, ref.Table, ref.ID)

		var (
			label, kind string
			data, paths []byte
			e           entity.Entity
		)
		err := row.Scan(&label, &kind, &data, &paths, &e.CreatedAt, &e.UpdatedAt)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		e.ID = ref.ID
		e.TenantID = tenantID
		e.Label = label
		e.Kind = kind
		e.Table = ref.Table
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to decode fields: %w", err)
			}
		}
		e.GraphPaths = entity.ParseGraphPaths(paths)
		entities = append(entities, &e)
	}
	return entities, nil
}

// vectorDistanceFn maps a metric name to TiDB's vector function and the
// score transform applied to its output.
func vectorDistanceFn(metric string) (fn string, cosineLike bool) {
	switch strings.ToLower(metric) {
	case "l2":
		return "VEC_L2_DISTANCE", false
	case "inner_product":
		return "VEC_NEGATIVE_INNER_PRODUCT", false
	default:
		return "VEC_COSINE_DISTANCE", true
	}
}

// Search ranks embeddings with TiDB's vector distance functions.
func (t *TiDBAdapter) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	if req.TenantID == "" {
		return nil, ErrInvalidTenant
	}
	if req.Table == "" {
		return nil, ErrInvalidData
	}

	query := req.Vector
	if len(query) == 0 {
		if t.embedder == nil {
			return nil, ErrNoEmbedder
		}
		var err error
		query, err = t.embedder.Embed(ctx, req.Text)
		if err != nil {
			return nil, err
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	fn, cosineLike := vectorDistanceFn(req.Metric)
	stmt := fmt.Sprintf(`
		SELECT entity_id, label, kind, data, graph_paths, created_at, updated_at,
		       %s(embedding, ?) AS distance
		FROM rem_entities
		WHERE tenant_id = ? AND tbl = ? AND embedding IS NOT NULL
		ORDER BY distance ASC, entity_id
		LIMIT ?`, fn)
	rows, err := t.db.QueryContext(ctx, stmt, encodeVector(query), req.TenantID, req.Table, limit)
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
			distance        float64
		)
		if err := rows.Scan(&id, &label, &kind, &data, &paths, &e.CreatedAt, &e.UpdatedAt, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		score := -distance
		if cosineLike {
			score = 1 - distance
		}
		if score < req.Threshold {
			continue
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

// SQL executes a structured read query with generic column scanning, so
// arbitrary domain tables work without per-table code.
func (t *TiDBAdapter) SQL(ctx context.Context, req SQLRequest) ([]*entity.Entity, error) {
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
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE tenant_id = ?", cols, req.Table)
	if req.Where != "" {
		fmt.Fprintf(&sb, " AND (%s)", req.Where)
	}
	if req.OrderBy != "" {
		fmt.Fprintf(&sb, " ORDER BY %s", req.OrderBy)
	}
	if req.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", req.Limit)
	}

	rows, err := t.db.QueryContext(ctx, sb.String(), req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var entities []*entity.Entity
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			// The mysql driver hands back []byte for text columns.
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
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

func (t *TiDBAdapter) Ping(ctx context.Context) error {
	if err := t.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (t *TiDBAdapter) Close() error {
	return t.db.Close()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
