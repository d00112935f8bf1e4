// Package postgres persists runs, checkpoints, threads, and the
// knowledge graph in PostgreSQL, with pgvector for native semantic
// search over graph node embeddings.
//
// Both Store and MemoryStore accept an externally-owned *pgxpool.Pool
// via constructor injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/relay"
)

// Store implements relay.RunStore, relay.CheckpointStore, and
// relay.GraphStore backed by PostgreSQL. Graph vector search uses an
// HNSW index with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
}

// Option configures a PostgreSQL Store or MemoryStore.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

var _ relay.RunStore = (*Store)(nil)
var _ relay.CheckpointStore = (*Store)(nil)
var _ relay.GraphStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// Pool exposes the underlying pool so MemoryStore can share it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL DEFAULT '',
			workflow_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			iterations INTEGER NOT NULL DEFAULT 0,
			trace JSONB,
			tags JSONB,
			trigger_id TEXT NOT NULL DEFAULT '',
			parent_run_id TEXT NOT NULL DEFAULT '',
			state BYTEA,
			current_node TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL,
			completed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS runs_status_idx ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS runs_workflow_idx ON runs(workflow_name)`,
		`CREATE INDEX IF NOT EXISTS runs_started_idx ON runs(started_at)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			state BYTEA,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS checkpoints_run_idx ON checkpoints(run_id, seq)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS graph_nodes (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			aliases JSONB,
			properties JSONB,
			embedding %s,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			access_count INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, s.vectorType()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS graph_nodes_embedding_idx ON graph_nodes USING hnsw (embedding vector_cosine_ops)%s`, s.hnswWithClause()),

		`CREATE TABLE IF NOT EXISTS graph_edges (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
			target_id TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			weight DOUBLE PRECISION NOT NULL,
			bidirectional BOOLEAN NOT NULL DEFAULT FALSE,
			valid_from BIGINT,
			valid_until BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS graph_edges_source_idx ON graph_edges(source_id)`,
		`CREATE INDEX IF NOT EXISTS graph_edges_target_idx ON graph_edges(target_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// --- RunStore ---

const runColumns = `id, agent_id, thread_id, workflow_name, status, input, output, error,
	input_tokens, output_tokens, cost, iterations, trace, tags, trigger_id, parent_run_id,
	state, current_node, checkpoint_id, started_at, completed_at`

// Save inserts or replaces a run record.
func (s *Store) Save(ctx context.Context, rec relay.RunRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		 ON CONFLICT (id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id, thread_id = EXCLUDED.thread_id,
			workflow_name = EXCLUDED.workflow_name, status = EXCLUDED.status,
			input = EXCLUDED.input, output = EXCLUDED.output, error = EXCLUDED.error,
			input_tokens = EXCLUDED.input_tokens, output_tokens = EXCLUDED.output_tokens,
			cost = EXCLUDED.cost, iterations = EXCLUDED.iterations,
			trace = EXCLUDED.trace, tags = EXCLUDED.tags,
			trigger_id = EXCLUDED.trigger_id, parent_run_id = EXCLUDED.parent_run_id,
			state = EXCLUDED.state, current_node = EXCLUDED.current_node,
			checkpoint_id = EXCLUDED.checkpoint_id,
			started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at`,
		rec.ID, rec.AgentID, rec.ThreadID, rec.WorkflowName, string(rec.Status), rec.Input, rec.Output, rec.Error,
		rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Usage.Cost, rec.Iterations,
		marshalJSON(rec.Trace), marshalJSON(rec.Tags), rec.TriggerID, rec.ParentRunID,
		rec.State, rec.CurrentNode, rec.CheckpointID, rec.StartedAt.UnixNano(), nullableNano(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Get returns a run record by ID.
func (s *Store) Get(ctx context.Context, id string) (relay.RunRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	rec, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return relay.RunRecord{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

// Update applies a patch inside a transaction with a row lock so
// concurrent patches to the same run serialize.
func (s *Store) Update(ctx context.Context, id string, patch func(*relay.RunRecord)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, id)
	rec, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return relay.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	patch(&rec)

	_, err = tx.Exec(ctx,
		`UPDATE runs SET agent_id=$1, thread_id=$2, workflow_name=$3, status=$4, input=$5, output=$6, error=$7,
			input_tokens=$8, output_tokens=$9, cost=$10, iterations=$11, trace=$12, tags=$13,
			trigger_id=$14, parent_run_id=$15, state=$16, current_node=$17, checkpoint_id=$18,
			started_at=$19, completed_at=$20 WHERE id=$21`,
		rec.AgentID, rec.ThreadID, rec.WorkflowName, string(rec.Status), rec.Input, rec.Output, rec.Error,
		rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Usage.Cost, rec.Iterations,
		marshalJSON(rec.Trace), marshalJSON(rec.Tags), rec.TriggerID, rec.ParentRunID,
		rec.State, rec.CurrentNode, rec.CheckpointID, rec.StartedAt.UnixNano(), nullableNano(rec.CompletedAt), id)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return tx.Commit(ctx)
}

// Delete removes a run record. Idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// List returns run records matching the filter.
func (s *Store) List(ctx context.Context, f relay.RunFilter) ([]relay.RunRecord, error) {
	where, args := buildRunFilter(f)

	orderCol := "started_at"
	if f.OrderBy == "completed_at" {
		orderCol = "completed_at"
	}
	dir := "DESC"
	if f.OrderDirection == relay.OrderAsc {
		dir = "ASC"
	}
	q := `SELECT ` + runColumns + ` FROM runs` + where + ` ORDER BY ` + orderCol + ` ` + dir + `, id ` + dir
	if f.Limit > 0 {
		q += " LIMIT " + strconv.Itoa(f.Limit)
	}
	if f.Offset > 0 {
		q += " OFFSET " + strconv.Itoa(f.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []relay.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns how many run records match the filter.
func (s *Store) Count(ctx context.Context, f relay.RunFilter) (int, error) {
	where, args := buildRunFilter(f)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// GetStats aggregates run outcomes, optionally scoped to one workflow.
func (s *Store) GetStats(ctx context.Context, workflowName string) (relay.RunStats, error) {
	stats := relay.RunStats{ByStatus: make(map[relay.RunStatus]int)}

	where := ""
	var args []any
	if workflowName != "" {
		where = " WHERE workflow_name = $1"
		args = append(args, workflowName)
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM runs`+where+` GROUP BY status`, args...)
	if err != nil {
		return stats, fmt.Errorf("run stats: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		stats.ByStatus[relay.RunStatus(status)] = count
		stats.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("run stats: %w", err)
	}

	avgWhere := " WHERE completed_at IS NOT NULL"
	if workflowName != "" {
		avgWhere += " AND workflow_name = $1"
	}
	var avgNanos *float64
	if err := s.pool.QueryRow(ctx, `SELECT AVG(completed_at - started_at) FROM runs`+avgWhere, args...).Scan(&avgNanos); err != nil {
		return stats, fmt.Errorf("run stats: %w", err)
	}
	if avgNanos != nil {
		stats.AvgMillis = int64(*avgNanos) / int64(time.Millisecond)
	}
	return stats, nil
}

// Cleanup deletes terminal runs completed before the cutoff, along with
// their checkpoints.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	_, _ = s.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE run_id IN (
			SELECT id FROM runs WHERE status IN ('completed','failed','cancelled','timeout') AND completed_at < $1)`,
		cutoff)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM runs WHERE status IN ('completed','failed','cancelled','timeout') AND completed_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- CheckpointStore ---

// SaveCheckpoint inserts a checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp relay.Checkpoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (id, run_id, node_id, seq, state, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state`,
		cp.ID, cp.RunID, cp.NodeID, cp.Seq, cp.State, cp.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns a checkpoint by ID.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (relay.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, run_id, node_id, seq, state, created_at FROM checkpoints WHERE id = $1`, id)
	cp, err := scanCheckpoint(row)
	if err == pgx.ErrNoRows {
		return relay.Checkpoint{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// LatestCheckpoint returns the highest-seq checkpoint for a run.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (relay.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, run_id, node_id, seq, state, created_at FROM checkpoints WHERE run_id = $1 ORDER BY seq DESC LIMIT 1`, runID)
	cp, err := scanCheckpoint(row)
	if err == pgx.ErrNoRows {
		return relay.Checkpoint{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.Checkpoint{}, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns a run's checkpoints in seq order.
func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]relay.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, node_id, seq, state, created_at FROM checkpoints WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []relay.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteCheckpoints drops all checkpoints of a run. Idempotent.
func (s *Store) DeleteCheckpoints(ctx context.Context, runID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// --- GraphStore ---

const nodeColumns = `id, type, name, aliases, properties, embedding::text, confidence, access_count, created_at, updated_at`

// UpsertNode implements relay.GraphStore. A node without an ID is
// created; an existing node keeps its creation time and access count.
func (s *Store) UpsertNode(ctx context.Context, n relay.GraphNode) (relay.GraphNode, error) {
	now := time.Now()
	if n.ID == "" {
		n.ID = relay.NewID()
		n.CreatedAt = now
	} else if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.Confidence == 0 {
		n.Confidence = 1
	}
	n.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO graph_nodes (id, type, name, aliases, properties, embedding, confidence, access_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type, name = EXCLUDED.name, aliases = EXCLUDED.aliases,
			properties = EXCLUDED.properties, embedding = EXCLUDED.embedding,
			confidence = EXCLUDED.confidence, updated_at = EXCLUDED.updated_at`,
		n.ID, n.Type, n.Name, marshalJSON(n.Aliases), marshalJSON(n.Properties),
		vectorLiteral(n.Embedding), n.Confidence, n.AccessCount, n.CreatedAt.UnixNano(), n.UpdatedAt.UnixNano())
	if err != nil {
		return relay.GraphNode{}, fmt.Errorf("upsert node: %w", err)
	}
	return n, nil
}

// GetNode implements relay.GraphStore and bumps the access count.
func (s *Store) GetNode(ctx context.Context, id string) (relay.GraphNode, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE graph_nodes SET access_count = access_count + 1 WHERE id = $1
		 RETURNING `+nodeColumns, id)
	n, err := scanNode(row)
	if err == pgx.ErrNoRows {
		return relay.GraphNode{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.GraphNode{}, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// FindNodes implements relay.GraphStore. Name matches the node name or
// any alias, case-insensitively.
func (s *Store) FindNodes(ctx context.Context, q relay.NodeQuery) ([]relay.GraphNode, error) {
	var conds []string
	var args []any
	if q.Type != "" {
		args = append(args, q.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if q.Name != "" {
		args = append(args, "%"+q.Name+"%")
		conds = append(conds, fmt.Sprintf("(name ILIKE $%d OR aliases::text ILIKE $%d)", len(args), len(args)))
	}
	query := `SELECT ` + nodeColumns + ` FROM graph_nodes`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id`
	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find nodes: %w", err)
	}
	defer rows.Close()

	var out []relay.GraphNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNode implements relay.GraphStore. Edges cascade via the foreign
// keys. Idempotent.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM graph_nodes WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

// AddEdge implements relay.GraphStore. Both endpoints must exist; the
// foreign keys enforce it, reported as ErrNotFound.
func (s *Store) AddEdge(ctx context.Context, e relay.GraphEdge) (relay.GraphEdge, error) {
	if e.ID == "" {
		e.ID = relay.NewID()
	}
	if e.Weight == 0 {
		e.Weight = 1
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO graph_edges (id, source_id, target_id, type, weight, bidirectional, valid_from, valid_until)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET weight = EXCLUDED.weight`,
		e.ID, e.SourceID, e.TargetID, e.Type, e.Weight, e.Bidirectional,
		nullableNano(e.ValidFrom), nullableNano(e.ValidUntil))
	if err != nil {
		if strings.Contains(err.Error(), "foreign key") {
			return relay.GraphEdge{}, relay.ErrNotFound
		}
		return relay.GraphEdge{}, fmt.Errorf("add edge: %w", err)
	}
	return e, nil
}

// DeleteEdge implements relay.GraphStore. Idempotent.
func (s *Store) DeleteEdge(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM graph_edges WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}
	return nil
}

// Neighbours implements relay.GraphStore with breadth-first traversal
// over edges valid at query time, one query per hop.
func (s *Store) Neighbours(ctx context.Context, nodeID, edgeType string, depth int) ([]relay.GraphNode, error) {
	if depth <= 0 {
		depth = 1
	}
	if _, err := s.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}

	now := time.Now().UnixNano()
	visited := map[string]bool{nodeID: true}
	frontier := []string{nodeID}
	var out []relay.GraphNode

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		query := `SELECT source_id, target_id FROM graph_edges
			WHERE (source_id = ANY($1) OR (bidirectional AND target_id = ANY($1)))
			AND (valid_from IS NULL OR valid_from <= $2)
			AND (valid_until IS NULL OR valid_until >= $2)`
		args := []any{frontier, now}
		if edgeType != "" {
			query += ` AND type = $3`
			args = append(args, edgeType)
		}
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("neighbours: %w", err)
		}
		var next []string
		for rows.Next() {
			var src, dst string
			if err := rows.Scan(&src, &dst); err != nil {
				continue
			}
			for _, other := range []string{src, dst} {
				if !visited[other] {
					visited[other] = true
					next = append(next, other)
				}
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("neighbours: %w", err)
		}

		if len(next) > 0 {
			nrows, err := s.pool.Query(ctx, `SELECT `+nodeColumns+` FROM graph_nodes WHERE id = ANY($1)`, next)
			if err != nil {
				return nil, fmt.Errorf("neighbours: %w", err)
			}
			for nrows.Next() {
				n, err := scanNode(nrows)
				if err != nil {
					continue
				}
				out = append(out, n)
			}
			nrows.Close()
		}
		frontier = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SemanticSearch implements relay.GraphStore using pgvector cosine
// distance; score is 1 - distance.
func (s *Store) SemanticSearch(ctx context.Context, embedding []float32, k int) ([]relay.ScoredNode, error) {
	if k <= 0 {
		k = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+nodeColumns+`, 1 - (embedding <=> $1) AS score
		 FROM graph_nodes WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1, id LIMIT $2`,
		vectorLiteral(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	defer rows.Close()

	var hits []relay.ScoredNode
	for rows.Next() {
		var sn relay.ScoredNode
		var aliases, properties []byte
		var emb *string
		var createdAt, updatedAt int64
		err := rows.Scan(&sn.Node.ID, &sn.Node.Type, &sn.Node.Name, &aliases, &properties, &emb,
			&sn.Node.Confidence, &sn.Node.AccessCount, &createdAt, &updatedAt, &sn.Score)
		if err != nil {
			continue
		}
		unmarshalJSON(aliases, &sn.Node.Aliases)
		unmarshalJSON(properties, &sn.Node.Properties)
		sn.Node.Embedding = parseVector(emb)
		sn.Node.CreatedAt = time.Unix(0, createdAt)
		sn.Node.UpdatedAt = time.Unix(0, updatedAt)
		if sn.Score > 0 {
			hits = append(hits, sn)
		}
	}
	return hits, rows.Err()
}

// Decay implements relay.GraphStore: scales every confidence by factor
// and deletes nodes that fall below the floor. Edges cascade.
func (s *Store) Decay(ctx context.Context, factor, floor float64) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("decay: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE graph_nodes SET confidence = confidence * $1`, factor); err != nil {
		return 0, fmt.Errorf("decay: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM graph_nodes WHERE confidence < $1`, floor)
	if err != nil {
		return 0, fmt.Errorf("decay: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("decay: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- scanning and helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (relay.RunRecord, error) {
	var rec relay.RunRecord
	var status string
	var trace, tags []byte
	var startedAt int64
	var completedAt *int64
	err := row.Scan(&rec.ID, &rec.AgentID, &rec.ThreadID, &rec.WorkflowName, &status, &rec.Input, &rec.Output, &rec.Error,
		&rec.Usage.InputTokens, &rec.Usage.OutputTokens, &rec.Usage.Cost, &rec.Iterations,
		&trace, &tags, &rec.TriggerID, &rec.ParentRunID,
		&rec.State, &rec.CurrentNode, &rec.CheckpointID, &startedAt, &completedAt)
	if err != nil {
		return rec, err
	}
	rec.Status = relay.RunStatus(status)
	rec.StartedAt = time.Unix(0, startedAt)
	if completedAt != nil {
		t := time.Unix(0, *completedAt)
		rec.CompletedAt = &t
	}
	unmarshalJSON(trace, &rec.Trace)
	unmarshalJSON(tags, &rec.Tags)
	return rec, nil
}

func scanCheckpoint(row rowScanner) (relay.Checkpoint, error) {
	var cp relay.Checkpoint
	var createdAt int64
	if err := row.Scan(&cp.ID, &cp.RunID, &cp.NodeID, &cp.Seq, &cp.State, &createdAt); err != nil {
		return cp, err
	}
	cp.CreatedAt = time.Unix(0, createdAt)
	return cp, nil
}

func scanNode(row rowScanner) (relay.GraphNode, error) {
	var n relay.GraphNode
	var aliases, properties []byte
	var emb *string
	var createdAt, updatedAt int64
	err := row.Scan(&n.ID, &n.Type, &n.Name, &aliases, &properties, &emb,
		&n.Confidence, &n.AccessCount, &createdAt, &updatedAt)
	if err != nil {
		return n, err
	}
	unmarshalJSON(aliases, &n.Aliases)
	unmarshalJSON(properties, &n.Properties)
	n.Embedding = parseVector(emb)
	n.CreatedAt = time.Unix(0, createdAt)
	n.UpdatedAt = time.Unix(0, updatedAt)
	return n, nil
}

func buildRunFilter(f relay.RunFilter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if len(f.Status) > 0 {
		statuses := make([]string, len(f.Status))
		for i, st := range f.Status {
			statuses[i] = string(st)
		}
		conds = append(conds, "status = ANY("+arg(statuses)+")")
	}
	if f.WorkflowName != "" {
		conds = append(conds, "workflow_name = "+arg(f.WorkflowName))
	}
	if f.TriggerID != "" {
		conds = append(conds, "trigger_id = "+arg(f.TriggerID))
	}
	if f.ParentRunID != "" {
		conds = append(conds, "parent_run_id = "+arg(f.ParentRunID))
	}
	for _, tag := range f.Tags {
		conds = append(conds, "tags @> "+arg(marshalJSON([]string{tag})))
	}
	if !f.StartedAfter.IsZero() {
		conds = append(conds, "started_at > "+arg(f.StartedAfter.UnixNano()))
	}
	if !f.StartedBefore.IsZero() {
		conds = append(conds, "started_at < "+arg(f.StartedBefore.UnixNano()))
	}
	if !f.CompletedAfter.IsZero() {
		conds = append(conds, "completed_at > "+arg(f.CompletedAfter.UnixNano()))
	}
	if !f.CompletedBefore.IsZero() {
		conds = append(conds, "completed_at < "+arg(f.CompletedBefore.UnixNano()))
	}
	if f.HasError != nil {
		if *f.HasError {
			conds = append(conds, "error != ''")
		} else {
			conds = append(conds, "error = ''")
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func marshalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}

func unmarshalJSON(data []byte, v any) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, v)
}

func nullableNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// vectorLiteral renders an embedding as a pgvector text literal, or nil
// for an absent embedding.
func vectorLiteral(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector parses a pgvector text literal back into a float slice.
func parseVector(s *string) []float32 {
	if s == nil {
		return nil
	}
	trimmed := strings.Trim(*s, "[]")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(v))
	}
	return out
}
