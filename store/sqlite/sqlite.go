// Package sqlite persists runs, checkpoints, threads, and the knowledge
// graph in pure-Go SQLite. Embeddings are stored as JSON text and vector
// search runs in-process with brute-force cosine similarity. Zero CGO
// required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nevindra/relay"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements relay.RunStore, relay.CheckpointStore, and
// relay.GraphStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ relay.RunStore = (*Store)(nil)
var _ relay.CheckpointStore = (*Store)(nil)
var _ relay.GraphStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(slog.DiscardHandler)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// DB exposes the underlying handle so MemoryStore can share the same
// serialized connection.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT,
			thread_id TEXT,
			workflow_name TEXT,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			input_tokens INTEGER DEFAULT 0,
			output_tokens INTEGER DEFAULT 0,
			cost REAL DEFAULT 0,
			iterations INTEGER DEFAULT 0,
			trace TEXT,
			tags TEXT,
			trigger_id TEXT,
			parent_run_id TEXT,
			state BLOB,
			current_node TEXT,
			checkpoint_id TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			state BLOB,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS graph_nodes (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			aliases TEXT,
			properties TEXT,
			embedding TEXT,
			confidence REAL DEFAULT 1.0,
			access_count INTEGER DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS graph_edges (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			type TEXT NOT NULL,
			weight REAL NOT NULL,
			bidirectional INTEGER DEFAULT 0,
			valid_from INTEGER,
			valid_until INTEGER
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_name)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, seq)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges(source_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(target_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- RunStore ---

// Save inserts or replaces a run record.
func (s *Store) Save(ctx context.Context, rec relay.RunRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: save run", "id", rec.ID, "status", rec.Status)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, agent_id, thread_id, workflow_name, status, input, output, error,
			input_tokens, output_tokens, cost, iterations, trace, tags, trigger_id, parent_run_id,
			state, current_node, checkpoint_id, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.ThreadID, rec.WorkflowName, string(rec.Status), rec.Input, rec.Output, rec.Error,
		rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Usage.Cost, rec.Iterations,
		marshalJSON(rec.Trace), marshalJSON(rec.Tags), rec.TriggerID, rec.ParentRunID,
		rec.State, rec.CurrentNode, rec.CheckpointID, rec.StartedAt.UnixNano(), nullableNano(rec.CompletedAt),
	)
	if err != nil {
		s.logger.Error("sqlite: save run failed", "id", rec.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save run: %w", err)
	}
	s.logger.Debug("sqlite: save run ok", "id", rec.ID, "duration", time.Since(start))
	return nil
}

// Get returns a run record by ID.
func (s *Store) Get(ctx context.Context, id string) (relay.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return relay.RunRecord{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

// Update applies a patch under an immediate transaction so concurrent
// patches to the same run serialize.
func (s *Store) Update(ctx context.Context, id string, patch func(*relay.RunRecord)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return relay.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	patch(&rec)

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET agent_id=?, thread_id=?, workflow_name=?, status=?, input=?, output=?, error=?,
			input_tokens=?, output_tokens=?, cost=?, iterations=?, trace=?, tags=?, trigger_id=?, parent_run_id=?,
			state=?, current_node=?, checkpoint_id=?, started_at=?, completed_at=? WHERE id=?`,
		rec.AgentID, rec.ThreadID, rec.WorkflowName, string(rec.Status), rec.Input, rec.Output, rec.Error,
		rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Usage.Cost, rec.Iterations,
		marshalJSON(rec.Trace), marshalJSON(rec.Tags), rec.TriggerID, rec.ParentRunID,
		rec.State, rec.CurrentNode, rec.CheckpointID, rec.StartedAt.UnixNano(), nullableNano(rec.CompletedAt), id,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return tx.Commit()
}

// Delete removes a run record. Idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// List returns run records matching the filter.
func (s *Store) List(ctx context.Context, f relay.RunFilter) ([]relay.RunRecord, error) {
	start := time.Now()
	where, args := buildRunFilter(f)

	orderCol := "started_at"
	if f.OrderBy == "completed_at" {
		orderCol = "completed_at"
	}
	dir := "DESC"
	if f.OrderDirection == relay.OrderAsc {
		dir = "ASC"
	}
	// ID tie-break keeps listings stable; UUIDv7 order matches creation order.
	q := `SELECT ` + runColumns + ` FROM runs` + where + ` ORDER BY ` + orderCol + ` ` + dir + `, id ` + dir
	if f.Limit > 0 {
		q += " LIMIT " + strconv.Itoa(f.Limit)
	}
	if f.Offset > 0 {
		if f.Limit <= 0 {
			q += " LIMIT -1"
		}
		q += " OFFSET " + strconv.Itoa(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.logger.Error("sqlite: list runs failed", "error", err, "duration", time.Since(start))
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
	s.logger.Debug("sqlite: list runs ok", "count", len(out), "duration", time.Since(start))
	return out, rows.Err()
}

// Count returns how many run records match the filter.
func (s *Store) Count(ctx context.Context, f relay.RunFilter) (int, error) {
	where, args := buildRunFilter(f)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&n)
	if err != nil {
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
		where = " WHERE workflow_name = ?"
		args = append(args, workflowName)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs`+where+` GROUP BY status`, args...)
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
		avgWhere += " AND workflow_name = ?"
	}
	var avgNanos sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `SELECT AVG(completed_at - started_at) FROM runs`+avgWhere, args...).Scan(&avgNanos)
	if err != nil {
		return stats, fmt.Errorf("run stats: %w", err)
	}
	if avgNanos.Valid {
		stats.AvgMillis = int64(avgNanos.Float64) / int64(time.Millisecond)
	}
	return stats, nil
}

// Cleanup deletes terminal runs completed before the cutoff, along with
// their checkpoints.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE run_id IN (
			SELECT id FROM runs WHERE status IN ('completed','failed','cancelled','timeout') AND completed_at < ?)`,
		cutoff)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE status IN ('completed','failed','cancelled','timeout') AND completed_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup runs: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("sqlite: cleanup", "deleted", n, "older_than", olderThan)
	return int(n), nil
}

// --- CheckpointStore ---

// SaveCheckpoint inserts a checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp relay.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (id, run_id, node_id, seq, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.RunID, cp.NodeID, cp.Seq, cp.State, cp.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns a checkpoint by ID.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (relay.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, node_id, seq, state, created_at FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return relay.Checkpoint{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// LatestCheckpoint returns the highest-seq checkpoint for a run.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (relay.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, node_id, seq, state, created_at FROM checkpoints WHERE run_id = ? ORDER BY seq DESC LIMIT 1`, runID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return relay.Checkpoint{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.Checkpoint{}, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns a run's checkpoints in seq order.
func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]relay.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, seq, state, created_at FROM checkpoints WHERE run_id = ? ORDER BY seq ASC`, runID)
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// --- scanning and filter helpers ---

const runColumns = `id, agent_id, thread_id, workflow_name, status, input, output, error,
	input_tokens, output_tokens, cost, iterations, trace, tags, trigger_id, parent_run_id,
	state, current_node, checkpoint_id, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (relay.RunRecord, error) {
	var rec relay.RunRecord
	var status, trace, tags string
	var startedAt int64
	var completedAt sql.NullInt64
	err := row.Scan(&rec.ID, &rec.AgentID, &rec.ThreadID, &rec.WorkflowName, &status, &rec.Input, &rec.Output, &rec.Error,
		&rec.Usage.InputTokens, &rec.Usage.OutputTokens, &rec.Usage.Cost, &rec.Iterations,
		&trace, &tags, &rec.TriggerID, &rec.ParentRunID,
		&rec.State, &rec.CurrentNode, &rec.CheckpointID, &startedAt, &completedAt)
	if err != nil {
		return rec, err
	}
	rec.Status = relay.RunStatus(status)
	rec.StartedAt = time.Unix(0, startedAt)
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		rec.CompletedAt = &t
	}
	unmarshalJSON(trace, &rec.Trace)
	unmarshalJSON(tags, &rec.Tags)
	return rec, nil
}

func scanCheckpoint(row rowScanner) (relay.Checkpoint, error) {
	var cp relay.Checkpoint
	var createdAt int64
	err := row.Scan(&cp.ID, &cp.RunID, &cp.NodeID, &cp.Seq, &cp.State, &createdAt)
	if err != nil {
		return cp, err
	}
	cp.CreatedAt = time.Unix(0, createdAt)
	return cp, nil
}

func buildRunFilter(f relay.RunFilter) (string, []any) {
	var conds []string
	var args []any

	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, st := range f.Status {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.WorkflowName != "" {
		conds = append(conds, "workflow_name = ?")
		args = append(args, f.WorkflowName)
	}
	if f.TriggerID != "" {
		conds = append(conds, "trigger_id = ?")
		args = append(args, f.TriggerID)
	}
	if f.ParentRunID != "" {
		conds = append(conds, "parent_run_id = ?")
		args = append(args, f.ParentRunID)
	}
	// Tags are a JSON array; match-all via substring on the quoted value.
	for _, tag := range f.Tags {
		conds = append(conds, "tags LIKE ?")
		args = append(args, `%"`+tag+`"%`)
	}
	if !f.StartedAfter.IsZero() {
		conds = append(conds, "started_at > ?")
		args = append(args, f.StartedAfter.UnixNano())
	}
	if !f.StartedBefore.IsZero() {
		conds = append(conds, "started_at < ?")
		args = append(args, f.StartedBefore.UnixNano())
	}
	if !f.CompletedAfter.IsZero() {
		conds = append(conds, "completed_at > ?")
		args = append(args, f.CompletedAfter.UnixNano())
	}
	if !f.CompletedBefore.IsZero() {
		conds = append(conds, "completed_at < ?")
		args = append(args, f.CompletedBefore.UnixNano())
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

// --- shared helpers ---

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func unmarshalJSON(s string, v any) {
	if s == "" || s == "null" {
		return
	}
	_ = json.Unmarshal([]byte(s), v)
}

func nullableNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

func deserializeEmbedding(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	var out []float32
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// cosineSimilarity computes the cosine of the angle between a and b.
// Mismatched lengths score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
