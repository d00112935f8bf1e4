package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nevindra/relay"
)

// MemoryStoreOption configures a SQLite MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryLogger sets a structured logger for the memory store.
func WithMemoryLogger(l *slog.Logger) MemoryStoreOption {
	return func(s *MemoryStore) { s.logger = l }
}

// WithMemoryTokenizer sets the tokeniser used for entry token counts.
// Default: the len/4 byte approximation.
func WithMemoryTokenizer(t relay.Tokenizer) MemoryStoreOption {
	return func(s *MemoryStore) { s.tok = t }
}

// WithMemorySummariser wires a summariser for the summarised projection
// strategy. Without one the strategy degrades silently to recent.
func WithMemorySummariser(sum relay.Summariser) MemoryStoreOption {
	return func(s *MemoryStore) { s.summariser = sum }
}

// MemoryStore implements relay.MemoryStore backed by SQLite. Messages
// are stored as JSON text; the context projection loads a thread's
// entries and budgets them in-process.
//
// Use NewMemoryStore with a shared *sql.DB from Store.DB() so both
// Store and MemoryStore share the same serialized connection.
type MemoryStore struct {
	db         *sql.DB
	tok        relay.Tokenizer
	summariser relay.Summariser
	logger     *slog.Logger
}

var _ relay.MemoryStore = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore using an existing *sql.DB.
// Pass store.DB() to share the same connection as Store.
func NewMemoryStore(db *sql.DB, opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{db: db, tok: relay.ApproxTokenizer{}, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the threads and entries tables.
func (s *MemoryStore) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: memory init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			message TEXT NOT NULL,
			token_count INTEGER NOT NULL,
			tool_calls TEXT,
			tool_results TEXT,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			s.logger.Error("sqlite: memory init failed", "error", err, "duration", time.Since(start))
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_entries_thread ON entries(thread_id, created_at)`)
	s.logger.Info("sqlite: memory init completed", "duration", time.Since(start))
	return nil
}

// CreateThread implements relay.MemoryStore.
func (s *MemoryStore) CreateThread(ctx context.Context, agentID string, metadata map[string]string) (relay.Thread, error) {
	now := time.Now()
	th := relay.Thread{
		ID:        relay.NewID(),
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, agent_id, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		th.ID, th.AgentID, marshalJSON(th.Metadata), now.UnixNano(), now.UnixNano())
	if err != nil {
		return relay.Thread{}, fmt.Errorf("create thread: %w", err)
	}
	s.logger.Debug("sqlite: thread created", "thread_id", th.ID, "agent", agentID)
	return th, nil
}

// GetThread implements relay.MemoryStore.
func (s *MemoryStore) GetThread(ctx context.Context, threadID string) (relay.Thread, error) {
	var th relay.Thread
	var metadata string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, metadata, created_at, updated_at FROM threads WHERE id = ?`, threadID).
		Scan(&th.ID, &th.AgentID, &metadata, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return relay.Thread{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	th.CreatedAt = time.Unix(0, createdAt)
	th.UpdatedAt = time.Unix(0, updatedAt)
	unmarshalJSON(metadata, &th.Metadata)
	return th, nil
}

// AppendEntry implements relay.MemoryStore. The insert and the thread
// timestamp bump run in one transaction so concurrent appends to the
// same thread observe a total order.
func (s *MemoryStore) AppendEntry(ctx context.Context, threadID string, msg relay.Message, calls []relay.ToolCall, results []relay.ToolCallResult) (relay.MemoryEntry, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return relay.MemoryEntry{}, fmt.Errorf("append entry: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE id = ?`, threadID).Scan(&exists); err != nil {
		return relay.MemoryEntry{}, fmt.Errorf("append entry: %w", err)
	}
	if exists == 0 {
		return relay.MemoryEntry{}, relay.ErrNotFound
	}

	now := time.Now()
	// Entries are ordered by created_at; guard against clock ties by
	// nudging forward of the previous entry.
	var lastNano sql.NullInt64
	_ = tx.QueryRowContext(ctx, `SELECT MAX(created_at) FROM entries WHERE thread_id = ?`, threadID).Scan(&lastNano)
	if lastNano.Valid && now.UnixNano() <= lastNano.Int64 {
		now = time.Unix(0, lastNano.Int64).Add(time.Microsecond)
	}

	entry := relay.MemoryEntry{
		ID:          relay.NewID(),
		ThreadID:    threadID,
		Message:     msg,
		TokenCount:  relay.MessageTokens(s.tok, msg),
		CreatedAt:   now,
		ToolCalls:   calls,
		ToolResults: results,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (id, thread_id, message, token_count, tool_calls, tool_results, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, threadID, marshalJSON(msg), entry.TokenCount,
		marshalJSON(calls), marshalJSON(results), now.UnixNano())
	if err != nil {
		s.logger.Error("sqlite: append entry failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return relay.MemoryEntry{}, fmt.Errorf("append entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, now.UnixNano(), threadID); err != nil {
		return relay.MemoryEntry{}, fmt.Errorf("append entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return relay.MemoryEntry{}, fmt.Errorf("append entry: %w", err)
	}
	s.logger.Debug("sqlite: entry appended", "thread_id", threadID, "role", msg.Role, "tokens", entry.TokenCount, "duration", time.Since(start))
	return entry, nil
}

// GetEntries implements relay.MemoryStore.
func (s *MemoryStore) GetEntries(ctx context.Context, threadID string, q relay.EntryQuery) ([]relay.MemoryEntry, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	conds := []string{"thread_id = ?"}
	args := []any{threadID}
	if !q.Before.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, q.Before.UnixNano())
	}
	if !q.After.IsZero() {
		conds = append(conds, "created_at > ?")
		args = append(args, q.After.UnixNano())
	}

	query := `SELECT id, thread_id, message, token_count, tool_calls, tool_results, created_at
		FROM entries WHERE ` + strings.Join(conds, " AND ")
	if q.Limit > 0 {
		// Newest N, flipped back to chronological order below.
		query += ` ORDER BY created_at DESC LIMIT ?`
		args = append(args, q.Limit)
	} else {
		query += ` ORDER BY created_at ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	defer rows.Close()

	var out []relay.MemoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	if q.Limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// ProjectContext implements relay.MemoryStore. The recent strategy takes
// the newest suffix whose cumulative token count fits the budget. The
// summarised strategy reserves a fraction of the budget for a summary of
// the older prefix; without a summariser it degrades to recent.
func (s *MemoryStore) ProjectContext(ctx context.Context, threadID string, budget relay.ContextBudget) ([]relay.Message, error) {
	entries, err := s.GetEntries(ctx, threadID, relay.EntryQuery{})
	if err != nil {
		return nil, err
	}
	return relay.ProjectEntries(ctx, entries, budget, s.tok, s.summariser, s.logger)
}

// DeleteThread implements relay.MemoryStore. Idempotent.
func (s *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return tx.Commit()
}

func scanEntry(row rowScanner) (relay.MemoryEntry, error) {
	var e relay.MemoryEntry
	var message, calls, results string
	var createdAt int64
	err := row.Scan(&e.ID, &e.ThreadID, &message, &e.TokenCount, &calls, &results, &createdAt)
	if err != nil {
		return e, err
	}
	unmarshalJSON(message, &e.Message)
	unmarshalJSON(calls, &e.ToolCalls)
	unmarshalJSON(results, &e.ToolResults)
	e.CreatedAt = time.Unix(0, createdAt)
	return e, nil
}
