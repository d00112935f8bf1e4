package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/relay"
)

// MemoryStoreOption configures a PostgreSQL MemoryStore.
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

// MemoryStore implements relay.MemoryStore backed by PostgreSQL.
// Messages are stored as JSONB; the context projection loads a thread's
// entries and budgets them in-process.
type MemoryStore struct {
	pool       *pgxpool.Pool
	tok        relay.Tokenizer
	summariser relay.Summariser
	logger     *slog.Logger
}

var _ relay.MemoryStore = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func NewMemoryStore(pool *pgxpool.Pool, opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{pool: pool, tok: relay.ApproxTokenizer{}, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the threads and entries tables. Idempotent.
func (s *MemoryStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			metadata JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			message JSONB NOT NULL,
			token_count INTEGER NOT NULL,
			tool_calls JSONB,
			tool_results JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS entries_thread_idx ON entries(thread_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("memory init: %w", err)
		}
	}
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO threads (id, agent_id, metadata, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		th.ID, th.AgentID, marshalJSON(th.Metadata), now.UnixNano(), now.UnixNano())
	if err != nil {
		return relay.Thread{}, fmt.Errorf("create thread: %w", err)
	}
	return th, nil
}

// GetThread implements relay.MemoryStore.
func (s *MemoryStore) GetThread(ctx context.Context, threadID string) (relay.Thread, error) {
	var th relay.Thread
	var metadata []byte
	var createdAt, updatedAt int64
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, metadata, created_at, updated_at FROM threads WHERE id = $1`, threadID).
		Scan(&th.ID, &th.AgentID, &metadata, &createdAt, &updatedAt)
	if err == pgx.ErrNoRows {
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
// timestamp bump run in one transaction with the thread row locked, so
// concurrent appends to the same thread observe a total order.
func (s *MemoryStore) AppendEntry(ctx context.Context, threadID string, msg relay.Message, calls []relay.ToolCall, results []relay.ToolCallResult) (relay.MemoryEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return relay.MemoryEntry{}, fmt.Errorf("append entry: %w", err)
	}
	defer tx.Rollback(ctx)

	var lockedID string
	err = tx.QueryRow(ctx, `SELECT id FROM threads WHERE id = $1 FOR UPDATE`, threadID).Scan(&lockedID)
	if err == pgx.ErrNoRows {
		return relay.MemoryEntry{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.MemoryEntry{}, fmt.Errorf("append entry: %w", err)
	}

	now := time.Now()
	// Entries are ordered by created_at; guard against clock ties by
	// nudging forward of the previous entry.
	var lastNano *int64
	_ = tx.QueryRow(ctx, `SELECT MAX(created_at) FROM entries WHERE thread_id = $1`, threadID).Scan(&lastNano)
	if lastNano != nil && now.UnixNano() <= *lastNano {
		now = time.Unix(0, *lastNano).Add(time.Microsecond)
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
	_, err = tx.Exec(ctx,
		`INSERT INTO entries (id, thread_id, message, token_count, tool_calls, tool_results, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, threadID, marshalJSON(msg), entry.TokenCount,
		marshalJSON(calls), marshalJSON(results), now.UnixNano())
	if err != nil {
		return relay.MemoryEntry{}, fmt.Errorf("append entry: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE threads SET updated_at = $1 WHERE id = $2`, now.UnixNano(), threadID); err != nil {
		return relay.MemoryEntry{}, fmt.Errorf("append entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return relay.MemoryEntry{}, fmt.Errorf("append entry: %w", err)
	}
	s.logger.Debug("postgres: entry appended", "thread_id", threadID, "role", msg.Role, "tokens", entry.TokenCount)
	return entry, nil
}

// GetEntries implements relay.MemoryStore.
func (s *MemoryStore) GetEntries(ctx context.Context, threadID string, q relay.EntryQuery) ([]relay.MemoryEntry, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	conds := []string{"thread_id = $1"}
	args := []any{threadID}
	if !q.Before.IsZero() {
		args = append(args, q.Before.UnixNano())
		conds = append(conds, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if !q.After.IsZero() {
		args = append(args, q.After.UnixNano())
		conds = append(conds, fmt.Sprintf("created_at > $%d", len(args)))
	}

	query := `SELECT id, thread_id, message, token_count, tool_calls, tool_results, created_at
		FROM entries WHERE ` + strings.Join(conds, " AND ")
	if q.Limit > 0 {
		// Newest N, flipped back to chronological order below.
		args = append(args, q.Limit)
		query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	} else {
		query += ` ORDER BY created_at ASC`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	defer rows.Close()

	var out []relay.MemoryEntry
	for rows.Next() {
		var e relay.MemoryEntry
		var message, calls, results []byte
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ThreadID, &message, &e.TokenCount, &calls, &results, &createdAt); err != nil {
			continue
		}
		unmarshalJSON(message, &e.Message)
		unmarshalJSON(calls, &e.ToolCalls)
		unmarshalJSON(results, &e.ToolResults)
		e.CreatedAt = time.Unix(0, createdAt)
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

// ProjectContext implements relay.MemoryStore using the shared
// projection over this store's entries.
func (s *MemoryStore) ProjectContext(ctx context.Context, threadID string, budget relay.ContextBudget) ([]relay.Message, error) {
	entries, err := s.GetEntries(ctx, threadID, relay.EntryQuery{})
	if err != nil {
		return nil, err
	}
	return relay.ProjectEntries(ctx, entries, budget, s.tok, s.summariser, s.logger)
}

// DeleteThread implements relay.MemoryStore. Entries cascade via the
// foreign key. Idempotent.
func (s *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, threadID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}
