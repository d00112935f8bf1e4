package relay

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is the in-process MemoryStore. It is the default adapter
// (memory.adapter = "memory") and the reference implementation the SQL
// stores mirror. Thread-level operations serialise on a per-thread lock.
type MemStore struct {
	mu      sync.RWMutex
	threads map[string]*memThread

	tok        Tokenizer
	summariser Summariser
	logger     *slog.Logger
}

type memThread struct {
	mu      sync.Mutex
	thread  Thread
	entries []MemoryEntry
}

var _ MemoryStore = (*MemStore)(nil)

// MemStoreOption configures a MemStore.
type MemStoreOption func(*MemStore)

// WithTokenizer sets the tokeniser used for entry token counts.
// Default: the len/4 byte approximation.
func WithTokenizer(t Tokenizer) MemStoreOption {
	return func(s *MemStore) { s.tok = t }
}

// WithSummariser wires a summariser for the summarised projection
// strategy. Without one the strategy degrades silently to recent.
func WithSummariser(sum Summariser) MemStoreOption {
	return func(s *MemStore) { s.summariser = sum }
}

// WithMemStoreLogger sets the structured logger for store operations.
func WithMemStoreLogger(l *slog.Logger) MemStoreOption {
	return func(s *MemStore) { s.logger = l }
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(opts ...MemStoreOption) *MemStore {
	s := &MemStore{
		threads: make(map[string]*memThread),
		tok:     ApproxTokenizer{},
		logger:  nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateThread implements MemoryStore. Always succeeds.
func (s *MemStore) CreateThread(_ context.Context, agentID string, metadata map[string]string) (Thread, error) {
	now := time.Now()
	th := Thread{
		ID:        NewID(),
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(metadata) > 0 {
		th.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			th.Metadata[k] = v
		}
	}
	s.mu.Lock()
	s.threads[th.ID] = &memThread{thread: th}
	s.mu.Unlock()
	s.logger.Debug("memstore: thread created", "thread_id", th.ID, "agent", agentID)
	return th, nil
}

// GetThread implements MemoryStore.
func (s *MemStore) GetThread(_ context.Context, threadID string) (Thread, error) {
	s.mu.RLock()
	mt, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok {
		return Thread{}, ErrNotFound
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.thread, nil
}

// AppendEntry implements MemoryStore. Appends serialise per thread so
// concurrent writers observe a total order.
func (s *MemStore) AppendEntry(_ context.Context, threadID string, msg Message, calls []ToolCall, results []ToolCallResult) (MemoryEntry, error) {
	s.mu.RLock()
	mt, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok {
		return MemoryEntry{}, ErrNotFound
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	now := time.Now()
	// Entries are ordered by CreatedAt; guard against clock ties by
	// nudging forward of the previous entry.
	if n := len(mt.entries); n > 0 && !now.After(mt.entries[n-1].CreatedAt) {
		now = mt.entries[n-1].CreatedAt.Add(time.Microsecond)
	}

	entry := MemoryEntry{
		ID:          NewID(),
		ThreadID:    threadID,
		Message:     msg,
		TokenCount:  MessageTokens(s.tok, msg),
		CreatedAt:   now,
		ToolCalls:   calls,
		ToolResults: results,
	}
	mt.entries = append(mt.entries, entry)
	mt.thread.UpdatedAt = now
	return entry, nil
}

// GetEntries implements MemoryStore.
func (s *MemStore) GetEntries(_ context.Context, threadID string, q EntryQuery) ([]MemoryEntry, error) {
	s.mu.RLock()
	mt, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	var out []MemoryEntry
	for _, e := range mt.entries {
		if !q.Before.IsZero() && !e.CreatedAt.Before(q.Before) {
			continue
		}
		if !q.After.IsZero() && !e.CreatedAt.After(q.After) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// ProjectContext implements MemoryStore. The recent strategy takes the
// newest suffix whose cumulative token count fits the budget. The
// summarised strategy reserves a fraction of the budget for a summary of
// the older prefix; without a summariser it degrades to recent.
func (s *MemStore) ProjectContext(ctx context.Context, threadID string, budget ContextBudget) ([]Message, error) {
	s.mu.RLock()
	mt, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	mt.mu.Lock()
	entries := make([]MemoryEntry, len(mt.entries))
	copy(entries, mt.entries)
	mt.mu.Unlock()

	return ProjectEntries(ctx, entries, budget, s.tok, s.summariser, s.logger)
}

// ProjectEntries budgets a chronological entry slice into messages. The
// recent strategy takes the newest suffix that fits; the summarised
// strategy reserves part of the budget for a summary of the older
// prefix, degrading to recent when summariser is nil or fails. Shared by
// every MemoryStore implementation so projection semantics stay uniform.
func ProjectEntries(ctx context.Context, entries []MemoryEntry, budget ContextBudget, tok Tokenizer, summariser Summariser, logger *slog.Logger) ([]Message, error) {
	if budget.MaxTokens <= 0 || len(entries) == 0 {
		return nil, nil
	}
	if tok == nil {
		tok = ApproxTokenizer{}
	}
	if logger == nil {
		logger = nopLogger
	}

	strategy := budget.Strategy
	if strategy == StrategySummarised && summariser == nil {
		strategy = StrategyRecent
	}

	tailBudget := budget.MaxTokens
	if strategy == StrategySummarised {
		tailBudget = budget.MaxTokens - int(float64(budget.MaxTokens)*summaryReserve)
	}

	// Walk backwards until the tail no longer fits.
	cut := len(entries)
	used := 0
	for cut > 0 {
		tc := entries[cut-1].TokenCount
		if used+tc > tailBudget {
			break
		}
		used += tc
		cut--
	}
	// Never split a tool-result entry from its call. When the cut lands
	// on a tool-role message its call did not fit, so drop the orphaned
	// results forward into the prefix; pulling the un-budgeted call back
	// in would exceed the budget.
	for cut > 0 && cut < len(entries) && entries[cut].Message.Role == RoleTool {
		cut++
	}

	var out []Message
	if strategy == StrategySummarised && cut > 0 {
		prefix := make([]Message, 0, cut)
		for _, e := range entries[:cut] {
			prefix = append(prefix, e.Message)
		}
		summary, err := summariser.Summarise(ctx, prefix)
		if err != nil {
			logger.Warn("memstore: summarise failed, degrading to recent", "error", err)
		} else if summary != "" {
			// Budget the summary on its plain text; markup is noise here.
			plain := markdownText(summary)
			reserve := budget.MaxTokens - tailBudget
			if tok.Count(plain) > reserve {
				plain = truncateToTokens(tok, plain, reserve)
			}
			out = append(out, SystemMessage("Summary of earlier conversation:\n"+plain))
		}
	}

	for _, e := range entries[cut:] {
		out = append(out, e.Message)
	}
	return out, nil
}

// DeleteThread implements MemoryStore. Idempotent.
func (s *MemStore) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	delete(s.threads, threadID)
	s.mu.Unlock()
	return nil
}

// truncateToTokens cuts s so that its token count fits the budget.
// Binary-searches the byte length; cheap enough for summary-sized text.
func truncateToTokens(tok Tokenizer, s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	lo, hi := 0, len(s)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if tok.Count(s[:mid]) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return strings.TrimSpace(s[:lo])
}
