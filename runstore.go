package relay

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemRunStore is the in-process RunStore. Suitable for tests and
// single-process deployments; the SQL stores persist the same shape.
type MemRunStore struct {
	mu   sync.RWMutex
	runs map[string]RunRecord
}

var _ RunStore = (*MemRunStore)(nil)

// NewMemRunStore creates an empty in-memory run store.
func NewMemRunStore() *MemRunStore {
	return &MemRunStore{runs: make(map[string]RunRecord)}
}

// Save implements RunStore.
func (s *MemRunStore) Save(_ context.Context, rec RunRecord) error {
	s.mu.Lock()
	s.runs[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

// Get implements RunStore.
func (s *MemRunStore) Get(_ context.Context, id string) (RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[id]
	if !ok {
		return RunRecord{}, ErrNotFound
	}
	return rec, nil
}

// Update implements RunStore. The patch runs under the store lock.
func (s *MemRunStore) Update(_ context.Context, id string, patch func(*RunRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	patch(&rec)
	s.runs[id] = rec
	return nil
}

// Delete implements RunStore. Idempotent.
func (s *MemRunStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
	return nil
}

// List implements RunStore.
func (s *MemRunStore) List(_ context.Context, f RunFilter) ([]RunRecord, error) {
	s.mu.RLock()
	var out []RunRecord
	for _, rec := range s.runs {
		if matchFilter(rec, f) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	desc := f.OrderDirection != OrderAsc
	byCompleted := f.OrderBy == "completed_at"
	sort.Slice(out, func(i, j int) bool {
		var ti, tj time.Time
		if byCompleted {
			if out[i].CompletedAt != nil {
				ti = *out[i].CompletedAt
			}
			if out[j].CompletedAt != nil {
				tj = *out[j].CompletedAt
			}
		} else {
			ti, tj = out[i].StartedAt, out[j].StartedAt
		}
		if ti.Equal(tj) {
			// Tie-break on ID: UUIDv7 order matches creation order.
			if desc {
				return out[i].ID > out[j].ID
			}
			return out[i].ID < out[j].ID
		}
		if desc {
			return ti.After(tj)
		}
		return ti.Before(tj)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Count implements RunStore.
func (s *MemRunStore) Count(_ context.Context, f RunFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.runs {
		if matchFilter(rec, f) {
			n++
		}
	}
	return n, nil
}

// GetStats implements RunStore.
func (s *MemRunStore) GetStats(_ context.Context, workflowName string) (RunStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := RunStats{ByStatus: make(map[RunStatus]int)}
	var totalMillis, finished int64
	for _, rec := range s.runs {
		if workflowName != "" && rec.WorkflowName != workflowName {
			continue
		}
		stats.Total++
		stats.ByStatus[rec.Status]++
		if rec.CompletedAt != nil {
			totalMillis += rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
			finished++
		}
	}
	if finished > 0 {
		stats.AvgMillis = totalMillis / finished
	}
	return stats, nil
}

// Cleanup implements RunStore.
func (s *MemRunStore) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, rec := range s.runs {
		if rec.Status.IsTerminal() && rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			delete(s.runs, id)
			deleted++
		}
	}
	return deleted, nil
}

// matchFilter reports whether a record satisfies every set filter field.
func matchFilter(rec RunRecord, f RunFilter) bool {
	if len(f.Status) > 0 {
		found := false
		for _, st := range f.Status {
			if rec.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.WorkflowName != "" && rec.WorkflowName != f.WorkflowName {
		return false
	}
	if f.TriggerID != "" && rec.TriggerID != f.TriggerID {
		return false
	}
	if f.ParentRunID != "" && rec.ParentRunID != f.ParentRunID {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range rec.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.StartedAfter.IsZero() && !rec.StartedAt.After(f.StartedAfter) {
		return false
	}
	if !f.StartedBefore.IsZero() && !rec.StartedAt.Before(f.StartedBefore) {
		return false
	}
	if !f.CompletedAfter.IsZero() && (rec.CompletedAt == nil || !rec.CompletedAt.After(f.CompletedAfter)) {
		return false
	}
	if !f.CompletedBefore.IsZero() && (rec.CompletedAt == nil || !rec.CompletedAt.Before(f.CompletedBefore)) {
		return false
	}
	if f.HasError != nil {
		if *f.HasError != (rec.Error != "") {
			return false
		}
	}
	return true
}
