package relay

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Checkpoint captures a prefix of a workflow run's execution: the
// shared state snapshot taken just before a node executes. Replaying
// from a checkpoint reproduces the same output on deterministic nodes.
type Checkpoint struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id"`
	Seq       int       `json:"seq"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// CheckpointStore persists checkpoints as opaque blobs keyed by
// {runID, nodeID, seq}.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	// GetCheckpoint returns a checkpoint by ID, or ErrNotFound.
	GetCheckpoint(ctx context.Context, id string) (Checkpoint, error)
	// LatestCheckpoint returns the highest-seq checkpoint for a run,
	// or ErrNotFound when the run has none.
	LatestCheckpoint(ctx context.Context, runID string) (Checkpoint, error)
	// ListCheckpoints returns a run's checkpoints in seq order.
	ListCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error)
	// DeleteCheckpoints drops all checkpoints of a run. Idempotent.
	DeleteCheckpoints(ctx context.Context, runID string) error
}

// MemCheckpointStore is the in-process CheckpointStore.
type MemCheckpointStore struct {
	mu  sync.RWMutex
	cps map[string][]Checkpoint // runID -> checkpoints in append order
}

var _ CheckpointStore = (*MemCheckpointStore)(nil)

// NewMemCheckpointStore creates an empty in-memory checkpoint store.
func NewMemCheckpointStore() *MemCheckpointStore {
	return &MemCheckpointStore{cps: make(map[string][]Checkpoint)}
}

// SaveCheckpoint implements CheckpointStore.
func (s *MemCheckpointStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	s.cps[cp.RunID] = append(s.cps[cp.RunID], cp)
	s.mu.Unlock()
	return nil
}

// GetCheckpoint implements CheckpointStore.
func (s *MemCheckpointStore) GetCheckpoint(_ context.Context, id string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, list := range s.cps {
		for _, cp := range list {
			if cp.ID == id {
				return cp, nil
			}
		}
	}
	return Checkpoint{}, ErrNotFound
}

// LatestCheckpoint implements CheckpointStore.
func (s *MemCheckpointStore) LatestCheckpoint(_ context.Context, runID string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.cps[runID]
	if len(list) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	latest := list[0]
	for _, cp := range list[1:] {
		if cp.Seq > latest.Seq {
			latest = cp
		}
	}
	return latest, nil
}

// ListCheckpoints implements CheckpointStore.
func (s *MemCheckpointStore) ListCheckpoints(_ context.Context, runID string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := append([]Checkpoint(nil), s.cps[runID]...)
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	return list, nil
}

// DeleteCheckpoints implements CheckpointStore.
func (s *MemCheckpointStore) DeleteCheckpoints(_ context.Context, runID string) error {
	s.mu.Lock()
	delete(s.cps, runID)
	s.mu.Unlock()
	return nil
}
