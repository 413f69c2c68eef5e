// Package memory provides an in-memory checkpoint store for tests and dry
// runs.
package memory

import (
	"context"
	"sync"

	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
)

var _ genetree.CheckpointRepository = (*CheckpointStore)(nil)

// CheckpointStore provides a thread-safe in-memory implementation
// of genetree.CheckpointRepository.
type CheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]*genetree.Checkpoint
	saves       map[string]int
}

// NewCheckpointStore creates an empty in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		checkpoints: make(map[string]*genetree.Checkpoint),
		saves:       make(map[string]int),
	}
}

// Save stores a copy of cp so later mutations by the caller are not visible.
func (cs *CheckpointStore) Save(ctx context.Context, key string, cp *genetree.Checkpoint) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.checkpoints[key] = cp.Clone()
	cs.saves[key]++
	return nil
}

// Load returns a copy of the stored checkpoint, or an empty one.
func (cs *CheckpointStore) Load(ctx context.Context, key string) (*genetree.Checkpoint, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cp, ok := cs.checkpoints[key]
	if !ok {
		return genetree.NewCheckpoint(), nil
	}
	return cp.Clone(), nil
}

// Saves reports how many times key was saved.
func (cs *CheckpointStore) Saves(key string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.saves[key]
}
