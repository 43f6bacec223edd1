package store

import (
	"context"
	"sync"

	"github.com/flytohub/flyto-core-sub001/internal/types"
)

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]types.Checkpoint
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]types.Checkpoint)}
}

// Save stores a copy of cp.
func (s *MemoryStore) Save(ctx context.Context, cp *types.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.RunID] = copyCheckpoint(cp)
	return nil
}

// Load returns a copy of the checkpoint for runID.
func (s *MemoryStore) Load(ctx context.Context, runID string) (*types.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[runID]
	if !ok {
		return nil, notFound(runID)
	}
	out := copyCheckpoint(&cp)
	return &out, nil
}

// Delete removes the checkpoint for runID.
func (s *MemoryStore) Delete(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[runID]; !ok {
		return notFound(runID)
	}
	delete(s.checkpoints, runID)
	return nil
}

func copyCheckpoint(cp *types.Checkpoint) types.Checkpoint {
	out := *cp
	out.Context = copyMap(cp.Context)
	out.Params = copyMap(cp.Params)
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
