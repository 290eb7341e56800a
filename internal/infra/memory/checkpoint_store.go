package memory

import (
	"context"
	"sync"

	"github.com/EspenRiis/attensi-spin-sub000/internal/domain"
)

// CheckpointStore is an in-memory implementation of app.CheckpointStore.
// Checkpoints survive coordinator teardown but not a process restart; use the
// Redis store for durability.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]domain.Checkpoint
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		checkpoints: make(map[string]domain.Checkpoint),
	}
}

func (s *CheckpointStore) Save(_ context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.SessionID] = cp
	return nil
}

func (s *CheckpointStore) Load(_ context.Context, sessionID string) (domain.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[sessionID]
	return cp, ok, nil
}

func (s *CheckpointStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, sessionID)
	return nil
}
