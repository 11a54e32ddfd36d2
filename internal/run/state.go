package run

import (
	"context"
	"sync"
)

// StateHolder is the single-flight guard. TryAcquire must be an atomic
// compare-and-set: at most one caller holds it at a time.
type StateHolder interface {
	TryAcquire(ctx context.Context, runID string) (bool, error)
	Release(ctx context.Context, runID string) error
}

// LocalState guards runs within one process.
type LocalState struct {
	mu     sync.Mutex
	holder string
}

// NewLocalState returns a free LocalState.
func NewLocalState() *LocalState {
	return &LocalState{}
}

// TryAcquire implements StateHolder.
func (s *LocalState) TryAcquire(_ context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder != "" {
		return false, nil
	}
	s.holder = runID
	return true, nil
}

// Release implements StateHolder. Releasing a run that does not hold the
// state is a no-op.
func (s *LocalState) Release(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder == runID {
		s.holder = ""
	}
	return nil
}
