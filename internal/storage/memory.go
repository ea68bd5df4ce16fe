package storage

import (
	"context"
	"sync"

	"github.com/firelinehq/fireline/internal/model"
)

// MemoryStore is the in-process RunStore and IdempotencyStore. A single
// reader/writer lock guards each map; records are copied out so no caller
// ever holds a reference into the table.
type MemoryStore struct {
	clock Clock

	mu   sync.RWMutex
	runs map[string]*model.RunRecord

	idemMu sync.RWMutex
	idem   map[string]IdemRecord
}

// NewMemoryStore creates an empty store. A nil clock defaults to WallClock.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = WallClock
	}
	return &MemoryStore{
		clock: clock,
		runs:  make(map[string]*model.RunRecord),
		idem:  make(map[string]IdemRecord),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := run
	s.runs[run.RunID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return model.RunRecord{}, ErrNotFound
	}
	return *r, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, runID string, status model.RunStatus, steps []model.StepResult) (model.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return model.RunRecord{}, ErrNotFound
	}
	if r.Status.Terminal() {
		return model.RunRecord{}, ErrRunFinished
	}
	if !r.Status.CanTransitionTo(status) {
		return model.RunRecord{}, ErrInvalidTransition
	}
	r.Status = status
	r.UpdatedAtMS = s.clock()
	if steps != nil {
		r.Steps = steps
	}
	return *r, nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, runID string) (model.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return model.RunRecord{}, ErrNotFound
	}
	if r.Status.Terminal() {
		return model.RunRecord{}, ErrRunFinished
	}
	r.CancelRequested = true
	if r.Status == model.RunStatusStarting || r.Status == model.RunStatusRunning {
		r.Status = model.RunStatusCanceling
		r.UpdatedAtMS = s.clock()
	}
	return *r, nil
}

func (s *MemoryStore) CancelRequested(_ context.Context, runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	return r.CancelRequested, nil
}

func (s *MemoryStore) LastRunSeq(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	for _, r := range s.runs {
		if r.Seq > max {
			max = r.Seq
		}
	}
	return max, nil
}

func (s *MemoryStore) GetIdempotency(_ context.Context, scopeKey string) (IdemRecord, error) {
	s.idemMu.RLock()
	defer s.idemMu.RUnlock()
	rec, ok := s.idem[scopeKey]
	if !ok {
		return IdemRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) PutIdempotency(_ context.Context, scopeKey string, rec IdemRecord) error {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	if _, exists := s.idem[scopeKey]; exists {
		return nil // first writer wins
	}
	s.idem[scopeKey] = rec
	return nil
}
