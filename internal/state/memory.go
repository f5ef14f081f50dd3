package state

import (
	"context"
	"sync"
	"time"

	"github.com/chainflow-ai/chainflow/internal/variable"
)

// MemoryStore keeps records in process memory. Default for tests and
// one-shot runs.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]RunRecord
	latest map[string]string
	vars   map[string]map[string]variable.Variable
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]RunRecord),
		latest: make(map[string]string),
		vars:   make(map[string]map[string]variable.Variable),
	}
}

func (s *MemoryStore) SaveRun(_ context.Context, record RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.runs[record.RunID]; ok {
		record.CreatedAt = existing.CreatedAt
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	s.runs[record.RunID] = record
	if record.FlowID != "" {
		s.latest[record.FlowID] = record.RunID
	}
	return nil
}

func (s *MemoryStore) LoadRun(_ context.Context, runID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return &record, nil
}

func (s *MemoryStore) LoadLatest(_ context.Context, flowID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runID, ok := s.latest[flowID]
	if !ok {
		return nil, ErrNotFound
	}
	record := s.runs[runID]
	return &record, nil
}

func (s *MemoryStore) SaveVariables(_ context.Context, scope string, vars map[string]variable.Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]variable.Variable, len(vars))
	for name, v := range vars {
		copied[name] = v
	}
	s.vars[scope] = copied
	return nil
}

func (s *MemoryStore) LoadVariables(_ context.Context, scope string) (map[string]variable.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.vars[scope]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make(map[string]variable.Variable, len(stored))
	for name, v := range stored {
		copied[name] = v
	}
	return copied, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Ping(context.Context) error { return nil }
