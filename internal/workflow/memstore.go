package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/urbanreflex/reportflow/model"
)

// MemoryRunStore is an in-memory RunStore. Suitable for tests and
// single-instance deployments where history may be lost on restart.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string][]model.RunRecord // key: report ID
	ids  map[string]struct{}
}

// NewMemoryRunStore creates a new in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs: make(map[string][]model.RunRecord),
		ids:  make(map[string]struct{}),
	}
}

// Save records a run. Saving the same run ID twice is a conflict.
func (s *MemoryRunStore) Save(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[run.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("run %q already recorded", run.ID))
	}
	s.ids[run.ID] = struct{}{}
	s.runs[run.ReportID] = append(s.runs[run.ReportID], run)
	return nil
}

// ListByReport returns the newest runs for a report first.
func (s *MemoryRunStore) ListByReport(_ context.Context, reportID string, limit int) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.runs[reportID]
	result := make([]model.RunRecord, len(runs))
	copy(result, runs)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if limit = normalizeLimit(limit); limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryRunStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of runs. For testing.
func (s *MemoryRunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
