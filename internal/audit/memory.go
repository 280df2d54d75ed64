package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

// MemoryStore keeps traces in process. Default store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byTask map[string]domain.Trace
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTask: make(map[string]domain.Trace)}
}

func (s *MemoryStore) WriteBatch(_ context.Context, traces []domain.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(traces))
	for _, t := range traces {
		if _, ok := s.byTask[t.TaskID]; ok {
			return fmt.Errorf("task %s: %w", t.TaskID, ErrDuplicateTrace)
		}
		if _, ok := seen[t.TaskID]; ok {
			return fmt.Errorf("task %s: %w", t.TaskID, ErrDuplicateTrace)
		}
		seen[t.TaskID] = struct{}{}
	}
	for _, t := range traces {
		s.byTask[t.TaskID] = t
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (domain.Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byTask[taskID]
	if !ok {
		return domain.Trace{}, fmt.Errorf("task %s: %w", taskID, ErrTraceNotFound)
	}
	return t, nil
}

func (s *MemoryStore) Range(_ context.Context, r domain.TimeRange) ([]domain.Trace, error) {
	s.mu.RLock()
	out := make([]domain.Trace, 0)
	for _, t := range s.byTask {
		if r.Contains(t.RecordedAt) {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].ID < out[j].ID
	})
	if r.Limit > 0 && len(out) > r.Limit {
		out = out[:r.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTask)
}
