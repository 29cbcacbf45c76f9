package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskwheel/internal/domain"
)

// MemoryTaskStore is a mutex-guarded TaskRepository used by tests. It returns
// copies so callers never share mutable state with the store.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]domain.Task)}
}

func copyBag(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyTask(t domain.Task) domain.Task {
	t.Parameters = copyBag(t.Parameters)
	t.ScheduleConfig = copyBag(t.ScheduleConfig)
	t.LastResult = copyBag(t.LastResult)
	t.NextRun = copyTime(t.NextRun)
	t.LastRun = copyTime(t.LastRun)
	return t
}

func (s *MemoryTaskStore) Create(ctx context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = copyTask(*t)
	return nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, id string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, ErrTaskNotFound
	}
	return copyTask(t), nil
}

func (s *MemoryTaskStore) Update(ctx context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = copyTask(*t)
	return nil
}

func (s *MemoryTaskStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryTaskStore) List(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
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

func (s *MemoryTaskStore) Due(ctx context.Context, now time.Time) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if !t.ScheduleActive || t.NextRun == nil || t.NextRun.After(now) {
			continue
		}
		switch t.Status {
		case domain.StatusPending, domain.StatusRetrying, domain.StatusCompleted:
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		wi, wj := out[i].Priority.Weight(), out[j].Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return out[i].NextRun.Before(*out[j].NextRun)
	})
	return out, nil
}

func (s *MemoryTaskStore) SetScheduleActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.ScheduleActive = active
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return nil
}

func (s *MemoryTaskStore) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[domain.TaskStatus]int{}
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// MemoryExecutionStore is the ExecutionRepository counterpart.
type MemoryExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]domain.TaskExecution
}

func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{execs: make(map[string]domain.TaskExecution)}
}

func copyExecution(e domain.TaskExecution) domain.TaskExecution {
	e.Result = copyBag(e.Result)
	e.CompletedAt = copyTime(e.CompletedAt)
	return e
}

func (s *MemoryExecutionStore) Create(ctx context.Context, e *domain.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[e.ID] = copyExecution(*e)
	return nil
}

func (s *MemoryExecutionStore) Update(ctx context.Context, e *domain.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[e.ID]; !ok {
		return ErrExecutionNotFound
	}
	s.execs[e.ID] = copyExecution(*e)
	return nil
}

func (s *MemoryExecutionStore) Get(ctx context.Context, id string) (domain.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.execs[id]
	if !ok {
		return domain.TaskExecution{}, ErrExecutionNotFound
	}
	return copyExecution(e), nil
}

func (s *MemoryExecutionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[id]; !ok {
		return ErrExecutionNotFound
	}
	delete(s.execs, id)
	return nil
}

func (s *MemoryExecutionStore) ListByTask(ctx context.Context, taskID string, limit, offset int) ([]domain.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TaskExecution
	for _, e := range s.execs {
		if e.TaskID == taskID {
			out = append(out, copyExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryExecutionStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.execs {
		if e.Status != domain.ExecRunning && e.StartedAt.Before(cutoff) {
			delete(s.execs, id)
			n++
		}
	}
	return n, nil
}
