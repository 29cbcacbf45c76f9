package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"taskwheel/internal/domain"
	"taskwheel/internal/schedule"
	"taskwheel/internal/store"
)

// CreateTask validates the function binding and schedule config, computes the
// first due time, and persists the task. A task whose config does not
// validate is never stored.
func (s *Scheduler) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.Name == "" {
		return domain.Task{}, fmt.Errorf("task name is required")
	}
	if _, ok := s.reg.Resolve(t.FunctionName); !ok {
		return domain.Task{}, fmt.Errorf("%w: %q", ErrNotRegistered, t.FunctionName)
	}
	spec, err := schedule.ParseSpec(t.ScheduleType, t.ScheduleConfig)
	if err != nil {
		return domain.Task{}, err
	}
	if t.MaxRetries < 0 || t.RetryDelay < 0 || t.Timeout < 0 {
		return domain.Task{}, fmt.Errorf("max_retries, retry_delay and timeout must be >= 0")
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityNormal
	}

	now := time.Now().UTC()
	t.ID = "tsk_" + uuid.NewString()
	t.Status = domain.StatusPending
	t.ScheduleActive = true
	t.RetryCount = 0
	t.ErrorMessage = ""
	t.LastRun = nil
	t.LastResult = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	if first, ok := spec.InitialRun(now); ok {
		first = first.UTC()
		t.NextRun = &first
	} else {
		t.NextRun = nil
	}

	if err := s.tasks.Create(ctx, &t); err != nil {
		return domain.Task{}, err
	}
	log.Info().
		Str("task_id", t.ID).
		Str("name", t.Name).
		Str("function", t.FunctionName).
		Str("schedule", string(t.ScheduleType)).
		Msg("task created")
	return t, nil
}

// UpdateRequest carries the partial fields of an update; nil pointers leave
// the field unchanged.
type UpdateRequest struct {
	Name           *string
	Description    *string
	FunctionName   *string
	Parameters     map[string]any
	ScheduleType   *domain.ScheduleType
	ScheduleConfig map[string]any
	ScheduleActive *bool
	Priority       *domain.Priority
	MaxRetries     *int
	RetryDelay     *int
	Timeout        *int
}

// UpdateTask applies a partial update. A schedule change recomputes next_run
// and revives a terminal task so the new schedule takes effect.
func (s *Scheduler) UpdateTask(ctx context.Context, id string, upd UpdateRequest) (domain.Task, error) {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}

	if upd.Name != nil {
		t.Name = *upd.Name
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.FunctionName != nil {
		if _, ok := s.reg.Resolve(*upd.FunctionName); !ok {
			return domain.Task{}, fmt.Errorf("%w: %q", ErrNotRegistered, *upd.FunctionName)
		}
		t.FunctionName = *upd.FunctionName
	}
	if upd.Parameters != nil {
		t.Parameters = upd.Parameters
	}
	if upd.Priority != nil {
		t.Priority = *upd.Priority
	}
	if upd.MaxRetries != nil {
		t.MaxRetries = *upd.MaxRetries
	}
	if upd.RetryDelay != nil {
		t.RetryDelay = *upd.RetryDelay
	}
	if upd.Timeout != nil {
		t.Timeout = *upd.Timeout
	}
	if upd.ScheduleActive != nil {
		t.ScheduleActive = *upd.ScheduleActive
	}

	schedChanged := false
	if upd.ScheduleType != nil {
		t.ScheduleType = *upd.ScheduleType
		schedChanged = true
	}
	if upd.ScheduleConfig != nil {
		t.ScheduleConfig = upd.ScheduleConfig
		schedChanged = true
	}
	if schedChanged {
		spec, err := schedule.ParseSpec(t.ScheduleType, t.ScheduleConfig)
		if err != nil {
			return domain.Task{}, err
		}
		now := time.Now().UTC()
		if first, ok := spec.InitialRun(now); ok {
			first = first.UTC()
			t.NextRun = &first
		} else {
			t.NextRun = nil
		}
		switch t.Status {
		case domain.StatusFailed, domain.StatusCancelled:
			t.Status = domain.StatusPending
			t.RetryCount = 0
			t.ErrorMessage = ""
		}
	}

	if err := s.tasks.Update(ctx, &t); err != nil {
		return domain.Task{}, err
	}
	log.Info().Str("task_id", t.ID).Bool("schedule_changed", schedChanged).Msg("task updated")
	return t, nil
}

// DeleteTask removes a task. It reports false, leaving the task untouched,
// while an execution is in flight.
func (s *Scheduler) DeleteTask(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	_, inFlight := s.running[id]
	s.mu.Unlock()
	if inFlight {
		return false, nil
	}
	if err := s.tasks.Delete(ctx, id); err != nil {
		return false, err
	}
	log.Info().Str("task_id", id).Msg("task deleted")
	return true, nil
}

// ExecuteTask force-dispatches a task immediately, ignoring next_run. The
// running-set exclusivity still applies.
func (s *Scheduler) ExecuteTask(ctx context.Context, id string) (bool, error) {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if err := s.dispatchOne(ctx, t, time.Now(), true); err != nil {
		return false, err
	}
	return true, nil
}

// CancelTask cancels a task. A queued or running execution is interrupted and
// finalized by its worker; a pending task is simply marked cancelled.
func (s *Scheduler) CancelTask(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	if h, inFlight := s.running[id]; inFlight {
		h.cancelled = true
		if h.cancel != nil {
			h.cancel()
		}
		s.mu.Unlock()
		log.Info().Str("task_id", id).Msg("cancellation requested for in-flight execution")
		return true, nil
	}
	s.mu.Unlock()

	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return false, err
	}
	switch t.Status {
	case domain.StatusPending, domain.StatusRetrying, domain.StatusCompleted:
		t.Status = domain.StatusCancelled
		t.NextRun = nil
		if err := s.tasks.Update(ctx, &t); err != nil {
			return false, err
		}
		log.Info().Str("task_id", id).Msg("task cancelled")
		return true, nil
	default:
		return false, nil
	}
}

// GetTaskStatus returns a consistent snapshot of the task.
func (s *Scheduler) GetTaskStatus(ctx context.Context, id string) (domain.Task, error) {
	return s.tasks.Get(ctx, id)
}

func (s *Scheduler) ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error) {
	return s.tasks.List(ctx, f)
}

// ExecutionHistory returns a task's attempts, newest first.
func (s *Scheduler) ExecutionHistory(ctx context.Context, taskID string, limit, offset int) ([]domain.TaskExecution, error) {
	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.execs.ListByTask(ctx, taskID, limit, offset)
}

type Stats struct {
	IsRunning           bool `json:"is_running"`
	TotalTasks          int  `json:"total_tasks"`
	CompletedTasks      int  `json:"completed_tasks"`
	FailedTasks         int  `json:"failed_tasks"`
	RunningTasks        int  `json:"running_tasks"`
	QueueSize           int  `json:"queue_size"`
	RegisteredFunctions int  `json:"registered_functions"`
}

// GetStats aggregates observability counts. RunningTasks is the size of the
// running set at the moment of the call.
func (s *Scheduler) GetStats(ctx context.Context) (Stats, error) {
	counts, err := s.tasks.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	s.mu.Lock()
	st := Stats{
		IsRunning:    s.started,
		RunningTasks: len(s.running),
	}
	if s.started {
		st.QueueSize = len(s.queue)
	}
	s.mu.Unlock()

	st.TotalTasks = total
	st.CompletedTasks = counts[domain.StatusCompleted]
	st.FailedTasks = counts[domain.StatusFailed]
	st.RegisteredFunctions = s.reg.Len()
	return st, nil
}
