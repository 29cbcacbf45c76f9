// Package store defines the persistence contract for tasks and their
// execution history. The scheduling loop and worker pool depend only on these
// interfaces; SQLite backs production, the memory implementation backs tests.
package store

import (
	"context"
	"errors"
	"time"

	"taskwheel/internal/domain"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrExecutionNotFound = errors.New("execution not found")
)

// TaskFilter narrows List results. A zero Status means all statuses.
type TaskFilter struct {
	Status domain.TaskStatus
	Limit  int
	Offset int
}

type TaskRepository interface {
	Create(ctx context.Context, t *domain.Task) error
	Get(ctx context.Context, id string) (domain.Task, error)
	Update(ctx context.Context, t *domain.Task) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f TaskFilter) ([]domain.Task, error)

	// Due returns dispatchable tasks: active schedules whose next_run has
	// arrived and whose status is pending, retrying, or completed (a completed
	// recurring task re-arms on its next occurrence). Ordered by priority
	// weight descending, then next_run ascending.
	Due(ctx context.Context, now time.Time) ([]domain.Task, error)

	// SetScheduleActive toggles the schedule projection without touching the
	// task's identity or policy fields.
	SetScheduleActive(ctx context.Context, id string, active bool) error

	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)
}

type ExecutionRepository interface {
	Create(ctx context.Context, e *domain.TaskExecution) error
	Update(ctx context.Context, e *domain.TaskExecution) error
	Get(ctx context.Context, id string) (domain.TaskExecution, error)
	Delete(ctx context.Context, id string) error

	// ListByTask returns attempts for a task, newest first.
	ListByTask(ctx context.Context, taskID string, limit, offset int) ([]domain.TaskExecution, error)

	// DeleteOlderThan prunes finished attempts started before cutoff and
	// returns the number removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
