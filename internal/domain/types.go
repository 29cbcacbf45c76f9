package domain

import "time"

// TaskStatus is the task-level state machine.
//
// completed is terminal for once-schedules only; recurring tasks become
// dispatchable again as soon as next_run arrives. failed and cancelled are
// terminal until an operator updates the task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusRetrying  TaskStatus = "retrying"
	StatusCancelled TaskStatus = "cancelled"
)

// ExecutionStatus is the per-attempt subset of the state machine.
type ExecutionStatus string

const (
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Priority orders tasks that are due on the same tick. It never preempts an
// in-flight execution.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight returns the dispatch-ordering weight; higher dispatches first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleWeekly   ScheduleType = "weekly"
	ScheduleMonthly  ScheduleType = "monthly"
)

// Task is a persistent definition plus its mutable runtime state.
type Task struct {
	ID           string
	Name         string
	Description  string
	FunctionName string
	Parameters   map[string]any

	ScheduleType   ScheduleType
	ScheduleConfig map[string]any
	ScheduleActive bool

	Priority   Priority
	MaxRetries int
	RetryDelay int // seconds
	Timeout    int // seconds

	Status       TaskStatus
	NextRun      *time.Time
	LastRun      *time.Time
	LastResult   map[string]any
	RetryCount   int
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Schedule returns the task's schedule projection.
func (t Task) Schedule() TaskSchedule {
	return TaskSchedule{
		TaskID: t.ID,
		Type:   t.ScheduleType,
		Config: t.ScheduleConfig,
		Active: t.ScheduleActive,
	}
}

// TaskExecution is one attempt to run a task's function.
type TaskExecution struct {
	ID            string
	TaskID        string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        ExecutionStatus
	Result        map[string]any
	ErrorMessage  string
	ExecutionTime float64 // seconds, derived from started_at/completed_at
}

// TaskSchedule is the (type, config, active) projection of a task. It exists
// so a schedule can be deactivated without touching the task's identity
// fields.
type TaskSchedule struct {
	TaskID string
	Type   ScheduleType
	Config map[string]any
	Active bool
}
