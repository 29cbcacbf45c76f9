// Package scheduler runs the scheduling loop and worker pool. A Scheduler is
// an explicit object wired in main; there is no process-wide instance.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"taskwheel/internal/domain"
	"taskwheel/internal/metrics"
	"taskwheel/internal/registry"
	"taskwheel/internal/schedule"
	"taskwheel/internal/store"
)

var (
	ErrNotRegistered  = errors.New("task function not registered")
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNotStarted     = errors.New("scheduler not started")
	ErrAlreadyRunning = errors.New("task already running")
	ErrQueueFull      = errors.New("execution queue full")
)

type Config struct {
	Tick      time.Duration // scheduling loop interval
	Workers   int           // concurrent executions
	QueueSize int           // execution queue bound
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// dispatch carries a (task, execution) pair from the scheduling loop to a
// worker.
type dispatch struct {
	task domain.Task
	exec domain.TaskExecution
}

// execHandle is the running-set entry for one in-flight execution.
type execHandle struct {
	execID    string
	cancel    context.CancelFunc // set once a worker picks the task up
	cancelled bool               // cancellation requested
}

type Scheduler struct {
	cfg   Config
	tasks store.TaskRepository
	execs store.ExecutionRepository
	reg   *registry.Registry

	mu       sync.Mutex
	running  map[string]*execHandle // task id -> in-flight execution
	started  bool
	queue    chan dispatch
	stopTick chan struct{}

	loopWG sync.WaitGroup
	wg     sync.WaitGroup
}

func New(cfg Config, tasks store.TaskRepository, execs store.ExecutionRepository, reg *registry.Registry) *Scheduler {
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		tasks:   tasks,
		execs:   execs,
		reg:     reg,
		running: make(map[string]*execHandle),
	}
}

// Start launches the worker pool and the scheduling loop. It returns
// immediately; use Stop to drain.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.queue = make(chan dispatch, s.cfg.QueueSize)
	s.stopTick = make(chan struct{})
	s.started = true
	queue, stop := s.queue, s.stopTick
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(queue)
	}
	s.loopWG.Add(1)
	go s.run(queue, stop)

	log.Info().
		Dur("tick", s.cfg.Tick).
		Int("workers", s.cfg.Workers).
		Int("queue_size", s.cfg.QueueSize).
		Msg("scheduler started")
	return nil
}

// Stop halts the scheduling loop and blocks until every in-flight and queued
// execution has drained. Executions are never killed mid-run; ctx bounds only
// how long the caller waits.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopTick)
	queue := s.queue
	s.mu.Unlock()

	s.loopWG.Wait()
	close(queue)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("scheduler stopped, all executions drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(queue chan dispatch, stop <-chan struct{}) {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.dispatchDue(context.Background(), now)
		}
	}
}

// dispatchDue scans the store for due tasks and hands them to workers. The
// running set is filtered here rather than in the store because it is
// scheduler state.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) {
	due, err := s.tasks.Due(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch due tasks")
		return
	}
	for _, t := range due {
		err := s.dispatchOne(ctx, t, now, false)
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			// Still in flight from a previous tick.
		case errors.Is(err, ErrQueueFull):
			log.Warn().Str("task_id", t.ID).Msg("execution queue full, dispatch deferred to next tick")
		case err != nil:
			log.Error().Err(err).Str("task_id", t.ID).Msg("failed to dispatch task")
		}
	}
}

// dispatchOne creates the execution record, recomputes next_run before the
// outcome is known (recurring schedules keep ticking even when a run is slow
// or fails), and enqueues the pair. When force is set the task runs
// immediately and next_run is left untouched.
func (s *Scheduler) dispatchOne(ctx context.Context, t domain.Task, now time.Time, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}
	if _, inFlight := s.running[t.ID]; inFlight {
		return ErrAlreadyRunning
	}
	if len(s.queue) == cap(s.queue) {
		metrics.RecordDispatchSkip()
		return ErrQueueFull
	}

	exec := domain.TaskExecution{
		ID:        "exe_" + uuid.NewString(),
		TaskID:    t.ID,
		StartedAt: now.UTC(),
		Status:    domain.ExecRunning,
	}
	if err := s.execs.Create(ctx, &exec); err != nil {
		return err
	}

	t.Status = domain.StatusRunning
	if !force {
		spec, err := schedule.ParseSpec(t.ScheduleType, t.ScheduleConfig)
		if err != nil {
			// Config was validated at creation; a parse failure here means the
			// stored record is corrupt. Surface it instead of dispatching.
			_ = s.execs.Delete(ctx, exec.ID)
			return err
		}
		if next, ok := spec.Next(now); ok {
			next = next.UTC()
			t.NextRun = &next
		} else {
			t.NextRun = nil
		}
	}
	if err := s.tasks.Update(ctx, &t); err != nil {
		_ = s.execs.Delete(ctx, exec.ID)
		return err
	}

	s.running[t.ID] = &execHandle{execID: exec.ID}
	// The capacity check above runs under the same mutex as every sender, so
	// this send cannot block.
	s.queue <- dispatch{task: t, exec: exec}

	metrics.SetRunningTasks(len(s.running))
	metrics.SetQueueDepth(len(s.queue))

	log.Debug().
		Str("task_id", t.ID).
		Str("execution_id", exec.ID).
		Str("function", t.FunctionName).
		Bool("force", force).
		Msg("task dispatched")
	return nil
}

func (s *Scheduler) removeRunning(id string) {
	s.mu.Lock()
	delete(s.running, id)
	n := len(s.running)
	s.mu.Unlock()
	metrics.SetRunningTasks(n)
}
