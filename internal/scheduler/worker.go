package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"taskwheel/internal/domain"
	"taskwheel/internal/metrics"
	"taskwheel/internal/registry"
)

func (s *Scheduler) worker(queue chan dispatch) {
	defer s.wg.Done()
	for d := range queue {
		metrics.SetQueueDepth(len(queue))
		s.execOne(context.Background(), d)
	}
}

type outcome struct {
	result map[string]any
	err    error
}

// invoke runs the task function with panic containment. When ctx expires
// before the function returns, invoke gives up waiting; the function may keep
// running in the background, but bookkeeping proceeds (weak cancellation).
func invoke(ctx context.Context, fn registry.TaskFunc, params map[string]any) (map[string]any, error) {
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("task function panic: %v", r)}
			}
		}()
		result, err := fn(ctx, params)
		ch <- outcome{result: result, err: err}
	}()
	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// execOne runs a single dispatched execution. A failure here is contained to
// this execution; the loop and the other workers continue.
func (s *Scheduler) execOne(ctx context.Context, d dispatch) {
	t := d.task

	s.mu.Lock()
	h, ok := s.running[t.ID]
	if !ok || h.execID != d.exec.ID {
		s.mu.Unlock()
		log.Error().Str("task_id", t.ID).Str("execution_id", d.exec.ID).Msg("dropping execution with no running-set entry")
		return
	}
	if h.cancelled {
		// Cancelled while still queued; never invoke the function.
		delete(s.running, t.ID)
		n := len(s.running)
		s.mu.Unlock()
		metrics.SetRunningTasks(n)
		s.finalizeCancelled(ctx, t, d.exec, time.Now())
		return
	}
	var runCtx context.Context
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(t.Timeout)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	h.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	fn, registered := s.reg.Resolve(t.FunctionName)
	if !registered {
		// Registry mutated after creation: a dispatch error is terminal, it
		// does not go through the retry path.
		s.removeRunning(t.ID)
		s.finalizeDispatchError(ctx, t, d.exec)
		return
	}

	started := time.Now()
	result, err := invoke(runCtx, fn, t.Parameters)
	dur := time.Since(started)

	s.mu.Lock()
	wasCancelled := h.cancelled
	delete(s.running, t.ID)
	n := len(s.running)
	s.mu.Unlock()
	metrics.SetRunningTasks(n)

	switch {
	case wasCancelled:
		s.finalizeCancelled(ctx, t, d.exec, started)
	case err == nil:
		s.finalizeSuccess(ctx, t, d.exec, result, started, dur)
	default:
		errMsg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			errMsg = fmt.Sprintf("timeout after %d seconds", t.Timeout)
		}
		s.finalizeFailure(ctx, t, d.exec, errMsg, started, dur)
	}
}

func (s *Scheduler) finishExecution(ctx context.Context, exec domain.TaskExecution, status domain.ExecutionStatus, result map[string]any, errMsg string, at time.Time) {
	done := at.UTC()
	exec.Status = status
	exec.CompletedAt = &done
	exec.Result = result
	exec.ErrorMessage = errMsg
	exec.ExecutionTime = done.Sub(exec.StartedAt).Seconds()
	if exec.ExecutionTime < 0 {
		exec.ExecutionTime = 0
	}
	if err := s.execs.Update(ctx, &exec); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("failed to record execution outcome")
	}
}

// refresh re-reads the task so a finalizer never clobbers operator updates
// made while the function was running.
func (s *Scheduler) refresh(ctx context.Context, t domain.Task) (domain.Task, bool) {
	fresh, err := s.tasks.Get(ctx, t.ID)
	if err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("task vanished during execution")
		return domain.Task{}, false
	}
	return fresh, true
}

func (s *Scheduler) finalizeSuccess(ctx context.Context, t domain.Task, exec domain.TaskExecution, result map[string]any, started time.Time, dur time.Duration) {
	s.finishExecution(ctx, exec, domain.ExecCompleted, result, "", started.Add(dur))
	metrics.RecordExecution(t.FunctionName, "completed", dur)

	fresh, ok := s.refresh(ctx, t)
	if !ok {
		return
	}
	startedAt := started.UTC()
	fresh.Status = domain.StatusCompleted
	fresh.RetryCount = 0
	fresh.ErrorMessage = ""
	fresh.LastRun = &startedAt
	fresh.LastResult = result
	if fresh.ScheduleType == domain.ScheduleOnce {
		fresh.NextRun = nil
	}
	if err := s.tasks.Update(ctx, &fresh); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to record task completion")
		return
	}
	log.Info().
		Str("task_id", t.ID).
		Str("function", t.FunctionName).
		Dur("duration", dur).
		Msg("task completed")
}

func (s *Scheduler) finalizeFailure(ctx context.Context, t domain.Task, exec domain.TaskExecution, errMsg string, started time.Time, dur time.Duration) {
	s.finishExecution(ctx, exec, domain.ExecFailed, nil, errMsg, started.Add(dur))

	fresh, ok := s.refresh(ctx, t)
	if !ok {
		return
	}
	startedAt := started.UTC()
	fresh.LastRun = &startedAt
	fresh.ErrorMessage = errMsg

	if fresh.RetryCount+1 <= fresh.MaxRetries {
		fresh.RetryCount++
		fresh.Status = domain.StatusRetrying
		next := time.Now().Add(time.Duration(fresh.RetryDelay) * time.Second).UTC()
		fresh.NextRun = &next
		metrics.RecordExecution(t.FunctionName, "retrying", dur)
		log.Warn().
			Str("task_id", t.ID).
			Str("function", t.FunctionName).
			Str("error", errMsg).
			Int("retry", fresh.RetryCount).
			Int("max_retries", fresh.MaxRetries).
			Time("next_run", next).
			Msg("task failed, retry scheduled")
	} else {
		fresh.Status = domain.StatusFailed
		fresh.NextRun = nil
		metrics.RecordExecution(t.FunctionName, "failed", dur)
		log.Error().
			Str("task_id", t.ID).
			Str("function", t.FunctionName).
			Str("error", errMsg).
			Int("retry_count", fresh.RetryCount).
			Msg("task failed, retries exhausted")
	}
	if err := s.tasks.Update(ctx, &fresh); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to record task failure")
	}
}

func (s *Scheduler) finalizeCancelled(ctx context.Context, t domain.Task, exec domain.TaskExecution, started time.Time) {
	s.finishExecution(ctx, exec, domain.ExecCancelled, nil, "cancelled", time.Now())
	metrics.RecordExecution(t.FunctionName, "cancelled", time.Since(started))

	fresh, ok := s.refresh(ctx, t)
	if !ok {
		return
	}
	fresh.Status = domain.StatusCancelled
	fresh.NextRun = nil
	if err := s.tasks.Update(ctx, &fresh); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to record task cancellation")
		return
	}
	log.Info().Str("task_id", t.ID).Str("function", t.FunctionName).Msg("task cancelled")
}

func (s *Scheduler) finalizeDispatchError(ctx context.Context, t domain.Task, exec domain.TaskExecution) {
	errMsg := fmt.Sprintf("task function %q not registered", t.FunctionName)
	s.finishExecution(ctx, exec, domain.ExecFailed, nil, errMsg, time.Now())
	metrics.RecordExecution(t.FunctionName, "failed", 0)

	fresh, ok := s.refresh(ctx, t)
	if !ok {
		return
	}
	fresh.Status = domain.StatusFailed
	fresh.NextRun = nil
	fresh.ErrorMessage = errMsg
	if err := s.tasks.Update(ctx, &fresh); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to record dispatch error")
		return
	}
	log.Error().Str("task_id", t.ID).Str("function", t.FunctionName).Msg("task function missing at dispatch time")
}
