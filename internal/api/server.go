// Package api exposes the scheduler over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskwheel/internal/domain"
	"taskwheel/internal/metrics"
	"taskwheel/internal/scheduler"
	"taskwheel/internal/store"
)

type Server struct {
	r     *chi.Mux
	sched *scheduler.Scheduler
}

func NewServer(sched *scheduler.Scheduler) http.Handler {
	return NewServerWithDebug(sched, false)
}

func NewServerWithDebug(sched *scheduler.Scheduler, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, sched: sched}

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.createTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Patch("/tasks/{id}", s.updateTask)
		r.Delete("/tasks/{id}", s.deleteTask)
		r.Post("/tasks/{id}/execute", s.executeTask)
		r.Post("/tasks/{id}/cancel", s.cancelTask)
		r.Get("/tasks/{id}/executions", s.listExecutions)
		r.Get("/stats", s.getStats)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type taskResp struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Function       string         `json:"function"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	ScheduleType   string         `json:"schedule_type"`
	ScheduleConfig map[string]any `json:"schedule_config,omitempty"`
	ScheduleActive bool           `json:"schedule_active"`
	Priority       string         `json:"priority"`
	MaxRetries     int            `json:"max_retries"`
	RetryDelay     int            `json:"retry_delay"`
	Timeout        int            `json:"timeout"`
	Status         string         `json:"status"`
	NextRun        *string        `json:"next_run"`
	LastRun        *string        `json:"last_run"`
	LastResult     map[string]any `json:"last_result,omitempty"`
	RetryCount     int            `json:"retry_count"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

func rfc3339Ptr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toTaskResp(t domain.Task) taskResp {
	return taskResp{
		ID:             t.ID,
		Name:           t.Name,
		Description:    t.Description,
		Function:       t.FunctionName,
		Parameters:     t.Parameters,
		ScheduleType:   string(t.ScheduleType),
		ScheduleConfig: t.ScheduleConfig,
		ScheduleActive: t.ScheduleActive,
		Priority:       string(t.Priority),
		MaxRetries:     t.MaxRetries,
		RetryDelay:     t.RetryDelay,
		Timeout:        t.Timeout,
		Status:         string(t.Status),
		NextRun:        rfc3339Ptr(t.NextRun),
		LastRun:        rfc3339Ptr(t.LastRun),
		LastResult:     t.LastResult,
		RetryCount:     t.RetryCount,
		ErrorMessage:   t.ErrorMessage,
		CreatedAt:      t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type createTaskReq struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Function       string         `json:"function"`
	Parameters     map[string]any `json:"parameters"`
	ScheduleType   string         `json:"schedule_type"`
	ScheduleConfig map[string]any `json:"schedule_config"`
	Priority       string         `json:"priority"`
	MaxRetries     int            `json:"max_retries"`
	RetryDelay     int            `json:"retry_delay"`
	Timeout        int            `json:"timeout"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	task, err := s.sched.CreateTask(r.Context(), domain.Task{
		Name:           req.Name,
		Description:    req.Description,
		FunctionName:   req.Function,
		Parameters:     req.Parameters,
		ScheduleType:   domain.ScheduleType(req.ScheduleType),
		ScheduleConfig: req.ScheduleConfig,
		Priority:       domain.Priority(req.Priority),
		MaxRetries:     req.MaxRetries,
		RetryDelay:     req.RetryDelay,
		Timeout:        req.Timeout,
	})
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResp(task))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	tasks, err := s.sched.ListTasks(r.Context(), store.TaskFilter{
		Status: domain.TaskStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]taskResp, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResp(t))
	}
	writeJSON(w, 200, map[string]any{"tasks": out, "count": len(out)})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.GetTaskStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, toTaskResp(t))
}

type updateTaskReq struct {
	Name           *string        `json:"name"`
	Description    *string        `json:"description"`
	Function       *string        `json:"function"`
	Parameters     map[string]any `json:"parameters"`
	ScheduleType   *string        `json:"schedule_type"`
	ScheduleConfig map[string]any `json:"schedule_config"`
	ScheduleActive *bool          `json:"schedule_active"`
	Priority       *string        `json:"priority"`
	MaxRetries     *int           `json:"max_retries"`
	RetryDelay     *int           `json:"retry_delay"`
	Timeout        *int           `json:"timeout"`
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	upd := scheduler.UpdateRequest{
		Name:           req.Name,
		Description:    req.Description,
		FunctionName:   req.Function,
		Parameters:     req.Parameters,
		ScheduleConfig: req.ScheduleConfig,
		ScheduleActive: req.ScheduleActive,
		MaxRetries:     req.MaxRetries,
		RetryDelay:     req.RetryDelay,
		Timeout:        req.Timeout,
	}
	if req.ScheduleType != nil {
		st := domain.ScheduleType(*req.ScheduleType)
		upd.ScheduleType = &st
	}
	if req.Priority != nil {
		p := domain.Priority(*req.Priority)
		upd.Priority = &p
	}
	t, err := s.sched.UpdateTask(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		// Everything except a missing task is a validation failure here.
		if errors.Is(err, store.ErrTaskNotFound) {
			http.Error(w, "not found", 404)
		} else {
			http.Error(w, err.Error(), 400)
		}
		return
	}
	writeJSON(w, 200, toTaskResp(t))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	ok, err := s.sched.DeleteTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "task is running", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	ok, err := s.sched.ExecuteTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"dispatched": ok})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	ok, err := s.sched.CancelTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "task is not cancellable in its current state", http.StatusConflict)
		return
	}
	writeJSON(w, 200, map[string]any{"cancelled": true})
}

type executionResp struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	StartedAt     string         `json:"started_at"`
	CompletedAt   *string        `json:"completed_at"`
	Status        string         `json:"status"`
	Result        map[string]any `json:"result,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	execs, err := s.sched.ExecutionHistory(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]executionResp, 0, len(execs))
	for _, e := range execs {
		out = append(out, executionResp{
			ID:            e.ID,
			TaskID:        e.TaskID,
			StartedAt:     e.StartedAt.UTC().Format(time.RFC3339),
			CompletedAt:   rfc3339Ptr(e.CompletedAt),
			Status:        string(e.Status),
			Result:        e.Result,
			ErrorMessage:  e.ErrorMessage,
			ExecutionTime: e.ExecutionTime,
		})
	}
	writeJSON(w, 200, map[string]any{"executions": out, "count": len(out)})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sched.GetStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, stats)
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrTaskNotFound), errors.Is(err, store.ErrExecutionNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrNotStarted):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, scheduler.ErrNotRegistered):
		http.Error(w, err.Error(), 400)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
