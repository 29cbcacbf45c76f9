package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskwheel/internal/registry"
	"taskwheel/internal/scheduler"
	"taskwheel/internal/store"
)

type env struct {
	srv   http.Handler
	sched *scheduler.Scheduler
	reg   *registry.Registry
	tasks *store.MemoryTaskStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	tasks := store.NewMemoryTaskStore()
	execs := store.NewMemoryExecutionStore()
	reg := registry.New()
	reg.Register("noop", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	sched := scheduler.New(scheduler.Config{Tick: time.Hour}, tasks, execs, reg)
	require.NoError(t, sched.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})
	return &env{srv: NewServer(sched), sched: sched, reg: reg, tasks: tasks}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func (e *env) createNoop(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"name":          "noop task",
		"function":      "noop",
		"schedule_type": "once",
		"schedule_config": map[string]any{
			"run_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		},
		"timeout": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	return decode[map[string]any](t, rec)["id"].(string)
}

func TestCreateAndGetTask(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"name":            "every minute",
		"function":        "noop",
		"schedule_type":   "interval",
		"schedule_config": map[string]any{"seconds": 60},
		"priority":        "high",
		"max_retries":     2,
		"timeout":         30,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[map[string]any](t, rec)
	require.Equal(t, "pending", created["status"])
	require.Equal(t, "high", created["priority"])
	require.NotEmpty(t, created["next_run"])

	rec = e.do(t, http.MethodGet, "/api/tasks/"+created["id"].(string), nil)
	require.Equal(t, 200, rec.Code)
	got := decode[map[string]any](t, rec)
	require.Equal(t, "every minute", got["name"])
	require.Equal(t, "interval", got["schedule_type"])
}

func TestCreateTaskValidation(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"name":          "bad",
		"function":      "missing",
		"schedule_type": "once",
	})
	require.Equal(t, 400, rec.Code)
	require.Contains(t, rec.Body.String(), "not registered")

	rec = e.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"name":            "bad interval",
		"function":        "noop",
		"schedule_type":   "interval",
		"schedule_config": map[string]any{"seconds": 0},
	})
	require.Equal(t, 400, rec.Code)
}

func TestGetMissingTask(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/tasks/tsk_missing", nil)
	require.Equal(t, 404, rec.Code)
}

func TestListTasksFilter(t *testing.T) {
	e := newEnv(t)
	e.createNoop(t)
	e.createNoop(t)

	rec := e.do(t, http.MethodGet, "/api/tasks?status=pending", nil)
	require.Equal(t, 200, rec.Code)
	body := decode[map[string]any](t, rec)
	require.EqualValues(t, 2, body["count"])

	rec = e.do(t, http.MethodGet, "/api/tasks?status=failed", nil)
	body = decode[map[string]any](t, rec)
	require.EqualValues(t, 0, body["count"])
}

func TestExecuteAndHistory(t *testing.T) {
	e := newEnv(t)
	id := e.createNoop(t)

	rec := e.do(t, http.MethodPost, "/api/tasks/"+id+"/execute", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, true, decode[map[string]any](t, rec)["dispatched"])

	require.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, "/api/tasks/"+id, nil)
		return decode[map[string]any](t, rec)["status"] == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	rec = e.do(t, http.MethodGet, "/api/tasks/"+id+"/executions", nil)
	require.Equal(t, 200, rec.Code)
	body := decode[map[string]any](t, rec)
	require.EqualValues(t, 1, body["count"])
	execs := body["executions"].([]any)
	first := execs[0].(map[string]any)
	require.Equal(t, "completed", first["status"])
	require.NotEmpty(t, first["completed_at"])
}

func TestCancelTask(t *testing.T) {
	e := newEnv(t)
	id := e.createNoop(t)

	rec := e.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", nil)
	require.Equal(t, 200, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	require.Equal(t, "cancelled", decode[map[string]any](t, rec)["status"])

	// Already cancelled.
	rec = e.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteTask(t *testing.T) {
	e := newEnv(t)
	id := e.createNoop(t)

	rec := e.do(t, http.MethodDelete, "/api/tasks/"+id, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodDelete, "/api/tasks/"+id, nil)
	require.Equal(t, 404, rec.Code)
}

func TestDeleteRunningTaskConflict(t *testing.T) {
	e := newEnv(t)

	release := make(chan struct{})
	entered := make(chan struct{})
	e.reg.Register("hold", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		close(entered)
		<-release
		return nil, nil
	})
	defer close(release)

	rec := e.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"name":          "held",
		"function":      "hold",
		"schedule_type": "once",
		"timeout":       30,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[map[string]any](t, rec)["id"].(string)

	rec = e.do(t, http.MethodPost, "/api/tasks/"+id+"/execute", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-entered

	rec = e.do(t, http.MethodDelete, "/api/tasks/"+id, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	// A second execute while running is a conflict as well.
	rec = e.do(t, http.MethodPost, "/api/tasks/"+id+"/execute", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateTask(t *testing.T) {
	e := newEnv(t)
	id := e.createNoop(t)

	rec := e.do(t, http.MethodPatch, "/api/tasks/"+id, map[string]any{
		"name":     "renamed",
		"priority": "critical",
	})
	require.Equal(t, 200, rec.Code)
	got := decode[map[string]any](t, rec)
	require.Equal(t, "renamed", got["name"])
	require.Equal(t, "critical", got["priority"])

	rec = e.do(t, http.MethodPatch, "/api/tasks/"+id, map[string]any{
		"schedule_type":   "interval",
		"schedule_config": map[string]any{"seconds": -5},
	})
	require.Equal(t, 400, rec.Code)

	rec = e.do(t, http.MethodPatch, "/api/tasks/tsk_missing", map[string]any{"name": "x"})
	require.Equal(t, 404, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.createNoop(t)

	rec := e.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, 200, rec.Code)
	stats := decode[map[string]any](t, rec)
	require.Equal(t, true, stats["is_running"])
	require.EqualValues(t, 1, stats["total_tasks"])
	require.EqualValues(t, 0, stats["running_tasks"])
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, 200, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "taskwheel_")
}
