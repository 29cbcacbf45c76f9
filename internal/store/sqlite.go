package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskwheel/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  function_name TEXT NOT NULL,
  parameters TEXT NOT NULL DEFAULT '{}',
  schedule_type TEXT NOT NULL CHECK(schedule_type IN ('once','interval','cron','daily','weekly','monthly')),
  schedule_config TEXT NOT NULL DEFAULT '{}',
  schedule_active INTEGER NOT NULL DEFAULT 1,
  priority TEXT NOT NULL DEFAULT 'normal' CHECK(priority IN ('low','normal','high','critical')),
  max_retries INTEGER NOT NULL DEFAULT 3,
  retry_delay INTEGER NOT NULL DEFAULT 60,
  timeout INTEGER NOT NULL DEFAULT 300,
  status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','running','completed','failed','retrying','cancelled')),
  next_run TEXT,
  last_run TEXT,
  last_result TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, schedule_active, next_run);
CREATE TABLE IF NOT EXISTS task_executions (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  started_at TEXT NOT NULL,
  completed_at TEXT,
  status TEXT NOT NULL CHECK(status IN ('running','completed','failed','cancelled')),
  result TEXT,
  error_message TEXT NOT NULL DEFAULT '',
  execution_time REAL NOT NULL DEFAULT 0,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_executions_task ON task_executions(task_id, started_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

// All timestamps are stored as RFC3339 UTC text so lexicographic comparison
// in SQL matches chronological order.
func timeToDB(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func ptrToDB(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToDB(*t), Valid: true}
}

func timeFromDB(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func ptrFromDB(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := timeFromDB(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func bagToDB(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling bag: %w", err)
	}
	return string(b), nil
}

func bagFromDB(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshaling bag: %w", err)
	}
	return m, nil
}

type SQLiteTaskStore struct{ db *sql.DB }

func NewSQLiteTaskStore(db *sql.DB) *SQLiteTaskStore { return &SQLiteTaskStore{db: db} }

const taskColumns = `id,name,description,function_name,parameters,schedule_type,schedule_config,schedule_active,
priority,max_retries,retry_delay,timeout,status,next_run,last_run,last_result,retry_count,error_message,created_at,updated_at`

func (r *SQLiteTaskStore) Create(ctx context.Context, t *domain.Task) error {
	params, err := bagToDB(t.Parameters)
	if err != nil {
		return err
	}
	schedCfg, err := bagToDB(t.ScheduleConfig)
	if err != nil {
		return err
	}
	result, err := bagToDB(t.LastResult)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Description, t.FunctionName, params, t.ScheduleType, schedCfg, t.ScheduleActive,
		t.Priority, t.MaxRetries, t.RetryDelay, t.Timeout, t.Status,
		ptrToDB(t.NextRun), ptrToDB(t.LastRun), result, t.RetryCount, t.ErrorMessage,
		timeToDB(t.CreatedAt), timeToDB(t.UpdatedAt))
	return err
}

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var params, schedCfg, result, createdAt, updatedAt string
	var nextRun, lastRun sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.FunctionName, &params, &t.ScheduleType, &schedCfg,
		&t.ScheduleActive, &t.Priority, &t.MaxRetries, &t.RetryDelay, &t.Timeout, &t.Status,
		&nextRun, &lastRun, &result, &t.RetryCount, &t.ErrorMessage, &createdAt, &updatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Parameters, err = bagFromDB(params); err != nil {
		return domain.Task{}, err
	}
	if t.ScheduleConfig, err = bagFromDB(schedCfg); err != nil {
		return domain.Task{}, err
	}
	if t.LastResult, err = bagFromDB(result); err != nil {
		return domain.Task{}, err
	}
	if t.NextRun, err = ptrFromDB(nextRun); err != nil {
		return domain.Task{}, err
	}
	if t.LastRun, err = ptrFromDB(lastRun); err != nil {
		return domain.Task{}, err
	}
	if t.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return domain.Task{}, err
	}
	if t.UpdatedAt, err = timeFromDB(updatedAt); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (r *SQLiteTaskStore) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrTaskNotFound
	}
	return t, err
}

func (r *SQLiteTaskStore) Update(ctx context.Context, t *domain.Task) error {
	params, err := bagToDB(t.Parameters)
	if err != nil {
		return err
	}
	schedCfg, err := bagToDB(t.ScheduleConfig)
	if err != nil {
		return err
	}
	result, err := bagToDB(t.LastResult)
	if err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET name=?,description=?,function_name=?,parameters=?,schedule_type=?,schedule_config=?,
schedule_active=?,priority=?,max_retries=?,retry_delay=?,timeout=?,status=?,next_run=?,last_run=?,
last_result=?,retry_count=?,error_message=?,updated_at=? WHERE id=?`,
		t.Name, t.Description, t.FunctionName, params, t.ScheduleType, schedCfg,
		t.ScheduleActive, t.Priority, t.MaxRetries, t.RetryDelay, t.Timeout, t.Status,
		ptrToDB(t.NextRun), ptrToDB(t.LastRun), result, t.RetryCount, t.ErrorMessage,
		timeToDB(t.UpdatedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *SQLiteTaskStore) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *SQLiteTaskStore) List(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if f.Status != "" {
		query += ` WHERE status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	} else if f.Offset > 0 {
		// SQLite requires a LIMIT clause before OFFSET; -1 means unbounded.
		query += ` LIMIT -1`
	}
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (r *SQLiteTaskStore) Due(ctx context.Context, now time.Time) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE schedule_active=1 AND next_run IS NOT NULL AND next_run <= ?
  AND status IN ('pending','retrying','completed')
ORDER BY CASE priority WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC,
  next_run ASC`, timeToDB(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (r *SQLiteTaskStore) SetScheduleActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET schedule_active=?, updated_at=? WHERE id=?`, active, timeToDB(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// RecoverStale resets tasks stranded in 'running' by a crashed process back
// to pending, due immediately, and fails their orphaned execution records.
// Call before the scheduler starts ticking.
func (r *SQLiteTaskStore) RecoverStale(ctx context.Context) (int, error) {
	now := timeToDB(time.Now())
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='pending', next_run=?, updated_at=? WHERE status='running'`, now, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	_, err = r.db.ExecContext(ctx, `
UPDATE task_executions SET status='failed', completed_at=?, error_message='interrupted by restart'
WHERE status='running'`, now)
	if err != nil {
		return int(n), err
	}
	return int(n), nil
}

func (r *SQLiteTaskStore) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.TaskStatus]int{}
	for rows.Next() {
		var status domain.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type SQLiteExecutionStore struct{ db *sql.DB }

func NewSQLiteExecutionStore(db *sql.DB) *SQLiteExecutionStore { return &SQLiteExecutionStore{db: db} }

const execColumns = `id,task_id,started_at,completed_at,status,result,error_message,execution_time`

func (r *SQLiteExecutionStore) Create(ctx context.Context, e *domain.TaskExecution) error {
	result, err := bagToDB(e.Result)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO task_executions (`+execColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, timeToDB(e.StartedAt), ptrToDB(e.CompletedAt), e.Status, result,
		e.ErrorMessage, e.ExecutionTime)
	return err
}

func (r *SQLiteExecutionStore) Update(ctx context.Context, e *domain.TaskExecution) error {
	result, err := bagToDB(e.Result)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE task_executions SET completed_at=?,status=?,result=?,error_message=?,execution_time=? WHERE id=?`,
		ptrToDB(e.CompletedAt), e.Status, result, e.ErrorMessage, e.ExecutionTime, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func scanExecution(row interface{ Scan(...any) error }) (domain.TaskExecution, error) {
	var e domain.TaskExecution
	var startedAt, result string
	var completedAt sql.NullString
	err := row.Scan(&e.ID, &e.TaskID, &startedAt, &completedAt, &e.Status, &result, &e.ErrorMessage, &e.ExecutionTime)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	if e.StartedAt, err = timeFromDB(startedAt); err != nil {
		return domain.TaskExecution{}, err
	}
	if e.CompletedAt, err = ptrFromDB(completedAt); err != nil {
		return domain.TaskExecution{}, err
	}
	if e.Result, err = bagFromDB(result); err != nil {
		return domain.TaskExecution{}, err
	}
	return e, nil
}

func (r *SQLiteExecutionStore) Get(ctx context.Context, id string) (domain.TaskExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+execColumns+` FROM task_executions WHERE id=?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskExecution{}, ErrExecutionNotFound
	}
	return e, err
}

func (r *SQLiteExecutionStore) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM task_executions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (r *SQLiteExecutionStore) ListByTask(ctx context.Context, taskID string, limit, offset int) ([]domain.TaskExecution, error) {
	query := `SELECT ` + execColumns + ` FROM task_executions WHERE task_id=? ORDER BY started_at DESC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	} else if offset > 0 {
		query += ` LIMIT -1`
	}
	if offset > 0 {
		query += ` OFFSET ?`
		args = append(args, offset)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var execs []domain.TaskExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func (r *SQLiteExecutionStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM task_executions WHERE status != 'running' AND started_at < ?`, timeToDB(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
