package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/basket/stackrun/internal/bus"
	"github.com/google/uuid"
)

type TaskRunStatus string

const (
	TaskRunQueued     TaskRunStatus = "queued"
	TaskRunProcessing TaskRunStatus = "processing"
	TaskRunCompleted  TaskRunStatus = "completed"
	TaskRunFailed     TaskRunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TaskRunStatus) Terminal() bool {
	return s == TaskRunCompleted || s == TaskRunFailed
}

// TaskRun is one user-visible invocation of a named task.
type TaskRun struct {
	ID        string          `json:"id"`
	TaskName  string          `json:"task_name"`
	Input     json.RawMessage `json:"input"`
	Status    TaskRunStatus   `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

// NewTaskRun describes a submission. VMState seeds the root frame.
type NewTaskRun struct {
	TaskName string
	Input    json.RawMessage
	VMState  json.RawMessage
}

// TaskBodyArgs is the args payload of a task-body frame.
type TaskBodyArgs struct {
	Task  string          `json:"task"`
	Input json.RawMessage `json:"input"`
}

// CreateTaskRun inserts a queued TaskRun and its pending root frame in one
// transaction.
func (s *Store) CreateTaskRun(ctx context.Context, in NewTaskRun) (taskRunID, rootID string, err error) {
	if in.TaskName == "" {
		return "", "", fmt.Errorf("create task run: empty task name")
	}
	input := in.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if !json.Valid(input) {
		return "", "", fmt.Errorf("create task run: input is not valid JSON")
	}
	args, err := json.Marshal(TaskBodyArgs{Task: in.TaskName, Input: input})
	if err != nil {
		return "", "", fmt.Errorf("marshal root args: %w", err)
	}

	taskRunID = uuid.NewString()
	rootID = uuid.NewString()
	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_runs (id, task_name, input, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, taskRunID, in.TaskName, string(input), TaskRunQueued, now, now); err != nil {
			return fmt.Errorf("insert task run: %w", err)
		}
		if err := s.insertStackRunTx(ctx, tx, stackRunRow{
			id:          rootID,
			taskRunID:   taskRunID,
			serviceName: TaskBodyService,
			methodName:  TaskBodyMethod,
			args:        args,
			vmState:     in.VMState,
			createdAt:   now,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", "", err
	}

	s.publish([]publication{{
		topic: bus.TopicStackRunCreated,
		payload: bus.StackRunCreatedEvent{
			StackRunID: rootID,
			TaskRunID:  taskRunID,
		},
	}})
	return taskRunID, rootID, nil
}

const taskRunColumns = `id, task_name, input, status, COALESCE(result, ''), COALESCE(error, ''), created_at, updated_at, started_at, ended_at`

func scanTaskRun(scanFn func(dest ...any) error, tr *TaskRun) error {
	var input, result string
	var started, ended sql.NullTime
	if err := scanFn(&tr.ID, &tr.TaskName, &input, &tr.Status, &result, &tr.Error, &tr.CreatedAt, &tr.UpdatedAt, &started, &ended); err != nil {
		return err
	}
	tr.Input = json.RawMessage(input)
	if result != "" {
		tr.Result = json.RawMessage(result)
	}
	if started.Valid {
		t := started.Time
		tr.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time
		tr.EndedAt = &t
	}
	return nil
}

// GetTaskRun loads a TaskRun. Returns ErrNotFound when absent.
func (s *Store) GetTaskRun(ctx context.Context, id string) (*TaskRun, error) {
	var tr TaskRun
	row := s.db.QueryRowContext(ctx, `SELECT `+taskRunColumns+` FROM task_runs WHERE id = ?;`, id)
	if err := scanTaskRun(row.Scan, &tr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task run: %w", err)
	}
	return &tr, nil
}

// ListTaskRuns returns the most recent task runs, optionally filtered by status.
func (s *Store) ListTaskRuns(ctx context.Context, status TaskRunStatus, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskRunColumns+`
		FROM task_runs
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, string(status), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()
	var out []TaskRun
	for rows.Next() {
		var tr TaskRun
		if err := scanTaskRun(rows.Scan, &tr); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// transitionTaskRunTx moves a TaskRun between statuses with an optimistic
// status check, setting started_at on the first claim and ended_at on terminal
// transitions.
func (s *Store) transitionTaskRunTx(ctx context.Context, tx *sql.Tx, id string, allowedFrom []TaskRunStatus, to TaskRunStatus, result, errText *string) (bool, error) {
	var current TaskRunStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM task_runs WHERE id = ?;`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task run for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(allowedTaskTransitions, current, to) {
		return false, fmt.Errorf("illegal task run transition %s -> %s", current, to)
	}
	now := s.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE task_runs
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			error = CASE WHEN ? THEN ? ELSE error END,
			started_at = CASE WHEN ? THEN COALESCE(started_at, ?) ELSE started_at END,
			ended_at = CASE WHEN ? THEN ? ELSE ended_at END,
			updated_at = ?
		WHERE id = ? AND status = ?;
	`, to,
		result != nil, derefString(result),
		errText != nil, derefString(errText),
		to == TaskRunProcessing, now,
		to.Terminal(), now,
		now, id, current)
	if err != nil {
		return false, fmt.Errorf("update task run transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("task run rows affected: %w", err)
	}
	return affected == 1, nil
}

func taskRunFinished(taskRunID string, status TaskRunStatus) publication {
	topic := bus.TopicTaskRunCompleted
	if status == TaskRunFailed {
		topic = bus.TopicTaskRunFailed
	}
	return publication{
		topic:   topic,
		payload: bus.TaskRunFinishedEvent{TaskRunID: taskRunID, Status: string(status)},
	}
}

// TaskRunCounts returns the number of task runs per status.
func (s *Store) TaskRunCounts(ctx context.Context) (map[TaskRunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM task_runs GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task run counts: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskRunStatus]int)
	for rows.Next() {
		var st TaskRunStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan task run count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}
