package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/stackrun/internal/bus"
	"github.com/google/uuid"
)

type StackRunStatus string

const (
	StackRunPending       StackRunStatus = "pending"
	StackRunProcessing    StackRunStatus = "processing"
	StackRunSuspended     StackRunStatus = "suspended_waiting_child"
	StackRunPendingResume StackRunStatus = "pending_resume"
	StackRunCompleted     StackRunStatus = "completed"
	StackRunFailed        StackRunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s StackRunStatus) Terminal() bool {
	return s == StackRunCompleted || s == StackRunFailed
}

// Sentinel call descriptor of task-body frames.
const (
	TaskBodyService = "tasks"
	TaskBodyMethod  = "execute"
)

// StackRun is one continuation frame: a task-body execution or a single
// external service call.
type StackRun struct {
	ID               string          `json:"id"`
	TaskRunID        string          `json:"parent_task_run_id"`
	ParentStackRunID string          `json:"parent_stack_run_id,omitempty"`
	ServiceName      string          `json:"service_name"`
	MethodName       string          `json:"method_name"`
	Args             json.RawMessage `json:"args"`
	Status           StackRunStatus  `json:"status"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	VMState          json.RawMessage `json:"vm_state,omitempty"`
	WaitingOn        string          `json:"waiting_on_stack_run_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsRoot reports whether the frame is the root of its task chain.
func (f *StackRun) IsRoot() bool { return f.ParentStackRunID == "" }

// IsTaskBody reports whether the frame runs task code rather than a bare call.
func (f *StackRun) IsTaskBody() bool {
	return f.ServiceName == TaskBodyService && f.MethodName == TaskBodyMethod
}

type stackRunRow struct {
	id               string
	taskRunID        string
	parentStackRunID string
	serviceName      string
	methodName       string
	args             json.RawMessage
	vmState          json.RawMessage
	createdAt        time.Time
}

func (s *Store) insertStackRunTx(ctx context.Context, tx *sql.Tx, row stackRunRow) error {
	args := row.args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	vmState := sql.NullString{}
	if len(row.vmState) > 0 {
		vmState = sql.NullString{String: string(row.vmState), Valid: true}
	}
	parent := sql.NullString{}
	if row.parentStackRunID != "" {
		parent = sql.NullString{String: row.parentStackRunID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stack_runs (id, parent_task_run_id, parent_stack_run_id, service_name, method_name, args, status, vm_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, row.id, row.taskRunID, parent, row.serviceName, row.methodName, string(args), StackRunPending, vmState, row.createdAt, row.createdAt); err != nil {
		return fmt.Errorf("insert stack run: %w", err)
	}
	return s.appendEventTx(ctx, tx, row.id, row.taskRunID, "", StackRunPending, EventStackRunCreated,
		fmt.Sprintf(`{"service":%q,"method":%q}`, row.serviceName, row.methodName))
}

func stackRunColumns(alias string) string {
	cols := []string{
		"id", "parent_task_run_id", "COALESCE(%sparent_stack_run_id, '')", "service_name", "method_name", "args",
		"status", "COALESCE(%sresult, '')", "COALESCE(%serror, '')", "COALESCE(%svm_state, '')",
		"COALESCE(%swaiting_on_stack_run_id, '')", "created_at", "updated_at",
	}
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	for i, c := range cols {
		if strings.Contains(c, "%s") {
			cols[i] = fmt.Sprintf(c, prefix)
		} else {
			cols[i] = prefix + c
		}
	}
	return strings.Join(cols, ", ")
}

func scanStackRun(scanFn func(dest ...any) error, f *StackRun) error {
	var args, result, vmState string
	if err := scanFn(&f.ID, &f.TaskRunID, &f.ParentStackRunID, &f.ServiceName, &f.MethodName, &args,
		&f.Status, &result, &f.Error, &vmState, &f.WaitingOn, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return err
	}
	f.Args = json.RawMessage(args)
	if result != "" {
		f.Result = json.RawMessage(result)
	}
	if vmState != "" {
		f.VMState = json.RawMessage(vmState)
	}
	return nil
}

func (s *Store) queryStackRuns(ctx context.Context, query string, args ...any) ([]StackRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StackRun
	for rows.Next() {
		var f StackRun
		if err := scanStackRun(rows.Scan, &f); err != nil {
			return nil, fmt.Errorf("scan stack run: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetStackRun loads a frame. Returns ErrNotFound when absent.
func (s *Store) GetStackRun(ctx context.Context, id string) (*StackRun, error) {
	var f StackRun
	row := s.db.QueryRowContext(ctx, `SELECT `+stackRunColumns("")+` FROM stack_runs WHERE id = ?;`, id)
	if err := scanStackRun(row.Scan, &f); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("stack run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get stack run: %w", err)
	}
	return &f, nil
}

// ListStackRuns returns every frame of a task chain in creation order.
func (s *Store) ListStackRuns(ctx context.Context, taskRunID string) ([]StackRun, error) {
	out, err := s.queryStackRuns(ctx, `
		SELECT `+stackRunColumns("")+`
		FROM stack_runs
		WHERE parent_task_run_id = ?
		ORDER BY created_at ASC, rowid ASC;
	`, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("list stack runs: %w", err)
	}
	return out, nil
}

// RootStackRun returns the root frame of a task chain.
func (s *Store) RootStackRun(ctx context.Context, taskRunID string) (*StackRun, error) {
	var f StackRun
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stackRunColumns("")+`
		FROM stack_runs
		WHERE parent_task_run_id = ? AND parent_stack_run_id IS NULL;
	`, taskRunID)
	if err := scanStackRun(row.Scan, &f); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("root of task run %s: %w", taskRunID, ErrNotFound)
		}
		return nil, fmt.Errorf("get root stack run: %w", err)
	}
	return &f, nil
}

// chainHeadPredicate holds for a frame that no other dispatchable frame of the
// same task chain precedes in creation order.
const chainHeadPredicate = `
	s.status IN ('pending', 'pending_resume')
	AND NOT EXISTS (
		SELECT 1 FROM stack_runs o
		WHERE o.parent_task_run_id = s.parent_task_run_id
			AND o.status IN ('pending', 'pending_resume')
			AND (o.created_at < s.created_at OR (o.created_at = s.created_at AND o.rowid < s.rowid))
	)`

// NextDispatchable returns up to limit chain-head frames, oldest first.
func (s *Store) NextDispatchable(ctx context.Context, limit int) ([]StackRun, error) {
	if limit <= 0 {
		limit = 1
	}
	out, err := s.queryStackRuns(ctx, `
		SELECT `+stackRunColumns("s")+`
		FROM stack_runs s
		WHERE `+chainHeadPredicate+`
		ORDER BY s.created_at ASC, s.rowid ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("next dispatchable: %w", err)
	}
	return out, nil
}

// IsChainHead reports whether the frame is dispatchable now under the
// creation-order rule.
func (s *Store) IsChainHead(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stack_runs s WHERE s.id = ? AND `+chainHeadPredicate+`;
	`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("chain head check: %w", err)
	}
	return n == 1, nil
}

// CountDispatchable returns the number of pending or orphaned pending_resume frames.
func (s *Store) CountDispatchable(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stack_runs WHERE status IN ('pending', 'pending_resume');
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dispatchable: %w", err)
	}
	return n, nil
}

// ClaimStackRun moves a frame from the given status to processing. Claiming a
// root frame also moves its TaskRun from queued to processing.
func (s *Store) ClaimStackRun(ctx context.Context, id string, from StackRunStatus) (bool, error) {
	var claimed bool
	var pubs []publication
	err := retryOnBusy(ctx, busyRetries, func() error {
		claimed, pubs = false, nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		tr, ok, err := s.transitionStackRunTx(ctx, tx, id, []StackRunStatus{from}, StackRunProcessing,
			EventStackRunClaimed, "", frameUpdate{})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if tr.parentStackRunID == "" {
			if _, err := s.transitionTaskRunTx(ctx, tx, tr.taskRunID, []TaskRunStatus{TaskRunQueued}, TaskRunProcessing, nil, nil); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		claimed = true
		pubs = append(pubs, stateChanged(id, tr.taskRunID, tr.from, StackRunProcessing))
		return nil
	})
	if err != nil {
		return false, err
	}
	s.publish(pubs)
	return claimed, nil
}

// NewChild describes the frame created by a suspension.
type NewChild struct {
	ServiceName string
	MethodName  string
	Args        json.RawMessage
	// VMState seeds nested task-body children.
	VMState json.RawMessage
}

// SuspendStackRun creates the child frame and moves the parent from
// processing to suspended_waiting_child in a single transaction, so neither
// state is observable without the other.
func (s *Store) SuspendStackRun(ctx context.Context, parentID string, child NewChild, parentVMState json.RawMessage) (string, bool, error) {
	if child.ServiceName == "" || child.MethodName == "" {
		return "", false, fmt.Errorf("suspend %s: empty call descriptor", parentID)
	}
	childID := uuid.NewString()
	var suspended bool
	var pubs []publication
	err := retryOnBusy(ctx, busyRetries, func() error {
		suspended, pubs = false, nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin suspend tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var taskRunID string
		if err := tx.QueryRowContext(ctx, `SELECT parent_task_run_id FROM stack_runs WHERE id = ?;`, parentID).Scan(&taskRunID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select parent for suspension: %w", err)
		}
		if err := s.insertStackRunTx(ctx, tx, stackRunRow{
			id:               childID,
			taskRunID:        taskRunID,
			parentStackRunID: parentID,
			serviceName:      child.ServiceName,
			methodName:       child.MethodName,
			args:             child.Args,
			vmState:          child.VMState,
			createdAt:        s.now(),
		}); err != nil {
			return err
		}
		vmState := string(parentVMState)
		payload := fmt.Sprintf(`{"child":%q,"service":%q,"method":%q}`, childID, child.ServiceName, child.MethodName)
		tr, ok, err := s.transitionStackRunTx(ctx, tx, parentID, []StackRunStatus{StackRunProcessing}, StackRunSuspended,
			EventStackRunSuspended, payload, frameUpdate{vmState: &vmState, waitingOn: childID})
		if err != nil {
			return err
		}
		if !ok {
			// Rollback discards the child row.
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit suspend tx: %w", err)
		}
		suspended = true
		pubs = append(pubs,
			stateChanged(parentID, tr.taskRunID, tr.from, StackRunSuspended),
			publication{
				topic: bus.TopicStackRunCreated,
				payload: bus.StackRunCreatedEvent{
					StackRunID:       childID,
					TaskRunID:        tr.taskRunID,
					ParentStackRunID: parentID,
				},
			},
		)
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if !suspended {
		return "", false, nil
	}
	s.publish(pubs)
	return childID, true, nil
}

// ResumeStackRun moves a parent waiting on childID to pending_resume, clears
// waiting_on and stores the updated vm_state. A parent no longer waiting on
// childID is left untouched.
func (s *Store) ResumeStackRun(ctx context.Context, parentID, childID string, vmState json.RawMessage) (bool, error) {
	if childID == "" {
		return false, fmt.Errorf("resume %s: empty child id", parentID)
	}
	var resumed bool
	var pubs []publication
	err := retryOnBusy(ctx, busyRetries, func() error {
		resumed, pubs = false, nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resume tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		state := string(vmState)
		tr, ok, err := s.transitionStackRunTx(ctx, tx, parentID, []StackRunStatus{StackRunSuspended}, StackRunPendingResume,
			EventStackRunResumed, fmt.Sprintf(`{"child":%q}`, childID),
			frameUpdate{vmState: &state, expectWaitingOn: childID})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit resume tx: %w", err)
		}
		resumed = true
		pubs = append(pubs, stateChanged(parentID, tr.taskRunID, tr.from, StackRunPendingResume))
		return nil
	})
	if err != nil {
		return false, err
	}
	s.publish(pubs)
	return resumed, nil
}

// CompleteStackRun moves a processing frame to completed. When finishTask is
// set the owning TaskRun completes with the same result in the same
// transaction.
func (s *Store) CompleteStackRun(ctx context.Context, id string, result json.RawMessage, finishTask bool) (bool, error) {
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	var completed bool
	var pubs []publication
	err := retryOnBusy(ctx, busyRetries, func() error {
		completed, pubs = false, nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res := string(result)
		tr, ok, err := s.transitionStackRunTx(ctx, tx, id, []StackRunStatus{StackRunProcessing}, StackRunCompleted,
			EventStackRunCompleted, "", frameUpdate{result: &res})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		pubs = append(pubs, stateChanged(id, tr.taskRunID, tr.from, StackRunCompleted))
		if finishTask {
			done, err := s.transitionTaskRunTx(ctx, tx, tr.taskRunID,
				[]TaskRunStatus{TaskRunQueued, TaskRunProcessing}, TaskRunCompleted, &res, nil)
			if err != nil {
				return err
			}
			if done {
				pubs = append(pubs, taskRunFinished(tr.taskRunID, TaskRunCompleted))
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit complete tx: %w", err)
		}
		completed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	s.publish(pubs)
	return completed, nil
}

// FailStackRun moves a non-terminal frame to failed and clears waiting_on.
// When finishTask is set the owning TaskRun fails with the same error.
func (s *Store) FailStackRun(ctx context.Context, id string, errText string, finishTask bool) (bool, error) {
	var failed bool
	var pubs []publication
	err := retryOnBusy(ctx, busyRetries, func() error {
		failed, pubs = false, nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		tr, ok, err := s.transitionStackRunTx(ctx, tx, id,
			[]StackRunStatus{StackRunPending, StackRunProcessing, StackRunSuspended, StackRunPendingResume},
			StackRunFailed, EventStackRunFailed, "", frameUpdate{errText: &errText})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		pubs = append(pubs, stateChanged(id, tr.taskRunID, tr.from, StackRunFailed))
		if finishTask {
			done, err := s.transitionTaskRunTx(ctx, tx, tr.taskRunID,
				[]TaskRunStatus{TaskRunQueued, TaskRunProcessing}, TaskRunFailed, nil, &errText)
			if err != nil {
				return err
			}
			if done {
				pubs = append(pubs, taskRunFinished(tr.taskRunID, TaskRunFailed))
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit fail tx: %w", err)
		}
		failed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	s.publish(pubs)
	return failed, nil
}

// FindWaitingParent returns the frame whose waiting_on_stack_run_id equals
// childID, or nil when no frame waits on it.
func (s *Store) FindWaitingParent(ctx context.Context, childID string) (*StackRun, error) {
	var f StackRun
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stackRunColumns("")+`
		FROM stack_runs
		WHERE waiting_on_stack_run_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1;
	`, childID)
	if err := scanStackRun(row.Scan, &f); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find waiting parent: %w", err)
	}
	return &f, nil
}

// ListStrandedChildren returns terminal frames whose parent is still
// suspended waiting on them. A worker that stopped between committing the
// child and transitioning the parent leaves this shape behind.
func (s *Store) ListStrandedChildren(ctx context.Context) ([]StackRun, error) {
	out, err := s.queryStackRuns(ctx, `
		SELECT `+stackRunColumns("c")+`
		FROM stack_runs p
		JOIN stack_runs c ON c.id = p.waiting_on_stack_run_id
		WHERE p.status = ? AND c.status IN (?, ?)
		ORDER BY c.updated_at ASC, c.rowid ASC;
	`, StackRunSuspended, StackRunCompleted, StackRunFailed)
	if err != nil {
		return nil, fmt.Errorf("list stranded children: %w", err)
	}
	return out, nil
}

// StackRunDepth counts the ancestors of a frame. The walk gives up past
// limit and reports limit+1, so a malformed parent link cannot loop.
func (s *Store) StackRunDepth(ctx context.Context, id string, limit int) (int, error) {
	var depth sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		WITH RECURSIVE chain(id, parent, depth) AS (
			SELECT id, parent_stack_run_id, 0 FROM stack_runs WHERE id = ?
			UNION ALL
			SELECT s.id, s.parent_stack_run_id, chain.depth + 1
			FROM stack_runs s JOIN chain ON s.id = chain.parent
			WHERE chain.depth <= ?
		)
		SELECT MAX(depth) FROM chain;
	`, id, limit).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("stack run depth: %w", err)
	}
	if !depth.Valid {
		return 0, ErrNotFound
	}
	return int(depth.Int64), nil
}

// ListStaleStackRuns returns frames in the given statuses not updated since
// before cutoff. Used by the watchdog.
func (s *Store) ListStaleStackRuns(ctx context.Context, statuses []StackRunStatus, cutoff time.Time) ([]StackRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, cutoff)
	out, err := s.queryStackRuns(ctx, `
		SELECT `+stackRunColumns("")+`
		FROM stack_runs
		WHERE status IN (`+placeholders+`) AND updated_at < ?
		ORDER BY updated_at ASC, rowid ASC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale stack runs: %w", err)
	}
	return out, nil
}
