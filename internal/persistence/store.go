package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/basket/stackrun/internal/bus"
	"github.com/basket/stackrun/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// v1 schema: task_runs, stack_runs, task_locks and the stack_run_events audit trail.
	schemaVersionV1  = 1
	schemaChecksumV1 = "sr-v1-2026-09-02-continuation-core"

	// v2 schema: adds kv_store and schedules.
	schemaVersionV2  = 2
	schemaChecksumV2 = "sr-v2-2026-09-20-kv-schedules"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
	now func() time.Time
}

func DefaultDBPath() string {
	if override := os.Getenv("STACKRUN_HOME"); override != "" {
		return filepath.Join(override, "stackrun.db")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".stackrun", "stackrun.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, now: func() time.Time { return time.Now().UTC() }}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion > 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
		if maxVersion == schemaVersionLatest {
			return tx.Commit()
		}
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			task_name TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK(status IN ('queued', 'processing', 'completed', 'failed')),
			result TEXT,
			error TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			started_at DATETIME,
			ended_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS stack_runs (
			id TEXT PRIMARY KEY,
			parent_task_run_id TEXT NOT NULL REFERENCES task_runs(id),
			parent_stack_run_id TEXT REFERENCES stack_runs(id),
			service_name TEXT NOT NULL,
			method_name TEXT NOT NULL,
			args TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK(status IN ('pending', 'processing', 'suspended_waiting_child', 'pending_resume', 'completed', 'failed')),
			result TEXT,
			error TEXT,
			vm_state TEXT,
			waiting_on_stack_run_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			CHECK ((status = 'suspended_waiting_child') = (waiting_on_stack_run_id IS NOT NULL))
		);`,
		`CREATE TABLE IF NOT EXISTS task_locks (
			task_run_id TEXT PRIMARY KEY REFERENCES task_runs(id),
			locked_at DATETIME NOT NULL,
			locked_by TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS stack_run_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			stack_run_id TEXT NOT NULL REFERENCES stack_runs(id),
			task_run_id TEXT NOT NULL REFERENCES task_runs(id),
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			trace_id TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_created_at ON task_runs(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_stack_runs_status_created ON stack_runs(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_stack_runs_created_at ON stack_runs(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_stack_runs_parent_task ON stack_runs(parent_task_run_id, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_stack_runs_parent_stack ON stack_runs(parent_stack_run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_stack_runs_waiting_on ON stack_runs(waiting_on_stack_run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_stack_run_events_stack ON stack_run_events(stack_run_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_stack_run_events_task ON stack_run_events(task_run_id, event_id);`,

		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			cron_expr TEXT NOT NULL,
			task_name TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	for version := maxVersion + 1; version <= schemaVersionLatest; version++ {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, version, versionChecksums[version]); err != nil {
			return fmt.Errorf("record schema migration v%d: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// --- Transition tables ---

var allowedStackTransitions = map[StackRunStatus]map[StackRunStatus]struct{}{
	StackRunPending: {
		StackRunProcessing: {},
		StackRunFailed:     {}, // Watchdog.
	},
	StackRunProcessing: {
		StackRunCompleted: {},
		StackRunFailed:    {},
		StackRunSuspended: {},
	},
	StackRunSuspended: {
		StackRunPendingResume: {},
		StackRunFailed:        {},
	},
	StackRunPendingResume: {
		StackRunProcessing: {},
		StackRunFailed:     {},
	},
}

var allowedTaskTransitions = map[TaskRunStatus]map[TaskRunStatus]struct{}{
	TaskRunQueued: {
		TaskRunProcessing: {},
		TaskRunFailed:     {},
	},
	TaskRunProcessing: {
		TaskRunCompleted: {},
		TaskRunFailed:    {},
	},
}

func canTransition[S ~string](table map[S]map[S]struct{}, from, to S) bool {
	next, ok := table[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// --- Events ---

// StackRunEvent is one row of the stack_run_events audit trail.
type StackRunEvent struct {
	EventID    int64          `json:"event_id"`
	StackRunID string         `json:"stack_run_id"`
	TaskRunID  string         `json:"task_run_id"`
	EventType  string         `json:"event_type"`
	StateFrom  StackRunStatus `json:"state_from,omitempty"`
	StateTo    StackRunStatus `json:"state_to"`
	Payload    string         `json:"payload"`
	TraceID    string         `json:"trace_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Event types recorded in stack_run_events.
const (
	EventStackRunCreated    = "stackrun.created"
	EventStackRunClaimed    = "stackrun.claimed"
	EventStackRunSuspended  = "stackrun.suspended"
	EventStackRunResumed    = "stackrun.resumed"
	EventStackRunCompleted  = "stackrun.completed"
	EventStackRunFailed     = "stackrun.failed"
	EventPropagationAborted = "stackrun.propagation_aborted"
)

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, stackRunID, taskRunID string, from, to StackRunStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = taskRunID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stack_run_events (stack_run_id, task_run_id, event_type, state_from, state_to, payload_json, trace_id, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?);
	`, stackRunID, taskRunID, eventType, string(from), string(to), payload, traceID, s.now())
	if err != nil {
		return fmt.Errorf("insert stack_run_event: %w", err)
	}
	return nil
}

// RecordEvent appends an audit event for a frame without changing its status.
func (s *Store) RecordEvent(ctx context.Context, stackRunID, eventType, payload string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin record event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		var taskRunID string
		var status StackRunStatus
		if err := tx.QueryRowContext(ctx, `SELECT parent_task_run_id, status FROM stack_runs WHERE id = ?;`, stackRunID).Scan(&taskRunID, &status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select stack run for event: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, stackRunID, taskRunID, status, status, eventType, payload); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListEvents returns the audit trail of a task chain in insertion order.
func (s *Store) ListEvents(ctx context.Context, taskRunID string) ([]StackRunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, stack_run_id, task_run_id, event_type, COALESCE(state_from, ''), state_to, payload_json, COALESCE(trace_id, ''), created_at
		FROM stack_run_events
		WHERE task_run_id = ?
		ORDER BY event_id ASC;
	`, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []StackRunEvent
	for rows.Next() {
		var ev StackRunEvent
		if err := rows.Scan(&ev.EventID, &ev.StackRunID, &ev.TaskRunID, &ev.EventType, &ev.StateFrom, &ev.StateTo, &ev.Payload, &ev.TraceID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEvents counts events of one type for a frame.
func (s *Store) CountEvents(ctx context.Context, stackRunID, eventType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stack_run_events WHERE stack_run_id = ? AND event_type = ?;
	`, stackRunID, eventType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// --- publication ---

// publication is a bus event deferred until its transaction commits.
type publication struct {
	topic   string
	payload any
}

func (s *Store) publish(pubs []publication) {
	if s.bus == nil {
		return
	}
	for _, p := range pubs {
		s.bus.Publish(p.topic, p.payload)
	}
}

func stateChanged(stackRunID, taskRunID string, from, to StackRunStatus) publication {
	return publication{
		topic: bus.TopicStackRunStateChanged,
		payload: bus.StackRunStateChangedEvent{
			StackRunID: stackRunID,
			TaskRunID:  taskRunID,
			OldStatus:  string(from),
			NewStatus:  string(to),
		},
	}
}

// frameUpdate lists the optional column writes of a stack run transition.
type frameUpdate struct {
	result  *string
	errText *string
	vmState *string
	// waitingOn is written when moving into suspended_waiting_child and cleared otherwise.
	waitingOn string
	// expectWaitingOn guards resumption: the row must be waiting on this id.
	expectWaitingOn string
}

type transition struct {
	taskRunID        string
	parentStackRunID string
	from             StackRunStatus
}

func (s *Store) transitionStackRunTx(
	ctx context.Context,
	tx *sql.Tx,
	stackRunID string,
	allowedFrom []StackRunStatus,
	to StackRunStatus,
	eventType string,
	payload string,
	upd frameUpdate,
) (transition, bool, error) {
	var tr transition
	var waitingOn string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, parent_task_run_id, COALESCE(parent_stack_run_id, ''), COALESCE(waiting_on_stack_run_id, '')
		FROM stack_runs
		WHERE id = ?;
	`, stackRunID).Scan(&tr.from, &tr.taskRunID, &tr.parentStackRunID, &waitingOn); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tr, false, nil
		}
		return tr, false, fmt.Errorf("select stack run for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, tr.from) {
		return tr, false, nil
	}
	if upd.expectWaitingOn != "" && waitingOn != upd.expectWaitingOn {
		return tr, false, nil
	}
	if !canTransition(allowedStackTransitions, tr.from, to) {
		return tr, false, fmt.Errorf("illegal transition %s -> %s", tr.from, to)
	}

	nextWaiting := sql.NullString{}
	if to == StackRunSuspended {
		if upd.waitingOn == "" {
			return tr, false, fmt.Errorf("suspension of %s without a child", stackRunID)
		}
		nextWaiting = sql.NullString{String: upd.waitingOn, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE stack_runs
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			error = CASE WHEN ? THEN ? ELSE error END,
			vm_state = CASE WHEN ? THEN ? ELSE vm_state END,
			waiting_on_stack_run_id = ?,
			updated_at = ?
		WHERE id = ? AND status = ? AND COALESCE(waiting_on_stack_run_id, '') = ?;
	`, to,
		upd.result != nil, derefString(upd.result),
		upd.errText != nil, derefString(upd.errText),
		upd.vmState != nil, derefString(upd.vmState),
		nextWaiting, s.now(),
		stackRunID, tr.from, waitingOn)
	if err != nil {
		return tr, false, fmt.Errorf("update stack run transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return tr, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return tr, false, nil
	}
	if err := s.appendEventTx(ctx, tx, stackRunID, tr.taskRunID, tr.from, to, eventType, payload); err != nil {
		return tr, false, err
	}
	return tr, true, nil
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
