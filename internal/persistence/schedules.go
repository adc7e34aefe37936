package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a cron-triggered task submission template.
type Schedule struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CronExpr  string          `json:"cron_expr"`
	TaskName  string          `json:"task_name"`
	Input     json.RawMessage `json:"input"`
	Enabled   bool            `json:"enabled"`
	NextRunAt *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// UpsertSchedule creates a schedule or replaces the definition of the
// schedule with the same name. Run timestamps of an existing schedule are
// kept unless sched.NextRunAt is set.
func (s *Store) UpsertSchedule(ctx context.Context, sched Schedule) (string, error) {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	input := sched.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var nextRun any
	if sched.NextRunAt != nil {
		nextRun = sched.NextRunAt.UTC()
	}
	var id string
	err := retryOnBusy(ctx, busyRetries, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, task_name, input, enabled, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				cron_expr = excluded.cron_expr,
				task_name = excluded.task_name,
				input = excluded.input,
				enabled = excluded.enabled,
				next_run_at = COALESCE(excluded.next_run_at, schedules.next_run_at),
				updated_at = excluded.updated_at
			RETURNING id;
		`, sched.ID, sched.Name, sched.CronExpr, sched.TaskName, string(input), boolToInt(sched.Enabled),
			nextRun, s.now(), s.now()).Scan(&id)
	})
	if err != nil {
		return "", fmt.Errorf("upsert schedule: %w", err)
	}
	return id, nil
}

// DeleteSchedule removes a schedule by ID.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

const scheduleColumns = `id, name, cron_expr, task_name, input, enabled, next_run_at, last_run_at, created_at, updated_at`

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var enabled int
		var input string
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.TaskName, &input, &enabled, &nextRun, &lastRun, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Input = json.RawMessage(input)
		sc.Enabled = enabled != 0
		if nextRun.Valid {
			t := nextRun.Time
			sc.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			sc.LastRunAt = &t
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	out, err := s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return out, nil
}

// DueSchedules returns enabled schedules with next_run_at <= now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	out, err := s.querySchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	return out, nil
}

// ClaimScheduleRun advances a due schedule from expectedNext to nextRun and
// stamps lastRun. It reports false when another worker already moved
// next_run_at, so each occurrence fires once across processes sharing the
// database.
func (s *Store) ClaimScheduleRun(ctx context.Context, id string, expectedNext, lastRun, nextRun time.Time) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ?
			WHERE id = ? AND enabled = 1 AND next_run_at = ?;
		`, lastRun.UTC(), nextRun.UTC(), s.now(), id, expectedNext.UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		claimed = n == 1
		return err
	})
	if err != nil {
		return false, fmt.Errorf("claim schedule run: %w", err)
	}
	return claimed, nil
}

// EnableSchedule sets a schedule's enabled flag. Re-enabling moves
// next_run_at to nextRun so missed occurrences are not replayed.
func (s *Store) EnableSchedule(ctx context.Context, id string, enabled bool, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?,
			next_run_at = CASE WHEN ? = 1 THEN ? ELSE next_run_at END,
			updated_at = ?
		WHERE id = ?;
	`, boolToInt(enabled), boolToInt(enabled), nextRun.UTC(), s.now(), id)
	if err != nil {
		return fmt.Errorf("enable schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSchedule returns one schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	out, err := s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	if len(out) == 0 {
		return Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return out[0], nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
