package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TaskLock is the advisory mutex over one task chain.
type TaskLock struct {
	TaskRunID string    `json:"task_run_id"`
	LockedAt  time.Time `json:"locked_at"`
	LockedBy  string    `json:"locked_by"`
}

// AcquireTaskLock inserts the lock row for taskRunID owned by owner. It
// returns false when another owner holds the lock. A positive staleAfter lets
// the caller reclaim a lock whose holder has not released it within that
// window.
func (s *Store) AcquireTaskLock(ctx context.Context, taskRunID, owner string, staleAfter time.Duration) (bool, error) {
	if owner == "" {
		return false, fmt.Errorf("acquire task lock: empty owner")
	}
	var acquired bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		acquired = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin lock tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now()
		if staleAfter > 0 {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM task_locks WHERE task_run_id = ? AND locked_at < ?;
			`, taskRunID, now.Add(-staleAfter)); err != nil {
				return fmt.Errorf("reclaim stale lock: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_locks (task_run_id, locked_at, locked_by)
			VALUES (?, ?, ?)
			ON CONFLICT(task_run_id) DO NOTHING;
		`, taskRunID, now, owner)
		if err != nil {
			return fmt.Errorf("insert task lock: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("task lock rows affected: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit lock tx: %w", err)
		}
		acquired = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseTaskLock deletes the lock row if owner still holds it.
func (s *Store) ReleaseTaskLock(ctx context.Context, taskRunID, owner string) (bool, error) {
	var released bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM task_locks WHERE task_run_id = ? AND locked_by = ?;
		`, taskRunID, owner)
		if err != nil {
			return fmt.Errorf("release task lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("release rows affected: %w", err)
		}
		released = n == 1
		return nil
	})
	return released, err
}

// GetTaskLock returns the current lock of a chain, or nil when unlocked.
func (s *Store) GetTaskLock(ctx context.Context, taskRunID string) (*TaskLock, error) {
	var l TaskLock
	err := s.db.QueryRowContext(ctx, `
		SELECT task_run_id, locked_at, locked_by FROM task_locks WHERE task_run_id = ?;
	`, taskRunID).Scan(&l.TaskRunID, &l.LockedAt, &l.LockedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task lock: %w", err)
	}
	return &l, nil
}
