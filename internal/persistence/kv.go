package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at;
		`, key, val, s.now())
		if err != nil {
			return fmt.Errorf("kv set: %w", err)
		}
		return nil
	})
}

// KVGet retrieves a value from the kv_store. The bool is false when the key
// is absent.
func (s *Store) KVGet(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kv get: %w", err)
	}
	return val, true, nil
}

// KVDelete removes a key. Deleting a missing key is not an error.
func (s *Store) KVDelete(ctx context.Context, key string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
			return fmt.Errorf("kv delete: %w", err)
		}
		return nil
	})
}
