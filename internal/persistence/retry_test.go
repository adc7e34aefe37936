package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
)

func TestIsSQLiteBusy(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":            {nil, false},
		"other":          {errors.New("no such table: task_runs"), false},
		"busy code":      {sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		"locked code":    {sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		"wrapped code":   {fmt.Errorf("claim frame: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), true},
		"constraint":     {sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		"flattened text": {errors.New("insert event: database is locked"), true},
	}
	for name, tc := range cases {
		if got := isSQLiteBusy(tc.err); got != tc.want {
			t.Errorf("%s: isSQLiteBusy(%v) = %v, want %v", name, tc.err, got, tc.want)
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	cases := []struct {
		name      string
		retries   int
		failures  int
		failWith  error
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", retries: 3, wantCalls: 1},
		{name: "busy then ok", retries: 3, failures: 2, failWith: busy, wantCalls: 3},
		{name: "other error is final", retries: 3, failures: 5, failWith: errors.New("boom"), wantCalls: 1, wantErr: true},
		{name: "exhausted", retries: 2, failures: 10, failWith: busy, wantCalls: 3, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tc.retries, func() error {
				calls++
				if calls <= tc.failures {
					return tc.failWith
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	if !errors.Is(err, context.Canceled) || !isSQLiteBusy(err) {
		t.Fatalf("err = %v, want busy joined with cancellation", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBusyDelay_Bounded(t *testing.T) {
	for attempt := 0; attempt < 70; attempt++ {
		d := busyDelay(attempt)
		if d <= 0 || d > busyMaxDelay+busyMaxDelay/4 {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
}

// TestRetryOnBusy_RealContention holds a write transaction on one
// connection while another store writes through retryOnBusy.
func TestRetryOnBusy_RealContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.db")
	holder, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open holder: %v", err)
	}
	defer holder.Close()
	writer, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer writer.Close()

	ctx := context.Background()
	conn, err := holder.db.Conn(ctx)
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	go func() {
		time.Sleep(150 * time.Millisecond)
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
	}()

	if err := writer.KVSet(ctx, "retry.k", "v"); err != nil {
		t.Fatalf("KVSet under contention: %v", err)
	}
}
