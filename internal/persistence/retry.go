package persistence

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// busyRetries bounds retryOnBusy for store writes. Five retries add about
// three seconds on top of the driver's busy_timeout.
const busyRetries = 5

const (
	busyBaseDelay = 50 * time.Millisecond
	busyMaxDelay  = 500 * time.Millisecond
)

// retryOnBusy reruns f while SQLite reports BUSY or LOCKED, backing off
// exponentially with jitter of a quarter either way. Any other error, or
// context cancellation, ends the loop.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt >= maxRetries {
			return err
		}
		timer := time.NewTimer(busyDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

func busyDelay(attempt int) time.Duration {
	d := busyBaseDelay << uint(attempt)
	if d <= 0 || d > busyMaxDelay {
		d = busyMaxDelay
	}
	return d - d/4 + time.Duration(rand.Int64N(int64(d/2)+1))
}

// isSQLiteBusy reports lock contention. Driver errors are matched by code,
// including extended codes such as SQLITE_BUSY_SNAPSHOT; the message check
// covers errors that were flattened to text by a wrapper.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
