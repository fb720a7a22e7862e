// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Conflict names why a write lost a race for the relay database.
type Conflict int

const (
	// NoConflict: the error is not a concurrency error.
	NoConflict Conflict = iota
	// ConflictBusy: another connection holds the write lock, typically the
	// delivery worker and an API enqueue writing jobs at the same time.
	ConflictBusy
	// ConflictLocked: a table lock held inside this process, e.g. a pause
	// sweep racing a pause update.
	ConflictLocked
)

func (c Conflict) String() string {
	switch c {
	case ConflictBusy:
		return "busy"
	case ConflictLocked:
		return "locked"
	default:
		return "none"
	}
}

// ClassifyConflict inspects err for SQLite busy/locked conditions. Driver
// errors are matched on their primary result code; errors that were
// flattened to text fall back to the driver's messages.
func ClassifyConflict(err error) Conflict {
	if err == nil {
		return NoConflict
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY:
			return ConflictBusy
		case sqlite3.SQLITE_LOCKED:
			return ConflictLocked
		}
		return NoConflict
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SQLITE_BUSY"), strings.Contains(msg, "database is locked"):
		return ConflictBusy
	case strings.Contains(msg, "SQLITE_LOCKED"), strings.Contains(msg, "database table is locked"):
		return ConflictLocked
	}
	return NoConflict
}

// IsSQLiteConflictError reports SQLite concurrency errors that warrant a retry.
func IsSQLiteConflictError(err error) bool {
	return ClassifyConflict(err) != NoConflict
}

// RetryPolicy bounds RetryOnConflict.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy retries three times starting at 50ms.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}

// RetryOnConflict runs op until it succeeds, returns a non-conflict error, or
// the policy is exhausted. Delays double after each conflict.
func RetryOnConflict(ctx context.Context, policy RetryPolicy, name string, op func(context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	var err error
	for i := 0; i < policy.MaxAttempts; i++ {
		err = op(ctx)
		conflict := ClassifyConflict(err)
		if conflict == NoConflict {
			return err
		}
		if i == policy.MaxAttempts-1 {
			break
		}
		delay := policy.BaseDelay * time.Duration(1<<i)
		slog.Debug("Database conflict, retrying", "op", name, "conflict", conflict.String(), "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
