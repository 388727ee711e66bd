package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("version conflict")
)

// retryBackoffs is the schedule for transient connection failures: one
// retry per step, then the error surfaces as StorageUnavailable.
var retryBackoffs = []time.Duration{4 * time.Second, 8 * time.Second}

// withRetry runs fn, retrying on transient connection errors with the
// fixed backoff schedule. Context cancellation cuts the wait short.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	for _, backoff := range retryBackoffs {
		if err == nil || !transient(err) {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = fn(ctx)
	}
	return err
}

// transient reports whether err looks like a connection-level failure
// worth retrying, as opposed to a statement error.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 = connection exception, 57P0x = shutdown/crash.
		return len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57")
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}
