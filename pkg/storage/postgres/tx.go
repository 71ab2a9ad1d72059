package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/lib/pq"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// ReadCommitted is the isolation for read-check-write sequences that take a
// row lock with SELECT ... FOR UPDATE. A waiter re-reads the committed row
// once the lock is released instead of aborting.
var ReadCommitted = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

// RetryBaseDelay is the first backoff between retried transactions
var RetryBaseDelay = 10 * time.Millisecond

// WithTx runs fn in a transaction, committing on success and rolling back
// on error or panic
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithRetryableTx is WithTx that retries the whole function when Postgres
// aborts it with a serialization failure or deadlock. onRetry may be nil.
func WithRetryableTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, attempts int, onRetry func(attempt int, err error), fn func(tx *sql.Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = WithTx(ctx, db, opts, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if werr := sleepCtx(ctx, backoff(attempt)); werr != nil {
			return werr
		}
	}
	return err
}

// backoff doubles per attempt with full jitter so that aborted transactions
// do not collide again in lockstep
func backoff(attempt int) time.Duration {
	d := RetryBaseDelay << (attempt - 1)
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsUniqueViolation reports whether err is a unique constraint violation
func IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

// IsRetryable reports whether err is a serialization failure or deadlock
func IsRetryable(err error) bool {
	return hasCode(err, codeSerializationFailure) || hasCode(err, codeDeadlockDetected)
}

func hasCode(err error, code string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return false
}
