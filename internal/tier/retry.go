package tier

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// isSerializationFailure returns true for Postgres error codes that indicate
// a transient conflict worth retrying.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// withSerializationRetry executes fn, retrying up to maxRetries times on
// serialization or deadlock errors with jittered exponential backoff.
func withSerializationRetry(ctx context.Context, maxRetries int, fn func() error) error {
	baseDelay := 10 * time.Millisecond
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
