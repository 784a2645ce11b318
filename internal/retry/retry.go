// Package retry runs an operation with exponential backoff. Alert
// delivery uses it; the analysis pipeline itself never retries.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped
// error as-is when fn produces one.
func Permanent(err error) error { return &permanentError{err: err} }

// Do runs fn up to attempts times. After each failure it sleeps the
// current delay with jitter and doubles it for the next round. A nil
// return, a Permanent error, or context end stops the loop early.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(base << i)):
		}
	}
	return err
}

// jittered spreads d by up to a quarter either way so a burst of
// failures does not retry in lockstep.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	q := int64(d) / 4
	return time.Duration(int64(d) - q + rand.Int64N(2*q+1))
}
