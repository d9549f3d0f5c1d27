// Package retry runs an operation with exponentially backed-off attempts.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// maxSleep caps the backoff between attempts no matter how far the
// doubling has run.
const maxSleep = 2 * time.Second

// PermanentError marks its wrapped error as not worth another attempt.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// backoff picks the sleep before the next attempt, somewhere in
// [delay/2, delay] so synchronized contenders fan out instead of
// colliding again.
func backoff(delay time.Duration) time.Duration {
	return delay/2 + rand.N(delay/2+1)
}

// Do runs fn up to maxAttempts times, doubling baseDelay between
// attempts with jitter. It returns nil on the first success, the
// unwrapped error as soon as fn reports a PermanentError, and otherwise
// the last error once attempts run out. Cancellation during a backoff
// sleep stops the loop with the context error joined to the last
// attempt's error.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay < 0 {
		baseDelay = 0
	}

	delay := baseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if attempt >= maxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-time.After(backoff(delay)):
		}

		if delay *= 2; delay > maxSleep {
			delay = maxSleep
		}
	}
}
