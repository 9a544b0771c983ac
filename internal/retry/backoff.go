// Package retry provides the retry policies used by the tunnel
// controller: a backoff loop that can run as a fixed reconnect delay,
// and a circuit breaker guarding the local forwarding target.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError wraps an error to signal that retrying will not help.
// Return [Permanent](err) from the operation function to stop retrying
// immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.  The backoff loop will return
// the inner error immediately without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff retries an operation with a fixed delay between attempts until
// it succeeds, returns a permanent error, or the context is cancelled.
type Backoff struct {
	// Delay is the wait between attempts; 0 retries immediately.
	Delay time.Duration
	// Clock drives the waits; nil means the wall clock.
	Clock Clock
	// OnRetry, if set, is called with the failed attempt's error before
	// each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Fixed returns a backoff that waits exactly d between attempts and
// never gives up.
func Fixed(d time.Duration) *Backoff {
	return &Backoff{Delay: d}
}

// Do executes fn until it succeeds, returns a permanent error, or ctx is
// cancelled.
//
// The attempt parameter passed to fn is 1-based.  On success fn should
// return nil.  To abort retrying, wrap the error with [Permanent].
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}

		if b.OnRetry != nil {
			b.OnRetry(attempt, err, b.Delay)
		}
		if serr := Sleep(ctx, b.Clock, b.Delay); serr != nil {
			return fmt.Errorf("retry cancelled: %w", serr)
		}
	}
}
