package retry

import (
	"context"
	"time"
)

// Clock abstracts time so that waits can be driven by tests.
type Clock interface {
	Now() time.Time
	// After behaves like [time.After].
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep waits for d on clock, returning ctx.Err() if ctx is cancelled
// first.  A nil clock means [SystemClock].
func Sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if clock == nil {
		clock = SystemClock{}
	}
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
