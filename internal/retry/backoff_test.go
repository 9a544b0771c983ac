package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBackoff_SuccessAfterRetries(t *testing.T) {
	b := Fixed(time.Millisecond)
	calls := 0

	err := b.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestBackoff_ImmediateSuccess(t *testing.T) {
	b := Fixed(0)

	err := b.Do(context.Background(), func(_ int) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBackoff_PermanentError(t *testing.T) {
	b := Fixed(0)
	calls := 0

	err := b.Do(context.Background(), func(_ int) error {
		calls++
		return Permanent(fmt.Errorf("fatal"))
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "fatal" {
		t.Errorf("expected 'fatal', got %q", err.Error())
	}
	if calls != 1 {
		t.Errorf("permanent error should stop after 1 call, got %d", calls)
	}
}

func TestBackoff_ContextCancelled(t *testing.T) {
	b := Fixed(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.Do(ctx, func(_ int) error {
		return fmt.Errorf("fail")
	})

	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestPermanent_Nil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"permanent", Permanent(fmt.Errorf("x")), true},
		{"not permanent", fmt.Errorf("x"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFixed_ConstantDelay(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	b := Fixed(5 * time.Second)
	b.Clock = clock

	var starts []time.Time
	err := b.Do(context.Background(), func(attempt int) error {
		starts = append(starts, clock.Now())
		if attempt < 4 {
			return fmt.Errorf("refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(starts) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(starts))
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap != 5*time.Second {
			t.Errorf("gap %d = %v, want 5s", i, gap)
		}
	}
}

func TestBackoff_ZeroValueRetriesImmediately(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	b := &Backoff{Clock: clock}

	calls := 0
	_ = b.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 2 {
			return fmt.Errorf("fail")
		}
		return nil
	})
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if len(clock.Sleeps()) != 0 {
		t.Errorf("sleeps = %v, want none", clock.Sleeps())
	}
}

func TestFixed_ZeroDelayDoesNotWait(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	b := Fixed(0)
	b.Clock = clock

	calls := 0
	err := b.Do(context.Background(), func(_ int) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clock.Sleeps()) != 0 {
		t.Errorf("sleeps = %v, want none", clock.Sleeps())
	}
}

func TestFixed_UnlimitedUntilCancelled(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	b := Fixed(time.Second)
	b.Clock = clock

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := b.Do(ctx, func(_ int) error {
		calls++
		if calls == 50 {
			cancel()
		}
		return fmt.Errorf("refused")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 50 {
		t.Errorf("expected 50 calls, got %d", calls)
	}
}

func TestBackoff_OnRetry(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	b := Fixed(2 * time.Second)
	b.Clock = clock

	var waits []time.Duration
	b.OnRetry = func(_ int, _ error, wait time.Duration) {
		waits = append(waits, wait)
	}
	_ = b.Do(context.Background(), func(attempt int) error {
		if attempt < 3 {
			return fmt.Errorf("x")
		}
		return nil
	})

	if len(waits) != 2 {
		t.Fatalf("OnRetry called %d times, want 2", len(waits))
	}
	for _, w := range waits {
		if w != 2*time.Second {
			t.Errorf("wait = %v, want 2s", w)
		}
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, nil, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() = %v, want context.Canceled", err)
	}
}

func TestSleep_FakeClockAdvances(t *testing.T) {
	start := time.Unix(100, 0)
	clock := NewFakeClock(start)
	if err := Sleep(context.Background(), clock, 3*time.Second); err != nil {
		t.Fatal(err)
	}
	if got := clock.Now().Sub(start); got != 3*time.Second {
		t.Errorf("clock advanced %v, want 3s", got)
	}
}
