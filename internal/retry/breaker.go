package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBreakerOpen is returned (wrapped) by [Breaker.Execute] while the
// breaker is rejecting calls.
var ErrBreakerOpen = errors.New("breaker open")

// ── Breaker state ────────────────────────────────────────────────────

// BreakerState is the breaker's operational state.
type BreakerState int

const (
	// BreakerClosed passes calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down expires.
	BreakerOpen
	// BreakerHalfOpen lets trial calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ── Configuration ────────────────────────────────────────────────────

// BreakerConfig configures a [Breaker].
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the
	// breaker opens (default 5).
	MaxFailures int
	// Cooldown is how long the breaker stays open before letting a
	// trial call through (default 10s).
	Cooldown time.Duration
	// HalfOpenMax is the number of consecutive trial successes needed
	// to close again (default 1).
	HalfOpenMax int
	// Clock is used for the cool-down; nil means the wall clock.
	Clock Clock
	// OnStateChange runs under the lock; keep it fast.
	OnStateChange func(from, to BreakerState)
}

// ── Breaker ──────────────────────────────────────────────────────────

// Breaker short-circuits calls to a target that keeps failing.  The
// relay wraps every local dial in one so that a dead local service makes
// forwarded connections fail fast instead of each waiting out the dial
// timeout.
type Breaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	successes     int
	maxFailures   int
	cooldown      time.Duration
	halfOpenMax   int
	lastFailure   time.Time
	trial         bool // a half-open trial call is in flight
	clock         Clock
	onStateChange func(from, to BreakerState)
}

// NewBreaker creates a breaker.  A nil config uses the defaults.
func NewBreaker(cfg *BreakerConfig) *Breaker {
	if cfg == nil {
		cfg = &BreakerConfig{}
	}
	maxF := cfg.MaxFailures
	if maxF <= 0 {
		maxF = 5
	}
	cd := cfg.Cooldown
	if cd <= 0 {
		cd = 10 * time.Second
	}
	hom := cfg.HalfOpenMax
	if hom <= 0 {
		hom = 1
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &Breaker{
		state:         BreakerClosed,
		maxFailures:   maxF,
		cooldown:      cd,
		halfOpenMax:   hom,
		clock:         clock,
		onStateChange: cfg.OnStateChange,
	}
}

// Execute runs fn through the breaker.  While open, fn is not called and
// an error wrapping [ErrBreakerOpen] is returned.  Once the cool-down has
// passed a single trial call is let through; others are rejected until
// it reports.  A failure returned after ctx is done is not held against
// the target.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	trial, err := b.before()
	if err != nil {
		return err
	}
	err = fn()
	if err != nil && ctx.Err() != nil {
		b.abandon(trial)
		return err
	}
	b.after(trial, err)
	return err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ── internal ─────────────────────────────────────────────────────────

// before admits or rejects a call.  trial is true for the one call
// admitted while half-open.
func (b *Breaker) before() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		elapsed := b.clock.Now().Sub(b.lastFailure)
		if elapsed < b.cooldown {
			return false, fmt.Errorf("%w after %d consecutive failures, retry in %v",
				ErrBreakerOpen, b.failures, (b.cooldown - elapsed).Truncate(time.Millisecond))
		}
		b.transition(BreakerHalfOpen)
	case BreakerHalfOpen:
		if b.trial {
			return false, fmt.Errorf("%w: trial call in progress", ErrBreakerOpen)
		}
	default:
		return false, nil
	}
	b.trial = true
	return true, nil
}

// abandon releases a call whose outcome says nothing about the target.
func (b *Breaker) abandon(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

func (b *Breaker) after(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trial = false
	} else if b.state != BreakerClosed {
		// Admitted before the breaker opened; only the trial decides.
		return
	}

	if err != nil {
		b.failures++
		b.successes = 0
		b.lastFailure = b.clock.Now()
		if trial || b.failures >= b.maxFailures {
			b.transition(BreakerOpen)
		}
		return
	}

	b.successes++
	if !trial {
		b.failures = 0
		return
	}
	if b.successes >= b.halfOpenMax {
		b.failures = 0
		b.transition(BreakerClosed)
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
