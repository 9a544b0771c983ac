// Package probe checks that an SSH session is still usable end to end by
// running a lightweight command over it.
package probe

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"sshfwd/config"
	"sshfwd/internal/session"
	"sshfwd/util"
)

// Prober runs the health-check command on a session.
type Prober struct {
	command string
	timeout time.Duration
	logger  *util.Logger
}

// New returns a prober using cfg's health_check_command and
// health_check_timeout.
func New(cfg *config.Config, logger *util.Logger) *Prober {
	return &Prober{
		command: cfg.HealthCheckCommand,
		timeout: cfg.ProbeTimeout(),
		logger:  logger,
	}
}

// Check reports whether the command ran and exited 0 within the timeout.
// Any failure is false; the reason is logged at debug level.
func (p *Prober) Check(ctx context.Context, sess *session.Session) bool {
	if err := p.run(ctx, sess); err != nil {
		p.logger.Debug("probe: %v", err)
		return false
	}
	p.logger.Debug("probe: %q ok", p.command)
	return true
}

func (p *Prober) run(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return fmt.Errorf("no session")
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	// Opening the channel can block as long as running the command on an
	// unresponsive server, so both happen off the caller's goroutine.  The
	// goroutine closes the session it opened once Run returns.
	opened := make(chan *ssh.Session, 1)
	done := make(chan error, 1)
	go func() {
		s, err := sess.Client().NewSession()
		if err != nil {
			done <- fmt.Errorf("open channel: %w", err)
			return
		}
		opened <- s
		err = s.Run(p.command)
		s.Close()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%q: %w", p.command, err)
		}
		return nil
	case <-ctx.Done():
		// The channel may not be open yet; abort Run whenever it is.
		go func() {
			select {
			case s := <-opened:
				s.Close()
			case <-done:
			}
		}()
		return fmt.Errorf("%q: %w", p.command, ctx.Err())
	}
}
