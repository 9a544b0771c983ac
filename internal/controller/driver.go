package controller

import (
	"context"
	"time"

	"sshfwd/internal/retry"
)

// Run keeps the tunnel up until ctx is cancelled.  Connect and
// EstablishTunnel are retried every reconnect_delay; once forwarding,
// the session is probed every health_check_interval and rebuilt after
// max_health_failures consecutive failures.  Run returns nil on
// cancellation and always leaves the controller Idle.
func (c *Controller) Run(ctx context.Context) error {
	defer c.Disconnect()

	delay := c.cfg.Reconnect()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := c.establish(ctx, delay); err != nil {
			// Only cancellation ends the retry loop.
			return nil
		}

		c.monitor(ctx)
		if ctx.Err() != nil {
			return nil
		}

		c.metrics.TunnelReconnect()
		c.Disconnect()
		c.logger.Info("reconnecting in %v", delay)
		if err := retry.Sleep(ctx, c.clock, delay); err != nil {
			return nil
		}
	}
}

// establish retries Connect and EstablishTunnel with a fixed delay until
// both succeed or ctx is cancelled.
func (c *Controller) establish(ctx context.Context, delay time.Duration) error {
	b := retry.Fixed(delay)
	b.Clock = c.clock
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("attempt %d failed: %v; retrying in %v", attempt, err, wait)
		c.setState(failed{err: err}, "retrying in "+wait.String())
	}

	return b.Do(ctx, func(_ int) error {
		if err := ctx.Err(); err != nil {
			return retry.Permanent(err)
		}
		if err := c.Connect(ctx); err != nil {
			return err
		}
		return c.EstablishTunnel(ctx)
	})
}

// monitor probes the session every health_check_interval until the
// failure threshold forces Reconnecting or ctx is cancelled.
func (c *Controller) monitor(ctx context.Context) {
	interval := c.cfg.HealthInterval()
	for {
		if err := retry.Sleep(ctx, c.clock, interval); err != nil {
			return
		}
		ok := c.HealthCheck(ctx)
		c.logger.Debug("health: probe ok=%v", ok)
		if _, forced := c.State().(reconnecting); forced {
			return
		}
	}
}
