// Package controller drives the lifecycle of the forwarded tunnel:
// connect and authenticate, bind the remote listener, probe liveness,
// and tear down and retry when the probes keep failing.
package controller

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"sshfwd/config"
	nerrors "sshfwd/internal/errors"
	"sshfwd/internal/metrics"
	"sshfwd/internal/probe"
	"sshfwd/internal/relay"
	"sshfwd/internal/retry"
	"sshfwd/internal/session"
	"sshfwd/util"
)

// Connector opens and closes sessions to the SSH endpoint.
type Connector interface {
	Dial(ctx context.Context) (net.Conn, error)
	Handshake(ctx context.Context, conn net.Conn) (*session.Session, error)
	Disconnect(sess *session.Session)
}

// Forwarder binds the remote port on a session and relays its
// connections.
type Forwarder interface {
	Establish(sess *session.Session, remoteHost string, remotePort int) (*relay.Listener, error)
	Run(ctx context.Context, ln *relay.Listener, localAddr string) error
}

// Prober checks a session's liveness.
type Prober interface {
	Check(ctx context.Context, sess *session.Session) bool
}

// Option configures a [Controller].
type Option func(*Controller)

// WithClock drives every wait from clock.
func WithClock(clock retry.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithConnector replaces the SSH session adapter.
func WithConnector(conn Connector) Option {
	return func(c *Controller) { c.connector = conn }
}

// WithForwarder replaces the relay.
func WithForwarder(f Forwarder) Option {
	return func(c *Controller) { c.forwarder = f }
}

// WithProber replaces the health probe.
func WithProber(p Prober) Option {
	return func(c *Controller) { c.prober = p }
}

// WithMetrics records lifecycle events in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller owns at most one session and one tunnel at a time.  The
// lifecycle methods are meant to be called from a single goroutine,
// normally [Controller.Run]; Status and History may be called from any.
type Controller struct {
	cfg       *config.Config
	logger    *util.Logger
	metrics   *metrics.Collector
	clock     retry.Clock
	connector Connector
	forwarder Forwarder
	prober    Prober

	mu      sync.RWMutex
	state   State
	since   time.Time
	lastErr error
	history history
}

// New creates an idle controller for cfg.  Collaborators not supplied
// through options are built from cfg.
func New(cfg *config.Config, logger *util.Logger, opts ...Option) *Controller {
	c := &Controller{cfg: cfg, logger: logger, state: idle{}}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = retry.SystemClock{}
	}
	if c.connector == nil {
		c.connector = session.NewAdapter(cfg, logger)
	}
	if c.forwarder == nil {
		c.forwarder = relay.New(cfg, logger, c.metrics)
	}
	if c.prober == nil {
		c.prober = probe.New(cfg, logger)
	}
	c.since = c.clock.Now()
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// setState moves to next.  A change of phase is logged and recorded in
// the history; an update within the same phase (the failure counter) is
// not.
func (c *Controller) setState(next State, reason string) {
	c.mu.Lock()
	prev := c.state.Phase()
	c.state = next
	if prev != next.Phase() {
		now := c.clock.Now()
		c.since = now
		c.history.add(Transition{From: prev, To: next.Phase(), At: now, Reason: reason})
	}
	c.mu.Unlock()

	if prev != next.Phase() {
		if reason != "" {
			c.logger.Info("state: %s -> %s (%s)", prev, next.Phase(), reason)
		} else {
			c.logger.Info("state: %s -> %s", prev, next.Phase())
		}
	}
}

func (c *Controller) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.metrics.RecordError(err.Error())
}

// ── Connect ──────────────────────────────────────────────────────────

// Connect opens the transport and authenticates.  It is allowed from
// Idle or Failed; otherwise it returns [nerrors.ErrAlreadyConnected] and
// leaves the state alone.  On failure the state is Idle and the error is
// an *errors.SSHError.
func (c *Controller) Connect(ctx context.Context) error {
	switch c.State().(type) {
	case idle, failed:
	default:
		return nerrors.ErrAlreadyConnected
	}

	c.metrics.ConnectAttempt()
	c.setState(connecting{}, "connecting to "+c.cfg.SSHAddr())

	conn, err := c.connector.Dial(ctx)
	if err != nil {
		return c.connectFailed(err)
	}
	c.setState(authenticating{conn: conn}, "transport up")

	sess, err := c.connector.Handshake(ctx, conn)
	if err != nil {
		return c.connectFailed(err)
	}
	c.setState(tunnelEstablished{sess: sess}, "authenticated as "+c.cfg.SSHUsername)
	c.metrics.Connected()
	return nil
}

func (c *Controller) connectFailed(err error) error {
	c.metrics.ConnectFailed()
	c.recordError(err)
	c.setState(idle{}, nerrors.KindOf(err).String())
	return err
}

// ── EstablishTunnel ──────────────────────────────────────────────────

// EstablishTunnel binds the remote listener and starts relaying in the
// background.  It requires TunnelEstablished and moves to HealthChecking
// with a zero failure count.  On failure the session is closed, the
// state is Idle and the error is a TunnelEstablishFailed error.
func (c *Controller) EstablishTunnel(ctx context.Context) error {
	st, ok := c.State().(tunnelEstablished)
	if !ok {
		return fmt.Errorf("establish tunnel in state %s: %w", c.State().Phase(), nerrors.ErrNotConnected)
	}

	ln, err := c.forwarder.Establish(st.sess, c.cfg.RemoteHost, c.cfg.RemotePort)
	if err != nil {
		if nerrors.KindOf(err) != nerrors.KindTunnelEstablishFailed {
			err = nerrors.WrapSSH(nerrors.KindTunnelEstablishFailed, "forward",
				c.cfg.RemoteHost, c.cfg.RemotePort, err)
		}
		c.connector.Disconnect(st.sess)
		c.recordError(err)
		c.setState(idle{}, nerrors.KindOf(err).String())
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	t := &activeTunnel{ln: ln, cancel: cancel, done: make(chan struct{})}
	local := c.cfg.LocalBind()
	go func() {
		defer close(t.done)
		t.err = c.forwarder.Run(runCtx, ln, local)
	}()

	c.logger.Info("tunnel: %s (remote) -> %s (local)", ln, local)
	c.setState(healthChecking{sess: st.sess, tunnel: t}, "forwarding "+ln.String())
	return nil
}

// ── HealthCheck ──────────────────────────────────────────────────────

// HealthCheck probes the current session.  In HealthChecking it also
// fails when the relay loop has stopped on its own, and it updates the
// failure counter: a success resets it, a failure adds one, and reaching
// max_health_failures releases the tunnel and session and moves to
// Reconnecting.  Outside those two states it returns false.
func (c *Controller) HealthCheck(ctx context.Context) bool {
	switch st := c.State().(type) {
	case tunnelEstablished:
		ok := c.prober.Check(ctx, st.sess)
		c.metrics.RecordHealthCheck(ok)
		return ok

	case healthChecking:
		ok := false
		if st.tunnel.alive() {
			ok = c.prober.Check(ctx, st.sess)
		} else {
			c.logger.Warn("health: relay loop stopped: %v", st.tunnel.err)
		}
		c.metrics.RecordHealthCheck(ok)

		if ok {
			if st.failures > 0 {
				c.logger.Info("health: probe ok after %d failure(s)", st.failures)
				st.failures = 0
				c.setState(st, "")
			}
			return true
		}

		st.failures++
		limit := c.cfg.MaxHealthFailures
		c.logger.Warn("health: probe failed (%d/%d)", st.failures, limit)
		if st.failures < limit {
			c.setState(st, "")
			return false
		}

		reason := nerrors.WrapSSH(nerrors.KindHealthProbeFailed, "probe", c.cfg.SSHHost, c.cfg.SSHPort,
			fmt.Errorf("%d consecutive health checks failed", st.failures))
		c.release(st.sess, st.tunnel)
		c.recordError(reason)
		c.setState(reconnecting{reason: reason}, reason.Error())
		return false

	default:
		return false
	}
}

// ── Disconnect ───────────────────────────────────────────────────────

// Disconnect stops the relay loop, waits for in-flight relays, closes
// the session and moves to Idle.  It is safe in any state and a no-op
// when Idle.
func (c *Controller) Disconnect() {
	switch st := c.State().(type) {
	case idle:
		return
	case authenticating:
		st.conn.Close()
	case tunnelEstablished:
		c.connector.Disconnect(st.sess)
	case healthChecking:
		c.release(st.sess, st.tunnel)
	}
	c.setState(idle{}, "disconnect")
}

func (c *Controller) release(sess *session.Session, t *activeTunnel) {
	t.stop()
	c.connector.Disconnect(sess)
}

// ── Status ───────────────────────────────────────────────────────────

// Status is a point-in-time view of the controller.
type Status struct {
	Connected      bool
	Phase          Phase
	Since          time.Time
	SSHHost        string
	SSHEndpoint    string
	LocalBind      string
	RemoteBind     string
	Tunnel         string // bound remote address while forwarding
	HealthFailures int
	LastError      string
	LocalBreaker   string // state of the breaker guarding local dials, if any
}

// Status reports connectivity and the configured endpoints.  Connected
// is true in TunnelEstablished and HealthChecking.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		Phase:       c.state.Phase(),
		Since:       c.since,
		SSHHost:     c.cfg.SSHHost,
		SSHEndpoint: c.cfg.SSHAddr(),
		LocalBind:   c.cfg.LocalBind(),
		RemoteBind:  c.cfg.RemoteBind(),
	}
	switch st := c.state.(type) {
	case tunnelEstablished:
		s.Connected = true
	case healthChecking:
		s.Connected = true
		s.Tunnel = st.tunnel.ln.String()
		s.HealthFailures = st.failures
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	if b, ok := c.forwarder.(interface{ BreakerState() retry.BreakerState }); ok {
		s.LocalBreaker = b.BreakerState().String()
	}
	return s
}

// History returns the recent transitions, oldest first.
func (c *Controller) History() []Transition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.history.list()
}
