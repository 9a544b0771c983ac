// Package relay binds the remote listening port on an authenticated SSH
// session and relays every forwarded connection to the local target.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sshfwd/config"
	nerrors "sshfwd/internal/errors"
	"sshfwd/internal/metrics"
	"sshfwd/internal/retry"
	"sshfwd/internal/session"
	"sshfwd/util"
)

// Result is what a finished relay reports to the supervisor.
type Result struct {
	ID            string
	Origin        string
	BytesToLocal  int64
	BytesToRemote int64
	Duration      time.Duration
	Err           error
}

// Relay forwards connections from a remote [Listener] to a local TCP
// target.  A Relay may serve successive sessions, one at a time.
type Relay struct {
	logger      *util.Logger
	metrics     *metrics.Collector
	dialTimeout time.Duration
	maxConns    int
	breaker     *retry.Breaker

	// onResult, when set, sees every result after the supervisor has
	// handled it.
	onResult func(Result)
}

// New creates a relay from cfg.  The metrics collector is optional
// (nil-safe).
func New(cfg *config.Config, logger *util.Logger, m *metrics.Collector) *Relay {
	r := &Relay{
		logger:      logger,
		metrics:     m,
		dialTimeout: cfg.DialTimeout(),
		maxConns:    cfg.MaxConnections,
	}
	r.breaker = retry.NewBreaker(&retry.BreakerConfig{
		OnStateChange: func(from, to retry.BreakerState) {
			logger.Warn("relay: local target %s breaker %s -> %s", cfg.LocalBind(), from, to)
		},
	})
	return r
}

// BreakerState reports the state of the breaker guarding local dials.
func (r *Relay) BreakerState() retry.BreakerState { return r.breaker.State() }

// Establish binds remoteHost:remotePort on the server side of sess.  A
// denied or failed request is a TunnelEstablishFailed error.
func (r *Relay) Establish(sess *session.Session, remoteHost string, remotePort int) (*Listener, error) {
	ln, err := listen(sess, remoteHost, remotePort)
	if err != nil {
		return nil, err
	}
	r.logger.Info("relay: listening on %s (remote) via %s", ln, sess.Addr())
	return ln, nil
}

// Run accepts forwarded connections on ln and relays each one to
// localAddr until ctx is cancelled or ln fails.  It closes ln and
// returns only after every in-flight relay has finished.  The return
// value is nil on cancellation and wraps [nerrors.ErrTunnelClosed] when
// the listener died on its own.
func (r *Relay) Run(ctx context.Context, ln *Listener, localAddr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	results := make(chan Result)
	supervised := make(chan struct{})
	go func() {
		defer close(supervised)
		for res := range results {
			r.report(res)
		}
	}()

	var g errgroup.Group
	if r.maxConns > 0 {
		g.SetLimit(r.maxConns)
	}

	var runErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				runErr = fmt.Errorf("%w: listener on %s stopped", nerrors.ErrTunnelClosed, ln)
				break
			}
			r.logger.Warn("relay: accept on %s: %v", ln, err)
			continue
		}

		id := uuid.NewString()[:8]
		r.metrics.ConnectionOpened()
		// Blocks while max_connections relays are in flight.
		g.Go(func() error {
			results <- r.handle(ctx, id, conn, localAddr)
			return nil
		})
	}

	cancel()
	ln.Close()
	g.Wait() //nolint:errcheck
	close(results)
	<-supervised
	return runErr
}

// handle relays one forwarded connection.  Failures stay scoped to it.
func (r *Relay) handle(ctx context.Context, id string, remote net.Conn, localAddr string) Result {
	start := time.Now()
	res := Result{ID: id, Origin: remote.RemoteAddr().String()}
	defer remote.Close()

	var local net.Conn
	err := r.breaker.Execute(ctx, func() error {
		d := net.Dialer{Timeout: r.dialTimeout}
		c, err := d.DialContext(ctx, "tcp", localAddr)
		if err != nil {
			return err
		}
		local = c
		return nil
	})
	if err != nil {
		res.Err = nerrors.Wrap("dial", localAddr, err)
		res.Duration = time.Since(start)
		return res
	}

	r.logger.Verbose("relay[%s]: bridging %s <-> %s", id, res.Origin, localAddr)
	toLocal, toRemote, err := bridge(ctx, remote, local)
	res.BytesToLocal, res.BytesToRemote = toLocal, toRemote
	if err != nil {
		res.Err = nerrors.Wrap("copy", localAddr, err)
	}
	res.Duration = time.Since(start)
	return res
}

// report runs on the supervisor goroutine.
func (r *Relay) report(res Result) {
	r.metrics.ConnectionClosed(res.Err != nil)
	r.metrics.BytesRelayed(res.BytesToLocal, res.BytesToRemote)

	if res.Err != nil {
		r.logger.Warn("relay[%s]: %s: %v", res.ID, res.Origin, res.Err)
		r.metrics.RecordError(fmt.Sprintf("relay %s: %v", res.Origin, res.Err))
	} else {
		r.logger.Verbose("relay[%s]: %s closed after %v (to_local=%d to_remote=%d)",
			res.ID, res.Origin, res.Duration.Truncate(time.Millisecond),
			res.BytesToLocal, res.BytesToRemote)
	}

	if r.onResult != nil {
		r.onResult(res)
	}
}
