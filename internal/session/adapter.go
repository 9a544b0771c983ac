package session

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"sshfwd/config"
	nerrors "sshfwd/internal/errors"
	"sshfwd/util"
)

// Adapter connects to the one SSH endpoint named by the configuration.
type Adapter struct {
	cfg    *config.Config
	logger *util.Logger
}

// NewAdapter returns an adapter for cfg.  cfg must not change afterwards.
func NewAdapter(cfg *config.Config, logger *util.Logger) *Adapter {
	return &Adapter{cfg: cfg, logger: logger}
}

// Connect dials the endpoint and authenticates.
func (a *Adapter) Connect(ctx context.Context) (*Session, error) {
	conn, err := a.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return a.Handshake(ctx, conn)
}

// Dial opens the TCP transport to ssh_host:ssh_port.
func (a *Adapter) Dial(ctx context.Context) (net.Conn, error) {
	addr := a.cfg.SSHAddr()
	a.logger.Debug("ssh: dialing %s", addr)

	dialer := net.Dialer{Timeout: a.cfg.ConnectTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nerrors.WrapSSH(nerrors.KindTransportConnectFailed, "dial",
			a.cfg.SSHHost, a.cfg.SSHPort, err)
	}
	return conn, nil
}

// Handshake runs the SSH handshake and public-key authentication over
// conn, which it takes ownership of: on failure conn is closed.  The key
// file is read on every call so a rotated key is picked up on reconnect.
func (a *Adapter) Handshake(ctx context.Context, conn net.Conn) (*Session, error) {
	host, port := a.cfg.SSHHost, a.cfg.SSHPort

	auth, err := publicKeyAuth(a.cfg.SSHPrivateKeyPath, a.cfg.SSHPassphrase)
	if err != nil {
		conn.Close()
		return nil, nerrors.WrapSSH(nerrors.KindAuthFailed, "auth", host, port,
			fmt.Errorf("%w: %w", nerrors.ErrAuthFailed, err))
	}
	hkCallback, err := hostKeyCallback(a.cfg.SSHKnownHosts)
	if err != nil {
		conn.Close()
		return nil, nerrors.WrapSSH(nerrors.KindHandshakeFailed, "hostkey", host, port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            a.cfg.SSHUsername,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hkCallback,
		BannerCallback: func(msg string) error {
			a.logger.Info("ssh: server banner: %s", strings.TrimSpace(msg))
			return nil
		},
	}

	// ClientConfig.Timeout only applies to ssh.Dial; bound the handshake
	// with a deadline on the raw connection instead.
	if t := a.cfg.ConnectTimeout(); t > 0 {
		conn.SetDeadline(time.Now().Add(t)) //nolint:errcheck
	}

	addr := a.cfg.SSHAddr()
	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		kind := nerrors.KindHandshakeFailed
		op := "handshake"
		if nerrors.IsAuthFailure(err) {
			kind, op = nerrors.KindAuthFailed, "auth"
		} else if isHostKeyError(err) {
			op = "hostkey"
		}
		return nil, nerrors.WrapSSH(kind, op, host, port, err)
	}
	conn.SetDeadline(time.Time{}) //nolint:errcheck

	a.logger.Debug("ssh: authenticated to %s as %s (server %s)", addr, a.cfg.SSHUsername, sshConn.ServerVersion())
	return newSession(ssh.NewClient(sshConn, chans, reqs), addr), nil
}

// Disconnect closes sess.  Errors are logged, never returned: the
// session is gone afterwards either way.  A nil session is a no-op.
func (a *Adapter) Disconnect(sess *Session) {
	if sess == nil {
		return
	}
	if err := sess.close(); err != nil && !util.IsHarmless(err) {
		a.logger.Warn("ssh: closing session to %s: %v", sess.Addr(), err)
		return
	}
	a.logger.Debug("ssh: session to %s closed after %v", sess.Addr(),
		time.Since(sess.ConnectedAt()).Truncate(time.Second))
}

// newClientConn runs the handshake, closing conn if ctx is cancelled
// first.
func newClientConn(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		done <- result{c, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, nil, nil, ctx.Err()
	case r := <-done:
		return r.conn, r.chans, r.reqs, r.err
	}
}
