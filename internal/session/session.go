// Package session owns the transport to the SSH endpoint: the TCP
// connect, the SSH handshake, public-key authentication and the
// graceful close of an authenticated session.
package session

import (
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Session is a live, authenticated SSH connection.  Channels opened on
// it are multiplexed by x/crypto/ssh, so relays and probes may share it
// concurrently.  Only the adapter creates and closes sessions.
type Session struct {
	client      *ssh.Client
	addr        string
	connectedAt time.Time

	closeOnce sync.Once
	closeErr  error
}

func newSession(client *ssh.Client, addr string) *Session {
	return &Session{client: client, addr: addr, connectedAt: time.Now()}
}

// Client returns the underlying SSH client.
func (s *Session) Client() *ssh.Client { return s.client }

// Addr returns the "host:port" of the SSH endpoint.
func (s *Session) Addr() string { return s.addr }

// ConnectedAt returns the time authentication completed.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Wait blocks until the connection to the server is lost or closed.
func (s *Session) Wait() error { return s.client.Wait() }

// close shuts the transport down once; later calls return the first
// result.
func (s *Session) close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}
