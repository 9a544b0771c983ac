package relay

// listener.go - remote port forward over an SSH session.
//
// ssh.Client.Listen keys forwarded-tcpip channels by the exact bind
// address it sent, and some servers echo back a different one ("0.0.0.0"
// for "").  We register our own forwarded-tcpip handler instead and
// accept every channel the server opens on this session.

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	nerrors "sshfwd/internal/errors"
	"sshfwd/internal/session"
)

// channelForwardMsg is the payload of "tcpip-forward" and
// "cancel-tcpip-forward" (RFC 4254 §7.1).
type channelForwardMsg struct {
	Addr string
	Port uint32
}

// forwardReply is the reply to a "tcpip-forward" request for port 0.
type forwardReply struct {
	Port uint32
}

// forwardedTCPPayload is the channel-open payload of "forwarded-tcpip"
// (RFC 4254 §7.2).
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// Listener implements [net.Listener] over the forwarded-tcpip channels
// of one session.
type Listener struct {
	client   *ssh.Client
	bindAddr string
	bindPort uint32
	incoming <-chan ssh.NewChannel
	done     chan struct{}
	once     sync.Once
}

// listen asks the server to listen on remoteHost:remotePort and forward
// connections back over sess.  Only one listener may exist per session.
func listen(sess *session.Session, remoteHost string, remotePort int) (*Listener, error) {
	client := sess.Client()

	incoming := client.HandleChannelOpen("forwarded-tcpip")
	if incoming == nil {
		return nil, nerrors.WrapSSH(nerrors.KindTunnelEstablishFailed, "forward",
			remoteHost, remotePort, fmt.Errorf("forwarded-tcpip handler already registered"))
	}

	msg := channelForwardMsg{Addr: remoteHost, Port: uint32(remotePort)}
	ok, payload, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(&msg))
	if err != nil {
		return nil, nerrors.WrapSSH(nerrors.KindTunnelEstablishFailed, "forward",
			remoteHost, remotePort, err)
	}
	if !ok {
		return nil, nerrors.WrapSSH(nerrors.KindTunnelEstablishFailed, "forward",
			remoteHost, remotePort, nerrors.ErrForwardDenied)
	}

	port := uint32(remotePort)
	if port == 0 {
		var reply forwardReply
		if err := ssh.Unmarshal(payload, &reply); err != nil {
			return nil, nerrors.WrapSSH(nerrors.KindTunnelEstablishFailed, "forward",
				remoteHost, remotePort, fmt.Errorf("parsing allocated port: %w", err))
		}
		port = reply.Port
	}

	return &Listener{
		client:   client,
		bindAddr: remoteHost,
		bindPort: port,
		incoming: incoming,
		done:     make(chan struct{}),
	}, nil
}

// Accept waits for the next forwarded connection.  It returns io.EOF
// once the listener is closed or the session is gone.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case <-l.done:
		return nil, io.EOF
	case newCh, ok := <-l.incoming:
		if !ok {
			return nil, io.EOF
		}
		select {
		case <-l.done:
			newCh.Reject(ssh.Prohibited, "tunnel closed") //nolint:errcheck
			return nil, io.EOF
		default:
		}

		ch, reqs, err := newCh.Accept()
		if err != nil {
			return nil, fmt.Errorf("channel accept: %w", err)
		}
		go ssh.DiscardRequests(reqs)

		var raddr net.Addr = &net.TCPAddr{}
		var payload forwardedTCPPayload
		if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err == nil {
			raddr = &net.TCPAddr{
				IP:   net.ParseIP(payload.OriginAddr),
				Port: int(payload.OriginPort),
			}
		}
		return &chanConn{Channel: ch, raddr: raddr, laddr: l.Addr()}, nil
	}
}

// Close cancels the remote forward and unblocks Accept.  The cancel
// request is not waited on: the session may already be gone.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		msg := channelForwardMsg{Addr: l.bindAddr, Port: l.bindPort}
		go func() {
			l.client.SendRequest("cancel-tcpip-forward", false, ssh.Marshal(&msg)) //nolint:errcheck
			// Channels the server opens before it processes the cancel
			// would otherwise fill the handler queue and stall the session.
			for newCh := range l.incoming {
				newCh.Reject(ssh.Prohibited, "tunnel closed") //nolint:errcheck
			}
		}()
	})
	return nil
}

// Addr returns the remote bind address.
func (l *Listener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(l.bindAddr), Port: int(l.bindPort)}
}

// Port returns the bound remote port, the server-assigned one when 0
// was requested.
func (l *Listener) Port() int { return int(l.bindPort) }

// String returns "host:port" of the remote bind.
func (l *Listener) String() string {
	return net.JoinHostPort(l.bindAddr, strconv.Itoa(int(l.bindPort)))
}

// ── chanConn ─────────────────────────────────────────────────────────

// chanConn wraps an [ssh.Channel] to satisfy [net.Conn].  Deadlines are
// not supported; relays end by closing.
type chanConn struct {
	ssh.Channel
	raddr net.Addr
	laddr net.Addr
}

func (c *chanConn) LocalAddr() net.Addr                { return c.laddr }
func (c *chanConn) RemoteAddr() net.Addr               { return c.raddr }
func (c *chanConn) SetDeadline(_ time.Time) error      { return nil }
func (c *chanConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *chanConn) SetWriteDeadline(_ time.Time) error { return nil }
