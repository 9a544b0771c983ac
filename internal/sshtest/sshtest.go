// Package sshtest provides an in-process SSH server for testing the
// forwarder: public-key auth, exec with exit codes, and remote
// (tcpip-forward) port forwarding.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"sshfwd/util"
)

// CmdHandler processes a command and returns stdout, stderr, and exit code.
type CmdHandler func(cmd string) (stdout, stderr string, exitCode int)

// ServerConfig holds options for a test SSH server.
type ServerConfig struct {
	ClientPubKey  ssh.PublicKey
	NoAuth        bool
	RemoteForward bool
	Banner        string
	CmdHandler    CmdHandler
	SessionDelay  time.Duration
}

// Option configures a test SSH server.
type Option func(*ServerConfig)

// WithPublicKey configures the server to accept the given public key.
func WithPublicKey(pub ssh.PublicKey) Option {
	return func(c *ServerConfig) { c.ClientPubKey = pub }
}

// WithNoAuth configures the server to accept any connection.
func WithNoAuth() Option {
	return func(c *ServerConfig) { c.NoAuth = true }
}

// WithCmdHandler sets the command handler.  Without one, every command
// echoes itself and exits 0.
func WithCmdHandler(h CmdHandler) Option {
	return func(c *ServerConfig) { c.CmdHandler = h }
}

// WithRemoteForward enables tcpip-forward requests.  Without it the
// server denies them.
func WithRemoteForward() Option {
	return func(c *ServerConfig) { c.RemoteForward = true }
}

// WithSessionDelay holds every session channel open request for d
// before accepting it.
func WithSessionDelay(d time.Duration) Option {
	return func(c *ServerConfig) { c.SessionDelay = d }
}

// WithBanner sends msg as the pre-auth banner.
func WithBanner(msg string) Option {
	return func(c *ServerConfig) { c.Banner = msg }
}

// Server is a running test server.
type Server struct {
	// Addr is the "host:port" the server listens on.
	Addr string
	Host string
	Port int
	// HostKey is the server's public host key.
	HostKey ssh.PublicKey

	cfg      *ServerConfig
	listener net.Listener
	done     chan struct{}

	mu       sync.Mutex
	conns    map[*ssh.ServerConn]struct{}
	forwards map[string]forward // keyed by bind address and bound port

	dials    atomic.Int64
	sessions atomic.Int64
	execs    atomic.Int64
	channels atomic.Int64 // session channels accepted
	open     atomic.Int64 // session channels not yet closed
}

// Start launches an in-process SSH server on 127.0.0.1.  It is shut down
// by t.Cleanup.
func Start(t *testing.T, opts ...Option) *Server {
	t.Helper()

	cfg := &ServerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	serverConf := &ssh.ServerConfig{NoClientAuth: cfg.NoAuth}
	serverConf.AddHostKey(hostSigner)

	if cfg.ClientPubKey != nil {
		expected := cfg.ClientPubKey.Marshal()
		serverConf.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(expected) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		}
	}
	if cfg.Banner != "" {
		serverConf.BannerCallback = func(ssh.ConnMetadata) string { return cfg.Banner }
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		Addr:     listener.Addr().String(),
		HostKey:  hostSigner.PublicKey(),
		cfg:      cfg,
		listener: listener,
		done:     make(chan struct{}),
		conns:    make(map[*ssh.ServerConn]struct{}),
		forwards: make(map[string]forward),
	}
	s.Host, s.Port = ParseAddr(t, s.Addr)

	go func() {
		defer close(s.done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			s.dials.Add(1)
			go s.handleConnection(conn, serverConf)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	s.listener.Close()
	<-s.done
	s.DropSessions()
}

// DropSessions closes every established SSH connection and remote
// forward, as if the network between client and server had failed.
func (s *Server) DropSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
	for _, f := range s.forwards {
		f.l.Close()
	}
}

// Dials returns the number of TCP connections accepted.
func (s *Server) Dials() int64 { return s.dials.Load() }

// Sessions returns the number of connections that completed
// authentication.
func (s *Server) Sessions() int64 { return s.sessions.Load() }

// Execs returns the number of exec requests served.
func (s *Server) Execs() int64 { return s.execs.Load() }

// Channels returns the number of session channels accepted.
func (s *Server) Channels() int64 { return s.channels.Load() }

// OpenChannels returns the number of session channels the client has not
// closed yet.
func (s *Server) OpenChannels() int64 { return s.open.Load() }

// Forwards returns the number of live remote forwards.
func (s *Server) Forwards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forwards)
}

func (s *Server) handleConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	s.sessions.Add(1)
	s.mu.Lock()
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		sshConn.Close()
		s.mu.Lock()
		delete(s.conns, sshConn)
		for key, f := range s.forwards {
			if f.owner == sshConn {
				f.l.Close()
				delete(s.forwards, key)
			}
		}
		s.mu.Unlock()
	}()

	go func() {
		for req := range reqs {
			s.handleGlobalRequest(sshConn, req)
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			go func(nc ssh.NewChannel) {
				if d := s.cfg.SessionDelay; d > 0 {
					time.Sleep(d)
				}
				ch, requests, err := nc.Accept()
				if err != nil {
					return
				}
				s.handleSession(ch, requests)
			}(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

// ── Remote forwarding (RFC 4254 §7) ──────────────────────────────────

type forward struct {
	l     net.Listener
	owner *ssh.ServerConn
}

type forwardRequest struct {
	Addr string
	Port uint32
}

type forwardedPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

func (s *Server) handleGlobalRequest(conn *ssh.ServerConn, req *ssh.Request) {
	switch req.Type {
	case "tcpip-forward":
		var fr forwardRequest
		if !s.cfg.RemoteForward || ssh.Unmarshal(req.Payload, &fr) != nil {
			req.Reply(false, nil)
			return
		}
		l, err := net.Listen("tcp", net.JoinHostPort(fr.Addr, strconv.Itoa(int(fr.Port))))
		if err != nil {
			req.Reply(false, nil)
			return
		}
		bound := uint32(l.Addr().(*net.TCPAddr).Port)
		s.mu.Lock()
		s.forwards[forwardKey(fr.Addr, bound)] = forward{l: l, owner: conn}
		s.mu.Unlock()

		req.Reply(true, ssh.Marshal(struct{ Port uint32 }{bound}))
		go s.serveForward(conn, l, fr.Addr, bound)

	case "cancel-tcpip-forward":
		var fr forwardRequest
		if err := ssh.Unmarshal(req.Payload, &fr); err == nil {
			key := forwardKey(fr.Addr, fr.Port)
			s.mu.Lock()
			if f, ok := s.forwards[key]; ok {
				f.l.Close()
				delete(s.forwards, key)
			}
			s.mu.Unlock()
		}
		if req.WantReply {
			req.Reply(true, nil)
		}

	default:
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
}

func forwardKey(addr string, port uint32) string {
	return net.JoinHostPort(addr, strconv.Itoa(int(port)))
}

func (s *Server) serveForward(conn *ssh.ServerConn, l net.Listener, bindAddr string, bindPort uint32) {
	for {
		c, err := l.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			origin := c.RemoteAddr().(*net.TCPAddr)
			payload := forwardedPayload{
				Addr:       bindAddr,
				Port:       bindPort,
				OriginAddr: origin.IP.String(),
				OriginPort: uint32(origin.Port),
			}
			ch, reqs, err := conn.OpenChannel("forwarded-tcpip", ssh.Marshal(&payload))
			if err != nil {
				return
			}
			defer ch.Close()
			go ssh.DiscardRequests(reqs)

			done := make(chan struct{}, 2)
			go func() {
				io.Copy(ch, c)
				ch.CloseWrite()
				done <- struct{}{}
			}()
			go func() {
				io.Copy(c, ch)
				if tc, ok := c.(*net.TCPConn); ok {
					tc.CloseWrite()
				}
				done <- struct{}{}
			}()
			<-done
			<-done
		}(c)
	}
}

// ── Sessions ─────────────────────────────────────────────────────────

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	s.channels.Add(1)
	s.open.Add(1)
	defer s.open.Add(-1)
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.execs.Add(1)

			type output struct {
				stdout, stderr string
				code           int
			}
			result := make(chan output, 1)
			go func() {
				if s.cfg.CmdHandler == nil {
					result <- output{stdout: payload.Command}
					return
				}
				o, e, c := s.cfg.CmdHandler(payload.Command)
				result <- output{o, e, c}
			}()

			// A command may outlive the channel: stop waiting once the
			// client closes it.
			for {
				select {
				case out := <-result:
					if out.stdout != "" {
						io.WriteString(ch, out.stdout)
					}
					if out.stderr != "" {
						io.WriteString(ch.Stderr(), out.stderr)
					}
					ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(out.code)}))
					return
				case r, ok := <-reqs:
					if !ok {
						return
					}
					if r.WantReply {
						r.Reply(false, nil)
					}
				}
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// ── Keys ─────────────────────────────────────────────────────────────

// GenerateKey creates an ed25519 key pair and writes the private key to a
// temp file. Returns the public key and the path to the private key file.
func GenerateKey(t *testing.T) (ssh.PublicKey, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	pemBlock := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})
	return signer.PublicKey(), writeKey(t, pemBlock)
}

// GenerateEncryptedKey is like GenerateKey but protects the private key
// with passphrase, in OpenSSH format.
func GenerateEncryptedKey(t *testing.T, passphrase string) (ssh.PublicKey, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "sshtest", []byte(passphrase))
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	return signer.PublicKey(), writeKey(t, pem.EncodeToMemory(block))
}

func writeKey(t *testing.T, data []byte) string {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, data, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return keyPath
}

// KnownHostsFile writes a known_hosts file trusting this server's host
// key and returns its path.
func (s *Server) KnownHostsFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{s.Addr}, s.HostKey) + "\n"
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	return path
}

// ParseAddr splits an address into host and port.
func ParseAddr(t *testing.T, addr string) (host string, port int) {
	t.Helper()
	h, p, err := util.SplitAddr(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	return h, p
}
