package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"sshfwd/config"
	nerrors "sshfwd/internal/errors"
	"sshfwd/internal/session"
	"sshfwd/internal/sshtest"
	"sshfwd/util"
)

// ── fixtures ─────────────────────────────────────────────────────────

func quiet() *util.Logger { return util.NewLogger(util.LogQuiet) }

// recorder is an ordered log of lifecycle events.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// recordingConnector wraps the real adapter.
type recordingConnector struct {
	Connector
	rec         *recorder
	onHandshake func(n int)

	mu         sync.Mutex
	handshakes int
	last       *session.Session
}

func (rc *recordingConnector) Handshake(ctx context.Context, conn net.Conn) (*session.Session, error) {
	sess, err := rc.Connector.Handshake(ctx, conn)
	if err != nil {
		return nil, err
	}
	rc.mu.Lock()
	rc.handshakes++
	rc.last = sess
	n := rc.handshakes
	rc.mu.Unlock()

	rc.rec.add("handshake")
	if rc.onHandshake != nil {
		rc.onHandshake(n)
	}
	return sess, nil
}

func (rc *recordingConnector) Disconnect(sess *session.Session) {
	rc.rec.add("disconnect")
	rc.Connector.Disconnect(sess)
}

func (rc *recordingConnector) lastSession() *session.Session {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.last
}

// scriptedProber returns results in order, then fallback.
type scriptedProber struct {
	mu       sync.Mutex
	results  []bool
	fallback bool
	calls    int
	rec      *recorder
}

func (p *scriptedProber) Check(_ context.Context, _ *session.Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.rec != nil {
		p.rec.add("probe")
	}
	if len(p.results) > 0 {
		ok := p.results[0]
		p.results = p.results[1:]
		return ok
	}
	return p.fallback
}

func (p *scriptedProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixture struct {
	srv  *sshtest.Server
	cfg  *config.Config
	rec  *recorder
	conn *recordingConnector
}

// newFixture starts an SSH server that allows remote forwarding and a
// local echo target, and returns a config pointing at both.
func newFixture(t *testing.T, opts ...sshtest.Option) *fixture {
	t.Helper()
	pub, keyPath := sshtest.GenerateKey(t)
	srv := sshtest.Start(t, append(opts, sshtest.WithPublicKey(pub), sshtest.WithRemoteForward())...)

	echo := echoServer(t)
	localHost, localPort := sshtest.ParseAddr(t, echo)

	cfg := config.Default()
	cfg.SSHHost = srv.Host
	cfg.SSHPort = srv.Port
	cfg.SSHUsername = "tunnel"
	cfg.SSHPrivateKeyPath = keyPath
	cfg.SSHConnectTimeout = 5
	cfg.LocalHost = localHost
	cfg.LocalPort = localPort
	cfg.RemoteHost = "127.0.0.1"
	cfg.RemotePort = 0
	cfg.WebEnabled = false

	rec := &recorder{}
	return &fixture{
		srv:  srv,
		cfg:  cfg,
		rec:  rec,
		conn: &recordingConnector{Connector: session.NewAdapter(cfg, quiet()), rec: rec},
	}
}

func (f *fixture) controller(opts ...Option) *Controller {
	base := []Option{WithConnector(f.conn)}
	return New(f.cfg, quiet(), append(base, opts...)...)
}

// forwarding brings c to HealthChecking.
func forwarding(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.EstablishTunnel(context.Background()); err != nil {
		t.Fatalf("EstablishTunnel: %v", err)
	}
	t.Cleanup(c.Disconnect)
}

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c) //nolint:errcheck
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func waitClosed(t *testing.T, sess *session.Session) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		sess.Wait() //nolint:errcheck
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session still open")
	}
}

// ── Phase / history ──────────────────────────────────────────────────

func TestPhaseString(t *testing.T) {
	tests := []struct {
		p    Phase
		want string
	}{
		{PhaseIdle, "Idle"},
		{PhaseConnecting, "Connecting"},
		{PhaseAuthenticating, "Authenticating"},
		{PhaseTunnelEstablished, "TunnelEstablished"},
		{PhaseHealthChecking, "HealthChecking"},
		{PhaseReconnecting, "Reconnecting"},
		{PhaseFailed, "Failed"},
		{Phase(42), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", int(tt.p), got, tt.want)
		}
	}
}

func TestHistoryRing(t *testing.T) {
	var h history
	if len(h.list()) != 0 {
		t.Fatal("new history should be empty")
	}
	for i := 0; i < historySize+10; i++ {
		h.add(Transition{Reason: strconv.Itoa(i)})
	}
	got := h.list()
	if len(got) != historySize {
		t.Fatalf("len = %d, want %d", len(got), historySize)
	}
	if got[0].Reason != "10" {
		t.Errorf("oldest = %q, want %q", got[0].Reason, "10")
	}
	if last := got[len(got)-1].Reason; last != strconv.Itoa(historySize+9) {
		t.Errorf("newest = %q", last)
	}
}

// ── Connect ──────────────────────────────────────────────────────────

func TestConnect_Success(t *testing.T) {
	f := newFixture(t)
	c := f.controller()
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p := c.State().Phase(); p != PhaseTunnelEstablished {
		t.Fatalf("phase = %v, want TunnelEstablished", p)
	}
	if !c.Status().Connected {
		t.Error("Status().Connected = false after Connect")
	}

	var phases []Phase
	for _, tr := range c.History() {
		phases = append(phases, tr.To)
	}
	want := []Phase{PhaseConnecting, PhaseAuthenticating, PhaseTunnelEstablished}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", phases, want)
	}
}

func TestConnect_AlreadyConnected(t *testing.T) {
	f := newFixture(t)
	c := f.controller()
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	before := len(c.History())

	err := c.Connect(context.Background())
	if !errors.Is(err, nerrors.ErrAlreadyConnected) {
		t.Fatalf("second Connect = %v, want ErrAlreadyConnected", err)
	}
	if p := c.State().Phase(); p != PhaseTunnelEstablished {
		t.Errorf("phase = %v, want TunnelEstablished", p)
	}
	if len(c.History()) != before {
		t.Error("a rejected Connect must not change state")
	}
	if f.srv.Dials() != 1 {
		t.Errorf("Dials = %d, want 1", f.srv.Dials())
	}
}

func TestConnect_FailureRevertsToIdle(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		want  nerrors.Kind
	}{
		{
			name: "transport refused",
			setup: func(t *testing.T, f *fixture) {
				port, err := util.FindFreePort()
				if err != nil {
					t.Fatal(err)
				}
				f.cfg.SSHPort = port
			},
			want: nerrors.KindTransportConnectFailed,
		},
		{
			name: "auth rejected",
			setup: func(t *testing.T, f *fixture) {
				_, other := sshtest.GenerateKey(t)
				f.cfg.SSHPrivateKeyPath = other
			},
			want: nerrors.KindAuthFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)
			c := f.controller()

			err := c.Connect(context.Background())
			if got := nerrors.KindOf(err); got != tt.want {
				t.Fatalf("kind = %v (%v), want %v", got, err, tt.want)
			}
			var se *nerrors.SSHError
			if !errors.As(err, &se) {
				t.Errorf("err %T should be an *SSHError", err)
			}
			if p := c.State().Phase(); p != PhaseIdle {
				t.Errorf("phase = %v, want Idle", p)
			}
			st := c.Status()
			if st.Connected || st.LastError == "" {
				t.Errorf("status = %+v", st)
			}

			// A failed attempt leaves the controller ready to retry.
			if err := c.Connect(context.Background()); errors.Is(err, nerrors.ErrAlreadyConnected) {
				t.Error("Connect after a failure should be allowed")
			}
		})
	}
}

// ── EstablishTunnel ──────────────────────────────────────────────────

func TestEstablishTunnel_RequiresSession(t *testing.T) {
	f := newFixture(t)
	c := f.controller()

	err := c.EstablishTunnel(context.Background())
	if !errors.Is(err, nerrors.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if p := c.State().Phase(); p != PhaseIdle {
		t.Errorf("phase = %v, want Idle", p)
	}
}

func TestEstablishTunnel_Forwards(t *testing.T) {
	f := newFixture(t)
	c := f.controller()
	forwarding(t, c)

	st, ok := c.State().(healthChecking)
	if !ok {
		t.Fatalf("state = %v, want HealthChecking", c.State().Phase())
	}
	if st.failures != 0 {
		t.Errorf("failures = %d, want 0", st.failures)
	}

	status := c.Status()
	if !status.Connected || status.Tunnel == "" {
		t.Fatalf("status = %+v", status)
	}
	if status.LocalBreaker != "closed" {
		t.Errorf("LocalBreaker = %q, want closed", status.LocalBreaker)
	}

	conn, err := net.DialTimeout("tcp", status.Tunnel, 3*time.Second)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("got %q", buf)
	}
}

func TestEstablishTunnel_DeniedClosesSession(t *testing.T) {
	pub, keyPath := sshtest.GenerateKey(t)
	srv := sshtest.Start(t, sshtest.WithPublicKey(pub)) // forwarding not allowed

	cfg := config.Default()
	cfg.SSHHost, cfg.SSHPort = srv.Host, srv.Port
	cfg.SSHUsername = "tunnel"
	cfg.SSHPrivateKeyPath = keyPath
	cfg.LocalPort = 8080
	cfg.RemoteHost = "127.0.0.1"

	rec := &recorder{}
	rc := &recordingConnector{Connector: session.NewAdapter(cfg, quiet()), rec: rec}
	c := New(cfg, quiet(), WithConnector(rc))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := c.EstablishTunnel(context.Background())
	if got := nerrors.KindOf(err); got != nerrors.KindTunnelEstablishFailed {
		t.Fatalf("kind = %v (%v), want TunnelEstablishFailed", got, err)
	}
	if p := c.State().Phase(); p != PhaseIdle {
		t.Errorf("phase = %v, want Idle", p)
	}
	waitClosed(t, rc.lastSession())
}

// ── HealthCheck ──────────────────────────────────────────────────────

func TestHealthCheck_Counter(t *testing.T) {
	tests := []struct {
		name    string
		results []bool
	}{
		{"all ok", []bool{true, true, true}},
		{"reset by success", []bool{false, false, true, false, false, true}},
		{"threshold", []bool{false, false, false}},
		{"threshold after reset", []bool{false, true, false, false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.cfg.MaxHealthFailures = 3
			p := &scriptedProber{results: append([]bool(nil), tt.results...)}
			c := f.controller(WithProber(p))
			forwarding(t, c)
			sess := f.conn.lastSession()

			want := 0
			for i, ok := range tt.results {
				if got := c.HealthCheck(context.Background()); got != ok {
					t.Fatalf("step %d: HealthCheck = %v, want %v", i, got, ok)
				}
				if ok {
					want = 0
				} else {
					want++
				}

				if want == f.cfg.MaxHealthFailures {
					if p := c.State().Phase(); p != PhaseReconnecting {
						t.Fatalf("step %d: phase = %v, want Reconnecting", i, p)
					}
					waitClosed(t, sess)
					if i != len(tt.results)-1 {
						t.Fatal("script continues past the threshold")
					}
					return
				}

				st, isHC := c.State().(healthChecking)
				if !isHC {
					t.Fatalf("step %d: phase = %v, want HealthChecking", i, c.State().Phase())
				}
				if st.failures != want {
					t.Errorf("step %d: failures = %d, want %d", i, st.failures, want)
				}
				if c.Status().HealthFailures != want {
					t.Errorf("step %d: Status().HealthFailures = %d, want %d", i, c.Status().HealthFailures, want)
				}
			}
		})
	}
}

func TestHealthCheck_RelayStoppedCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	p := &scriptedProber{fallback: true}
	c := f.controller(WithProber(p))
	forwarding(t, c)

	st := c.State().(healthChecking)
	f.srv.DropSessions()
	select {
	case <-st.tunnel.done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay loop did not stop after the session dropped")
	}

	if c.HealthCheck(context.Background()) {
		t.Error("HealthCheck = true with a stopped relay loop")
	}
	if p.Calls() != 0 {
		t.Errorf("probe ran %d times; a stopped relay fails without probing", p.Calls())
	}
	if got := c.State().(healthChecking).failures; got != 1 {
		t.Errorf("failures = %d, want 1", got)
	}
}

func TestHealthCheck_TunnelEstablishedProbesOnly(t *testing.T) {
	f := newFixture(t)
	p := &scriptedProber{results: []bool{false}}
	c := f.controller(WithProber(p))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.HealthCheck(context.Background()) {
		t.Error("HealthCheck = true, want false")
	}
	if p := c.State().Phase(); p != PhaseTunnelEstablished {
		t.Errorf("phase = %v, want TunnelEstablished", p)
	}
}

func TestHealthCheck_Idle(t *testing.T) {
	p := &scriptedProber{fallback: true}
	c := New(config.Default(), quiet(), WithProber(p))
	if c.HealthCheck(context.Background()) {
		t.Error("HealthCheck = true while Idle")
	}
	if p.Calls() != 0 {
		t.Error("no probe should run without a session")
	}
}

func TestHealthCheck_RealProbe(t *testing.T) {
	var fail sync.Map
	f := newFixture(t, sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		if _, ok := fail.Load("on"); ok {
			return "", "boom", 1
		}
		return "healthcheck\n", "", 0
	}))
	c := f.controller()
	forwarding(t, c)

	if !c.HealthCheck(context.Background()) {
		t.Error("HealthCheck = false against a healthy server")
	}
	fail.Store("on", true)
	if c.HealthCheck(context.Background()) {
		t.Error("HealthCheck = true for a non-zero exit")
	}
	if f.srv.Execs() != 2 {
		t.Errorf("Execs = %d, want 2", f.srv.Execs())
	}
}

// ── Disconnect ───────────────────────────────────────────────────────

func TestDisconnect_IdleIsNoop(t *testing.T) {
	c := New(config.Default(), quiet())
	c.Disconnect()
	c.Disconnect()
	if p := c.State().Phase(); p != PhaseIdle {
		t.Errorf("phase = %v, want Idle", p)
	}
	if n := len(c.History()); n != 0 {
		t.Errorf("history has %d entries, want 0", n)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	f := newFixture(t)
	c := f.controller()
	forwarding(t, c)
	sess := f.conn.lastSession()

	c.Disconnect()
	c.Disconnect()

	if p := c.State().Phase(); p != PhaseIdle {
		t.Errorf("phase = %v, want Idle", p)
	}
	if c.Status().Connected {
		t.Error("Connected after Disconnect")
	}
	waitClosed(t, sess)

	disconnects := 0
	for _, e := range f.rec.list() {
		if e == "disconnect" {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Errorf("session closed %d times, want 1", disconnects)
	}

	// The controller can be used again.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	c.Disconnect()
}
