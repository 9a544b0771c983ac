package controller

import (
	"net"

	"sshfwd/internal/relay"
	"sshfwd/internal/session"
)

// Phase names a lifecycle state for logging and status.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseAuthenticating
	PhaseTunnelEstablished
	PhaseHealthChecking
	PhaseReconnecting
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseConnecting:
		return "Connecting"
	case PhaseAuthenticating:
		return "Authenticating"
	case PhaseTunnelEstablished:
		return "TunnelEstablished"
	case PhaseHealthChecking:
		return "HealthChecking"
	case PhaseReconnecting:
		return "Reconnecting"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// MarshalText renders the phase name in JSON.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// State is the controller's lifecycle state.  The concrete types are
// unexported and each carries only what is valid in that state, so a
// session is reachable exactly when one is owned.
type State interface {
	Phase() Phase
	isState()
}

type idle struct{}

type connecting struct{}

// authenticating owns the raw transport during the handshake.
type authenticating struct {
	conn net.Conn
}

type tunnelEstablished struct {
	sess *session.Session
}

type healthChecking struct {
	sess     *session.Session
	tunnel   *activeTunnel
	failures int
}

type reconnecting struct {
	reason error
}

type failed struct {
	err error
}

func (idle) Phase() Phase              { return PhaseIdle }
func (connecting) Phase() Phase        { return PhaseConnecting }
func (authenticating) Phase() Phase    { return PhaseAuthenticating }
func (tunnelEstablished) Phase() Phase { return PhaseTunnelEstablished }
func (healthChecking) Phase() Phase    { return PhaseHealthChecking }
func (reconnecting) Phase() Phase      { return PhaseReconnecting }
func (failed) Phase() Phase            { return PhaseFailed }

func (idle) isState()              {}
func (connecting) isState()        {}
func (authenticating) isState()    {}
func (tunnelEstablished) isState() {}
func (healthChecking) isState()    {}
func (reconnecting) isState()      {}
func (failed) isState()            {}

// activeTunnel is a running relay loop.
type activeTunnel struct {
	ln     *relay.Listener
	cancel func()
	done   chan struct{}
	err    error // set before done is closed
}

// alive reports whether the relay loop is still running.
func (t *activeTunnel) alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// stop cancels the relay loop and waits for every relay to finish.
func (t *activeTunnel) stop() {
	t.cancel()
	<-t.done
}
