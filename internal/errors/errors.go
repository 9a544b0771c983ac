// Package errors provides the error taxonomy for sshfwd.
//
// Every failure the connection lifecycle can produce is classified into a
// [Kind].  The controller only ever looks at the kind to decide between
// retrying, reconnecting and giving up; the wrapped error carries the
// details for the log.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrTunnelClosed     = errors.New("tunnel is closed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrForwardDenied    = errors.New("tcpip-forward request denied by peer")
)

// ── Kinds ────────────────────────────────────────────────────────────

// Kind classifies a failure by what the controller should do about it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfigInvalid is fatal: the process exits before the loop starts.
	KindConfigInvalid
	// KindTransportConnectFailed means the TCP connect to the SSH endpoint failed.
	KindTransportConnectFailed
	// KindHandshakeFailed means the SSH protocol handshake failed.
	KindHandshakeFailed
	// KindAuthFailed means the server rejected the key, or the key could not be loaded.
	KindAuthFailed
	// KindTunnelEstablishFailed means the remote listener could not be bound.
	KindTunnelEstablishFailed
	// KindHealthProbeFailed counts toward the reconnect threshold.
	KindHealthProbeFailed
	// KindRelayConnectionError is scoped to a single forwarded connection.
	KindRelayConnectionError
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindTransportConnectFailed:
		return "TransportConnectFailed"
	case KindHandshakeFailed:
		return "HandshakeFailed"
	case KindAuthFailed:
		return "AuthFailed"
	case KindTunnelEstablishFailed:
		return "TunnelEstablishFailed"
	case KindHealthProbeFailed:
		return "HealthProbeFailed"
	case KindRelayConnectionError:
		return "RelayConnectionError"
	default:
		return "Unknown"
	}
}

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a plain network operation, such
// as dialing the local target of a forwarded connection.
type NetworkError struct {
	Op        string // operation: "dial", "accept", "copy"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the condition looks temporary
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents a session-level failure against the SSH endpoint.
type SSHError struct {
	Kind Kind
	Op   string // "dial", "handshake", "auth", "forward", "probe"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s: %v", e.Op, net.JoinHostPort(e.Host, fmt.Sprint(e.Port)), e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: %s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError of the given kind.
func WrapSSH(kind Kind, op, host string, port int, err error) *SSHError {
	return &SSHError{Kind: kind, Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// KindOf returns the kind of the outermost classified error in err's
// chain, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *SSHError
	if errors.As(err, &se) {
		return se.Kind
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return KindConfigInvalid
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return KindRelayConnectionError
	}
	return KindUnknown
}

// IsFatal reports whether err must stop the process.  Only invalid
// configuration is fatal; everything else is retried.
func IsFatal(err error) bool {
	return KindOf(err) == KindConfigInvalid
}

// IsAuthFailure reports whether a handshake error returned by
// x/crypto/ssh is an authentication rejection rather than a protocol
// failure.  The library does not export a typed client-side error for
// this, so the message is inspected.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthFailed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-export ────────────────────────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }
