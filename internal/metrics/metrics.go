// Package metrics provides lightweight, lock-free counters for the
// forwarder: forwarded connections, relayed bytes, connect attempts,
// health probes and reconnects.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one forwarder process.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	connectionsFailed atomic.Int64
	bytesToLocal      atomic.Int64
	bytesToRemote     atomic.Int64
	connectAttempts   atomic.Int64
	connectFailures   atomic.Int64
	probeSuccesses    atomic.Int64
	probeFailures     atomic.Int64
	tunnelReconnects  atomic.Int64
	errorsTotal       atomic.Int64

	mu              sync.RWMutex
	startTime       time.Time
	lastConnected   time.Time
	lastHealthCheck time.Time
	lastError       time.Time
	lastErrorMsg    string
}

// New creates a collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Forwarded connections ────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active counter.  failed marks a
// connection that ended with a relay error.
func (c *Collector) ConnectionClosed(failed bool) {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
	if failed {
		c.connectionsFailed.Add(1)
	}
}

// ActiveConnections returns the number of relays in flight.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime forwarded connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// ── Relayed bytes ────────────────────────────────────────────────────

// BytesRelayed records the byte counts of one finished relay.
func (c *Collector) BytesRelayed(toLocal, toRemote int64) {
	if c == nil {
		return
	}
	c.bytesToLocal.Add(toLocal)
	c.bytesToRemote.Add(toRemote)
}

// TotalBytesToLocal returns bytes copied from the tunnel to the local target.
func (c *Collector) TotalBytesToLocal() int64 {
	if c == nil {
		return 0
	}
	return c.bytesToLocal.Load()
}

// TotalBytesToRemote returns bytes copied from the local target into the tunnel.
func (c *Collector) TotalBytesToRemote() int64 {
	if c == nil {
		return 0
	}
	return c.bytesToRemote.Load()
}

// ── Session lifecycle ────────────────────────────────────────────────

// ConnectAttempt records the start of a connect attempt.
func (c *Collector) ConnectAttempt() {
	if c == nil {
		return
	}
	c.connectAttempts.Add(1)
}

// ConnectFailed records a failed connect or tunnel establishment.
func (c *Collector) ConnectFailed() {
	if c == nil {
		return
	}
	c.connectFailures.Add(1)
}

// Connected records that a tunnel is up.
func (c *Collector) Connected() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastConnected = time.Now()
	c.mu.Unlock()
}

// TunnelReconnect records a forced reconnection.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnects.Add(1)
}

// TunnelReconnects returns the forced reconnection count.
func (c *Collector) TunnelReconnects() int64 {
	if c == nil {
		return 0
	}
	return c.tunnelReconnects.Load()
}

// ── Health ───────────────────────────────────────────────────────────

// RecordHealthCheck records a probe outcome.
func (c *Collector) RecordHealthCheck(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.probeSuccesses.Add(1)
	} else {
		c.probeFailures.Add(1)
	}
	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
}

// ── Errors ───────────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	ConnectionsActive int64  `json:"connections_active"`
	ConnectionsTotal  int64  `json:"connections_total"`
	ConnectionsFailed int64  `json:"connections_failed"`
	BytesToLocal      int64  `json:"bytes_to_local"`
	BytesToRemote     int64  `json:"bytes_to_remote"`
	ConnectAttempts   int64  `json:"connect_attempts"`
	ConnectFailures   int64  `json:"connect_failures"`
	ProbeSuccesses    int64  `json:"probe_successes"`
	ProbeFailures     int64  `json:"probe_failures"`
	TunnelReconnects  int64  `json:"tunnel_reconnects"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastConnected     string `json:"last_connected,omitempty"`
	LastHealthCheck   string `json:"last_health_check,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		ConnectionsFailed: c.connectionsFailed.Load(),
		BytesToLocal:      c.bytesToLocal.Load(),
		BytesToRemote:     c.bytesToRemote.Load(),
		ConnectAttempts:   c.connectAttempts.Load(),
		ConnectFailures:   c.connectFailures.Load(),
		ProbeSuccesses:    c.probeSuccesses.Load(),
		ProbeFailures:     c.probeFailures.Load(),
		TunnelReconnects:  c.tunnelReconnects.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if !c.lastConnected.IsZero() {
		s.LastConnected = c.lastConnected.Format(time.RFC3339)
	}
	if !c.lastHealthCheck.IsZero() {
		s.LastHealthCheck = c.lastHealthCheck.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
