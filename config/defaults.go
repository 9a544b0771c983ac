package config

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the config file, and environment variable loading.
// Durations are in whole seconds, matching the environment variables.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultLocalHost is the local target the tunnel forwards to.
	DefaultLocalHost = "127.0.0.1"

	// DefaultRemoteHost is the bind address requested on the SSH server.
	DefaultRemoteHost = "localhost"

	// DefaultHealthCheckInterval is the time between health probes.
	DefaultHealthCheckInterval = 30

	// DefaultReconnectDelay is the fixed wait between connection attempts.
	DefaultReconnectDelay = 5

	// DefaultLogLevel is the log_level used when none is configured.
	DefaultLogLevel = "info"

	// DefaultWebInterface is the status server bind host.
	DefaultWebInterface = "127.0.0.1"

	// DefaultWebPort is the status server port.
	DefaultWebPort = 8080

	// DefaultConnectTimeout bounds the TCP connect plus SSH handshake.
	DefaultConnectTimeout = 30

	// DefaultHealthCheckTimeout bounds a single health probe.
	DefaultHealthCheckTimeout = 10

	// DefaultHealthCheckCommand is run on the SSH server by each probe.
	DefaultHealthCheckCommand = "echo healthcheck"

	// DefaultMaxHealthFailures is the number of consecutive failed probes
	// that forces a reconnect.
	DefaultMaxHealthFailures = 3

	// DefaultLocalDialTimeout bounds the dial to the local target for
	// each forwarded connection.
	DefaultLocalDialTimeout = 5

	// DefaultMaxConnections caps concurrent forwarded connections;
	// 0 means unlimited.
	DefaultMaxConnections = 0
)
