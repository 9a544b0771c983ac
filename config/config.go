// Package config defines the immutable runtime configuration of the
// forwarder and loads it from defaults, an optional YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"time"

	nerrors "sshfwd/internal/errors"
	"sshfwd/util"
)

// Config holds every tuneable of one forwarder process.  It is built once
// at startup and shared read-only afterwards.
type Config struct {
	// ── SSH endpoint ─────────────────────────────────────────────────
	SSHHost           string `yaml:"ssh_host" envconfig:"SSH_HOST"`
	SSHPort           int    `yaml:"ssh_port" envconfig:"SSH_PORT"`
	SSHUsername       string `yaml:"ssh_username" envconfig:"SSH_USERNAME"`
	SSHPrivateKeyPath string `yaml:"ssh_private_key_path" envconfig:"SSH_PRIVATE_KEY_PATH"`
	SSHPassphrase     string `yaml:"ssh_passphrase" envconfig:"SSH_PASSPHRASE"`
	SSHConnectTimeout int    `yaml:"ssh_connect_timeout" envconfig:"SSH_CONNECT_TIMEOUT"`
	SSHKnownHosts     string `yaml:"ssh_known_hosts" envconfig:"SSH_KNOWN_HOSTS"`
	SSHConfigFile     string `yaml:"ssh_config_file" envconfig:"SSH_CONFIG_FILE"`

	// ── Forwarding ───────────────────────────────────────────────────
	LocalHost        string `yaml:"local_host" envconfig:"LOCAL_HOST"`
	LocalPort        int    `yaml:"local_port" envconfig:"LOCAL_PORT"`
	RemoteHost       string `yaml:"remote_host" envconfig:"REMOTE_HOST"`
	RemotePort       int    `yaml:"remote_port" envconfig:"REMOTE_PORT"`
	LocalDialTimeout int    `yaml:"local_dial_timeout" envconfig:"LOCAL_DIAL_TIMEOUT"`
	MaxConnections   int    `yaml:"max_connections" envconfig:"MAX_CONNECTIONS"`

	// ── Health and reconnect ─────────────────────────────────────────
	HealthCheckInterval int    `yaml:"health_check_interval" envconfig:"HEALTH_CHECK_INTERVAL"`
	HealthCheckTimeout  int    `yaml:"health_check_timeout" envconfig:"HEALTH_CHECK_TIMEOUT"`
	HealthCheckCommand  string `yaml:"health_check_command" envconfig:"HEALTH_CHECK_COMMAND"`
	MaxHealthFailures   int    `yaml:"max_health_failures" envconfig:"MAX_HEALTH_FAILURES"`
	ReconnectDelay      int    `yaml:"reconnect_delay" envconfig:"RECONNECT_DELAY"`

	// ── Output ───────────────────────────────────────────────────────
	LogLevel     string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	WebEnabled   bool   `yaml:"web_enabled" envconfig:"WEB_ENABLED"`
	WebInterface string `yaml:"web_interface" envconfig:"WEB_INTERFACE"`
	WebPort      int    `yaml:"web_port" envconfig:"WEB_PORT"`
}

// Default returns a Config with every optional field at its default.
func Default() *Config {
	return &Config{
		SSHPort:             DefaultSSHPort,
		SSHConnectTimeout:   DefaultConnectTimeout,
		LocalHost:           DefaultLocalHost,
		RemoteHost:          DefaultRemoteHost,
		LocalDialTimeout:    DefaultLocalDialTimeout,
		MaxConnections:      DefaultMaxConnections,
		HealthCheckInterval: DefaultHealthCheckInterval,
		HealthCheckTimeout:  DefaultHealthCheckTimeout,
		HealthCheckCommand:  DefaultHealthCheckCommand,
		MaxHealthFailures:   DefaultMaxHealthFailures,
		ReconnectDelay:      DefaultReconnectDelay,
		LogLevel:            DefaultLogLevel,
		WebEnabled:          true,
		WebInterface:        DefaultWebInterface,
		WebPort:             DefaultWebPort,
	}
}

// ── Endpoint helpers ─────────────────────────────────────────────────

// SSHAddr returns "ssh_host:ssh_port".
func (c *Config) SSHAddr() string { return util.FormatAddr(c.SSHHost, c.SSHPort) }

// LocalBind returns "local_host:local_port", the target of every
// forwarded connection.
func (c *Config) LocalBind() string { return util.FormatAddr(c.LocalHost, c.LocalPort) }

// RemoteBind returns "remote_host:remote_port", the listener requested
// on the SSH server.
func (c *Config) RemoteBind() string { return util.FormatAddr(c.RemoteHost, c.RemotePort) }

// WebAddr returns the status server listen address.
func (c *Config) WebAddr() string { return util.FormatAddr(c.WebInterface, c.WebPort) }

// ── Durations ────────────────────────────────────────────────────────

func (c *Config) ConnectTimeout() time.Duration { return seconds(c.SSHConnectTimeout) }
func (c *Config) HealthInterval() time.Duration { return seconds(c.HealthCheckInterval) }
func (c *Config) ProbeTimeout() time.Duration   { return seconds(c.HealthCheckTimeout) }
func (c *Config) Reconnect() time.Duration      { return seconds(c.ReconnectDelay) }
func (c *Config) DialTimeout() time.Duration    { return seconds(c.LocalDialTimeout) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is complete and in range.  It
// returns the first problem found as a *errors.ConfigError.
func (c *Config) Validate() error {
	required := []struct {
		field, env, value string
	}{
		{"ssh_host", "SSH_HOST", c.SSHHost},
		{"ssh_username", "SSH_USERNAME", c.SSHUsername},
		{"ssh_private_key_path", "SSH_PRIVATE_KEY_PATH", c.SSHPrivateKeyPath},
		{"local_host", "LOCAL_HOST", c.LocalHost},
		{"remote_host", "REMOTE_HOST", c.RemoteHost},
	}
	for _, r := range required {
		if r.value == "" {
			return &nerrors.ConfigError{
				Field:   r.field,
				Message: "is required",
				Hint:    fmt.Sprintf("set %s or %s in the config file", r.env, r.field),
			}
		}
	}

	if err := checkPort("ssh_port", c.SSHPort, 1); err != nil {
		return err
	}
	if err := checkPort("local_port", c.LocalPort, 1); err != nil {
		return err
	}
	// 0 asks the server to pick the port.
	if err := checkPort("remote_port", c.RemotePort, 0); err != nil {
		return err
	}

	positive := []struct {
		field string
		value int
	}{
		{"health_check_interval", c.HealthCheckInterval},
		{"health_check_timeout", c.HealthCheckTimeout},
		{"max_health_failures", c.MaxHealthFailures},
		{"ssh_connect_timeout", c.SSHConnectTimeout},
		{"local_dial_timeout", c.LocalDialTimeout},
	}
	for _, p := range positive {
		if p.value < 1 {
			return &nerrors.ConfigError{Field: p.field, Value: p.value, Message: "must be at least 1"}
		}
	}
	if c.ReconnectDelay < 0 {
		return &nerrors.ConfigError{Field: "reconnect_delay", Value: c.ReconnectDelay, Message: "must not be negative"}
	}
	if c.MaxConnections < 0 {
		return &nerrors.ConfigError{
			Field:   "max_connections",
			Value:   c.MaxConnections,
			Message: "must not be negative",
			Hint:    "use 0 for no limit",
		}
	}
	if c.HealthCheckCommand == "" {
		return &nerrors.ConfigError{Field: "health_check_command", Message: "is required"}
	}
	if _, err := util.ParseLevel(c.LogLevel); err != nil {
		return &nerrors.ConfigError{
			Field:   "log_level",
			Value:   c.LogLevel,
			Message: "unknown level",
			Hint:    "use one of error, warn, info, verbose, debug, trace",
		}
	}
	if c.WebEnabled {
		if err := checkPort("web_port", c.WebPort, 1); err != nil {
			return err
		}
	}
	return nil
}

func checkPort(field string, port, lowest int) error {
	if port < lowest || port > 65535 {
		return &nerrors.ConfigError{
			Field:   field,
			Value:   port,
			Message: fmt.Sprintf("out of range %d-65535", lowest),
		}
	}
	return nil
}

// CheckKeyFile enforces the startup precondition that the private key
// exists.  It never reads the key; that happens on every connect.
func (c *Config) CheckKeyFile() error {
	info, err := os.Stat(c.SSHPrivateKeyPath)
	if err != nil {
		return &nerrors.ConfigError{
			Field:   "ssh_private_key_path",
			Value:   c.SSHPrivateKeyPath,
			Message: "private key file not found",
			Hint:    "check SSH_PRIVATE_KEY_PATH points at a readable key file",
		}
	}
	if info.IsDir() {
		return &nerrors.ConfigError{
			Field:   "ssh_private_key_path",
			Value:   c.SSHPrivateKeyPath,
			Message: "is a directory",
		}
	}
	return nil
}
