package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"

	nerrors "sshfwd/internal/errors"
)

// ResolveSSHConfig treats ssh_host as a Host alias in the OpenSSH client
// config named by ssh_config_file and fills in what the alias defines:
// HostName always replaces the alias, Port only replaces the default
// port, and User and IdentityFile only fill empty fields.  It is a no-op
// when ssh_config_file is empty.
func (c *Config) ResolveSSHConfig() error {
	if c.SSHConfigFile == "" || c.SSHHost == "" {
		return nil
	}
	f, err := os.Open(expandHome(c.SSHConfigFile))
	if err != nil {
		return &nerrors.ConfigError{Field: "ssh_config_file", Value: c.SSHConfigFile, Message: err.Error()}
	}
	defer f.Close()

	sc, err := ssh_config.Decode(f)
	if err != nil {
		return &nerrors.ConfigError{
			Field:   "ssh_config_file",
			Value:   c.SSHConfigFile,
			Message: fmt.Sprintf("cannot parse: %v", err),
		}
	}

	alias := c.SSHHost
	get := func(key string) string {
		v, _ := sc.Get(alias, key)
		return strings.TrimSpace(v)
	}

	if v := get("HostName"); v != "" {
		c.SSHHost = v
	}
	if v := get("Port"); v != "" && c.SSHPort == DefaultSSHPort {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &nerrors.ConfigError{
				Field:   "ssh_config_file",
				Value:   c.SSHConfigFile,
				Message: fmt.Sprintf("host %s: invalid Port %q", alias, v),
			}
		}
		c.SSHPort = port
	}
	if v := get("User"); v != "" && c.SSHUsername == "" {
		c.SSHUsername = v
	}
	if v := get("IdentityFile"); v != "" && c.SSHPrivateKeyPath == "" {
		c.SSHPrivateKeyPath = expandHome(v)
	}
	return nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
