package config

// loader.go - configuration loading from a YAML file and the environment.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables
//   3. Config file (--config)
//   4. Defaults   (defaults.go)

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	nerrors "sshfwd/internal/errors"
)

// Load returns the defaults overlaid with the file at path (skipped when
// path is empty) and then the environment.  The result is not yet
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto cfg.  Keys absent
// from the file keep their current value; unknown keys are rejected.
func LoadFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &nerrors.ConfigError{
			Field:   "config",
			Value:   path,
			Message: err.Error(),
		}
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return &nerrors.ConfigError{
			Field:   "config",
			Value:   path,
			Message: fmt.Sprintf("invalid YAML: %v", err),
			Hint:    "keys use the lower-case environment variable names, e.g. ssh_host",
		}
	}
	return nil
}

// LoadFromEnv overlays environment variables onto cfg.  Only variables
// that are set override the existing value.
func LoadFromEnv(cfg *Config) error {
	if err := envconfig.Process("", cfg); err != nil {
		var pe *envconfig.ParseError
		if errors.As(err, &pe) {
			return &nerrors.ConfigError{
				Field:   strings.ToLower(pe.KeyName),
				Value:   pe.Value,
				Message: fmt.Sprintf("cannot parse as %s", pe.TypeName),
				Hint:    fmt.Sprintf("check the value of %s", pe.KeyName),
			}
		}
		return &nerrors.ConfigError{Field: "environment", Message: err.Error()}
	}
	return nil
}
