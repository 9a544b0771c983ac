// Package cmd wires up the CLI flags, loads the configuration and runs
// the forwarder.
package cmd

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"sshfwd/config"
	"sshfwd/internal/controller"
	"sshfwd/internal/metrics"
	"sshfwd/internal/status"
	"sshfwd/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X sshfwd/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args, loads and validates the configuration and runs
// the forwarder until ctx is cancelled.  Configuration errors are
// returned before any connection is attempted.
func Execute(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sshfwd", flag.ContinueOnError)

	var (
		configPath  string
		logLevel    string
		verbose     int
		check       bool
		showVersion bool
		showHelp    bool
	)
	fs.StringVar(&configPath, "config", "", "YAML config file (environment variables override it)")
	fs.StringVar(&logLevel, "log-level", "", "Log level: error, warn, info, verbose, debug")
	fs.CountVarP(&verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&check, "check", false, "Validate the configuration and key file, then exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("sshfwd %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v (use --help for usage)", fs.Args())
	}

	// ── configuration ────────────────────────────────────────────
	cfg, err := loadConfig(configPath, logLevel)
	if err != nil {
		return err
	}

	level, _ := util.ParseLevel(cfg.LogLevel) // validated above
	level += util.LogLevel(verbose)
	if level > util.LogDebug {
		level = util.LogDebug
	}
	logger := util.NewLogger(level)

	if check {
		fmt.Printf("configuration ok: %s (remote) -> %s (local) via %s\n",
			cfg.RemoteBind(), cfg.LocalBind(), cfg.SSHAddr())
		return nil
	}

	return run(ctx, cfg, logger)
}

// loadConfig applies defaults, the config file, the environment and the
// flags in that order, then validates.  Every error is a ConfigError.
func loadConfig(path, logLevel string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.ResolveSSHConfig(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.CheckKeyFile(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run drives the controller and the status server together.  A status
// server bind failure stops both.
func run(ctx context.Context, cfg *config.Config, logger *util.Logger) error {
	m := metrics.New()
	ctrl := controller.New(cfg, logger, controller.WithMetrics(m))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	if cfg.WebEnabled {
		srv := status.New(cfg, ctrl, m, logger)
		g.Go(func() error {
			if err := srv.ListenAndServe(ctx); err != nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}

	logger.Info("sshfwd %s: forwarding %s (remote) -> %s (local) via %s",
		version, cfg.RemoteBind(), cfg.LocalBind(), cfg.SSHAddr())
	err := g.Wait()
	logger.Info("stopped\n%s", m.JSON())
	return err
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `sshfwd - SSH reverse tunnel daemon v%s

Keeps a remote port on an SSH server forwarded to a local service,
reconnecting when the session fails its health checks.

Usage:
  sshfwd [options]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Configuration (environment, or the same keys in lower case in --config):
  SSH_HOST SSH_PORT SSH_USERNAME SSH_PRIVATE_KEY_PATH SSH_PASSPHRASE
  SSH_CONNECT_TIMEOUT SSH_KNOWN_HOSTS SSH_CONFIG_FILE
  LOCAL_HOST LOCAL_PORT LOCAL_DIAL_TIMEOUT MAX_CONNECTIONS
  REMOTE_HOST REMOTE_PORT
  HEALTH_CHECK_INTERVAL HEALTH_CHECK_TIMEOUT HEALTH_CHECK_COMMAND
  MAX_HEALTH_FAILURES RECONNECT_DELAY LOG_LEVEL
  WEB_ENABLED WEB_INTERFACE WEB_PORT

Examples:
  SSH_HOST=gw.example.com SSH_USERNAME=tunnel \
  SSH_PRIVATE_KEY_PATH=~/.ssh/id_ed25519 \
  LOCAL_PORT=3000 REMOTE_PORT=8000 sshfwd
  sshfwd --config /etc/sshfwd.yaml -v
  sshfwd --config /etc/sshfwd.yaml --check
`)
}
