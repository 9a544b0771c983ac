// Package util provides low-level helpers shared by all other packages.
package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0 // errors only
	LogWarn    LogLevel = 1
	LogNormal  LogLevel = 2
	LogVerbose LogLevel = 3
	LogDebug   LogLevel = 4
)

func (l LogLevel) String() string {
	switch {
	case l <= LogQuiet:
		return "error"
	case l == LogWarn:
		return "warn"
	case l == LogNormal:
		return "info"
	case l == LogVerbose:
		return "verbose"
	default:
		return "debug"
	}
}

// ParseLevel maps a log_level setting to a LogLevel.  "trace" is an
// alias for debug.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error", "quiet":
		return LogQuiet, nil
	case "warn", "warning":
		return LogWarn, nil
	case "", "info":
		return LogNormal, nil
	case "verbose":
		return LogVerbose, nil
	case "debug", "trace":
		return LogDebug, nil
	}
	return LogNormal, fmt.Errorf("unknown log level %q", s)
}

// Logger writes levelled messages to stderr with optional timestamps
// and level prefixes.
type Logger struct {
	level      LogLevel
	output     io.Writer
	mu         sync.Mutex
	timestamps bool
}

// NewLogger returns a Logger that prints messages at or below level.
// Timestamps are on when stderr is not a terminal (the daemon is
// running under a supervisor) or at debug level.
func NewLogger(level LogLevel) *Logger {
	return &Logger{
		level:      level,
		output:     os.Stderr,
		timestamps: level >= LogDebug || !term.IsTerminal(int(os.Stderr.Fd())),
	}
}

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) { l.timestamps = on }

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) { l.output = w }

// SetLevel changes the verbosity.
func (l *Logger) SetLevel(level LogLevel) { l.level = level }

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// Warn prints at warn and above.  Prefixed with [WRN].
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level >= LogWarn {
		l.write("WRN", format, args...)
	}
}

// Info prints at info and above.  Prefixed with [INF].
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write("INF", format, args...)
	}
}

// Verbose prints at verbose and above.  Prefixed with [VRB].
func (l *Logger) Verbose(format string, args ...interface{}) {
	if l.level >= LogVerbose {
		l.write("VRB", format, args...)
	}
}

// Debug prints at debug.  Prefixed with [DBG].
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level >= LogDebug {
		l.write("DBG", format, args...)
	}
}

// Error always prints regardless of verbosity.  Prefixed with [ERR].
func (l *Logger) Error(format string, args ...interface{}) {
	l.write("ERR", format, args...)
}

func (l *Logger) write(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	if l.timestamps {
		ts := time.Now().Format("15:04:05.000")
		fmt.Fprintf(l.output, "%s [%s] %s\n", ts, level, msg)
	} else {
		fmt.Fprintf(l.output, "[%s] %s\n", level, msg)
	}
}
