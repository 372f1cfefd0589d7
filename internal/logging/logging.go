// Package logging configures the process-wide slog logger. The daemon logs
// JSON to a rotating file; CLI invocations log text to stderr and stay
// quiet below error level.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/superset-sh/termkeep/internal/appdirs"
	"github.com/superset-sh/termkeep/internal/identity"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Mode selects the logging defaults.
type Mode int

const (
	ModeCLI Mode = iota + 1
	ModeDaemon
)

func (m Mode) String() string {
	if m == ModeDaemon {
		return "daemon"
	}
	return "cli"
}

const (
	EnvLogLevel     = identity.EnvPrefix + "LOG_LEVEL"
	EnvLogFile      = identity.EnvPrefix + "LOG_FILE"
	EnvLogMaxSizeMB = identity.EnvPrefix + "LOG_MAX_SIZE_MB"
)

// Options configures Init.
type Options struct {
	App     string
	Version string
	Mode    Mode
}

// Init installs the default logger and returns a close function for the
// underlying sink.
func Init(opts Options) (func() error, error) {
	if opts.App == "" {
		opts.App = identity.AppSlug
	}
	if opts.Mode == 0 {
		opts.Mode = ModeCLI
	}

	level := defaultLevel(opts.Mode)
	if v := os.Getenv(EnvLogLevel); v != "" {
		level = parseLevel(v)
	}

	writer, closeFn, err := resolveWriter(opts.Mode)
	if err != nil {
		return nil, err
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if opts.Mode == ModeDaemon {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}
	logger := slog.New(handler).With(
		slog.String("app", opts.App),
		slog.String("version", opts.Version),
		slog.String("mode", opts.Mode.String()),
	)
	slog.SetDefault(logger)
	return closeFn, nil
}

// DefaultLogPath returns the daemon log file path.
func DefaultLogPath() (string, error) {
	if path := os.Getenv(EnvLogFile); path != "" {
		return path, nil
	}
	dir, err := appdirs.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.log"), nil
}

func resolveWriter(mode Mode) (io.Writer, func() error, error) {
	if mode != ModeDaemon {
		return os.Stderr, func() error { return nil }, nil
	}
	path, err := DefaultLogPath()
	if err != nil {
		return nil, nil, fmt.Errorf("logging: resolve log path: %w", err)
	}
	maxSize := 20
	if v := os.Getenv(EnvLogMaxSizeMB); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxSize = n
		}
	}
	rot := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: 5,
		MaxAge:     7,
		Compress:   true,
	}
	return rot, rot.Close, nil
}

func defaultLevel(mode Mode) slog.Level {
	if mode == ModeDaemon {
		return slog.LevelInfo
	}
	return slog.LevelError
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
