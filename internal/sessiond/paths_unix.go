//go:build !windows

package sessiond

import (
	"os"
	"path/filepath"

	"github.com/superset-sh/termkeep/internal/appdirs"
	"github.com/superset-sh/termkeep/internal/identity"
)

const (
	socketEnv = identity.EnvPrefix + "SOCKET"
	pidEnv    = identity.EnvPrefix + "PID_FILE"
)

// DefaultSocketPath returns the daemon's unix socket path.
func DefaultSocketPath() (string, error) {
	if path := os.Getenv(socketEnv); path != "" {
		return path, nil
	}
	dir, err := appdirs.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.sock"), nil
}

// DefaultPidPath returns the daemon's pid file path.
func DefaultPidPath() (string, error) {
	if path := os.Getenv(pidEnv); path != "" {
		return path, nil
	}
	dir, err := appdirs.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.pid"), nil
}

// DefaultTokenPath returns the auth token file path.
func DefaultTokenPath() (string, error) {
	dir, err := appdirs.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "auth-token"), nil
}

// DefaultSpawnLockPath returns the auto-spawn lock file path.
func DefaultSpawnLockPath() (string, error) {
	dir, err := appdirs.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "spawn.lock"), nil
}

// DefaultBackendSocketPath returns the tmux control socket path.
func DefaultBackendSocketPath() (string, error) {
	dir, err := appdirs.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tmux.sock"), nil
}
