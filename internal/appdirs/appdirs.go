//go:build !windows

// Package appdirs resolves the per-user state directory holding the daemon
// socket, auth token, pid file, spawn lock, and terminal history.
package appdirs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/superset-sh/termkeep/internal/identity"
)

// StateDirEnv overrides the state directory root.
const StateDirEnv = identity.EnvPrefix + "STATE_DIR"

var statePermsWarnOnce sync.Once

// StateDir returns the directory used for daemon state, creating it with
// 0700 when missing.
func StateDir() (string, error) {
	dir, err := StateDirPath()
	if err != nil {
		return "", err
	}
	return ensureStateDir(dir, os.Getenv(StateDirEnv) != "")
}

// StateDirPath resolves the state directory without creating it.
func StateDirPath() (string, error) {
	if override := os.Getenv(StateDirEnv); override != "" {
		return override, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("appdirs: resolve config dir: %w", err)
	}
	return filepath.Join(dir, identity.AppSlug), nil
}

// HistoryDir returns the root of the per-session transcript tree.
func HistoryDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	sub := filepath.Join(dir, "terminal-history")
	if err := os.MkdirAll(sub, 0o700); err != nil {
		return "", fmt.Errorf("appdirs: create history dir: %w", err)
	}
	return sub, nil
}

// WrapperDir returns the directory holding generated shell wrapper scripts.
func WrapperDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	sub := filepath.Join(dir, "wrappers")
	if err := os.MkdirAll(sub, 0o700); err != nil {
		return "", fmt.Errorf("appdirs: create wrapper dir: %w", err)
	}
	return sub, nil
}

func ensureStateDir(dir string, isOverride bool) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("appdirs: state dir is empty")
	}
	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("appdirs: stat state dir: %w", err)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("appdirs: create state dir: %w", err)
		}
		return dir, nil
	}
	if !info.IsDir() {
		return "", fmt.Errorf("appdirs: state dir %q is not a directory", dir)
	}
	mode := info.Mode().Perm()
	if mode&0o077 == 0 {
		return dir, nil
	}
	if isOverride {
		statePermsWarnOnce.Do(func() {
			slog.Warn("state dir is group/world accessible; consider chmod 0700", "path", dir, "mode", mode.String())
		})
		return dir, nil
	}
	if ownedByCurrentUser(info) {
		if err := os.Chmod(dir, 0o700); err != nil {
			return "", fmt.Errorf("appdirs: chmod state dir: %w", err)
		}
		return dir, nil
	}
	statePermsWarnOnce.Do(func() {
		slog.Warn("state dir is not owned by current user; permissions unchanged", "path", dir, "mode", mode.String())
	})
	return dir, nil
}

func ownedByCurrentUser(info os.FileInfo) bool {
	if info == nil {
		return false
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return int(stat.Uid) == os.Getuid()
}
