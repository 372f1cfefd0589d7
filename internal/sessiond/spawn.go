package sessiond

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/superset-sh/termkeep/internal/appdirs"
)

const (
	spawnWaitTimeout   = 10 * time.Second
	spawnPollInterval  = 150 * time.Millisecond
	spawnLockRetryWait = 100 * time.Millisecond
)

type spawnOps struct {
	probe func(context.Context, string, string) error
	start func(string) error
	wait  func(context.Context, string, string) error
}

type daemonProcessDeps struct {
	executable  func() (string, error)
	execCommand func(string, ...string) *exec.Cmd
	logPath     func() (string, error)
	environ     func() []string
	openFile    func(string, int, os.FileMode) (*os.File, error)
	startProc   func(*exec.Cmd) error
	releaseProc func(*os.Process) error
}

// EnsureDaemonRunning starts the daemon when no live instance answers on
// the default socket. Concurrent callers serialize on a lock file so only
// one of them spawns.
func EnsureDaemonRunning(ctx context.Context) error {
	return ensureDaemonRunning(ctx, spawnOps{
		probe: ProbeDaemon,
		start: startDaemonProcess,
		wait:  waitForDaemon,
	})
}

func ensureDaemonRunning(ctx context.Context, ops spawnOps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	socketPath, err := DefaultSocketPath()
	if err != nil {
		return err
	}
	tokenPath, err := DefaultTokenPath()
	if err != nil {
		return err
	}
	if err := ops.probe(ctx, socketPath, tokenPath); err == nil {
		return nil
	} else if errors.Is(err, ErrDaemonProbeTimeout) {
		return err
	}

	lockPath, err := DefaultSpawnLockPath()
	if err != nil {
		return err
	}
	lock := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, spawnWaitTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, spawnLockRetryWait)
	if err != nil {
		return fmt.Errorf("sessiond: acquire spawn lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("sessiond: spawn lock busy")
	}
	defer func() { _ = lock.Unlock() }()

	// Another client may have spawned while we waited for the lock.
	if err := ops.probe(ctx, socketPath, tokenPath); err == nil {
		return nil
	} else if errors.Is(err, ErrDaemonProbeTimeout) {
		return err
	}
	if err := ops.start(socketPath); err != nil {
		return err
	}
	return ops.wait(ctx, socketPath, tokenPath)
}

// Connect ensures the daemon is running and returns an authenticated
// client.
func Connect(ctx context.Context, clientVersion string) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := EnsureDaemonRunning(ctx); err != nil {
		return nil, err
	}
	socketPath, err := DefaultSocketPath()
	if err != nil {
		return nil, err
	}
	tokenPath, err := DefaultTokenPath()
	if err != nil {
		return nil, err
	}
	token, err := LoadToken(tokenPath)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, socketPath, DialOptions{Token: token, ClientVersion: clientVersion})
}

// StopDaemon asks a running daemon to shut down and waits for its socket
// to disappear. A daemon that ignores the request gets a SIGTERM via its
// pid file. Returns nil when no daemon is running.
func StopDaemon(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	socketPath, err := DefaultSocketPath()
	if err != nil {
		return err
	}
	tokenPath, err := DefaultTokenPath()
	if err != nil {
		return err
	}
	if err := ProbeDaemon(ctx, socketPath, tokenPath); err != nil {
		if errors.Is(err, ErrDaemonProbeTimeout) {
			return err
		}
		return nil
	}

	token, err := LoadToken(tokenPath)
	if err != nil {
		return err
	}
	client, err := Dial(ctx, socketPath, DialOptions{Token: token})
	if err == nil {
		shutdownErr := client.Shutdown(ctx)
		_ = client.Close()
		if shutdownErr == nil {
			return waitForDaemonStop(ctx, socketPath, tokenPath)
		}
	}

	pidPath, err := DefaultPidPath()
	if err != nil {
		return err
	}
	pid, err := readPidFile(pidPath)
	if err != nil {
		return err
	}
	if err := signalDaemon(pid); err != nil {
		return err
	}
	return waitForDaemonStop(ctx, socketPath, tokenPath)
}

func startDaemonProcess(socketPath string) error {
	return startDaemonProcessWith(socketPath, daemonProcessDeps{})
}

func startDaemonProcessWith(socketPath string, deps daemonProcessDeps) error {
	executable := deps.executable
	if executable == nil {
		executable = os.Executable
	}
	execCommand := deps.execCommand
	if execCommand == nil {
		execCommand = exec.Command
	}
	logPath := deps.logPath
	if logPath == nil {
		logPath = defaultSpawnLogPath
	}
	environ := deps.environ
	if environ == nil {
		environ = os.Environ
	}
	openFile := deps.openFile
	if openFile == nil {
		openFile = os.OpenFile
	}
	startProc := deps.startProc
	if startProc == nil {
		startProc = func(cmd *exec.Cmd) error { return cmd.Start() }
	}
	releaseProc := deps.releaseProc
	if releaseProc == nil {
		releaseProc = func(p *os.Process) error { return p.Release() }
	}

	exe, err := executable()
	if err != nil {
		return fmt.Errorf("sessiond: resolve executable: %w", err)
	}
	cmd := execCommand(exe, "daemon")
	configureDaemonCommand(cmd)
	cmd.Env = append(environ(), socketEnv+"="+socketPath)

	if path, err := logPath(); err == nil && path != "" {
		if file, openErr := openFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); openErr == nil {
			cmd.Stdout = file
			cmd.Stderr = file
		}
	}

	if err := startProc(cmd); err != nil {
		return fmt.Errorf("sessiond: start daemon: %w", err)
	}
	if cmd.Process != nil {
		_ = releaseProc(cmd.Process)
	}
	return nil
}

// defaultSpawnLogPath is where a spawned daemon's stdout/stderr land
// before its structured logger takes over.
func defaultSpawnLogPath() (string, error) {
	dir, err := appdirs.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon-spawn.log"), nil
}

func waitForDaemon(ctx context.Context, socketPath, tokenPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	deadline := time.NewTimer(spawnWaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(spawnPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("sessiond: daemon did not start")
		case <-ticker.C:
			if err := ProbeDaemon(ctx, socketPath, tokenPath); err == nil {
				return nil
			}
		}
	}
}

func waitForDaemonStop(ctx context.Context, socketPath, tokenPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	deadline := time.NewTimer(spawnWaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(spawnPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("sessiond: daemon did not stop")
		case <-ticker.C:
			if _, err := os.Stat(socketPath); os.IsNotExist(err) {
				return nil
			}
			if err := ProbeDaemon(ctx, socketPath, tokenPath); err != nil {
				if errors.Is(err, ErrDaemonProbeTimeout) {
					return err
				}
				return nil
			}
		}
	}
}
