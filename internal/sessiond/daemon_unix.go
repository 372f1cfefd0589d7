//go:build !windows

package sessiond

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
)

// processAlive reports whether a process with the given pid exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

func (d *Daemon) handleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		signal.Stop(ch)
		d.log.Info("shutting down on signal", "signal", sig.String())
		_ = d.Stop()
	}()
}

// signalDaemon sends SIGTERM to a daemon that ignored the shutdown
// request.
func signalDaemon(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("sessiond: signal daemon: %w", err)
	}
	return nil
}

// configureDaemonCommand detaches the spawned daemon from the caller's
// session so terminal hangups never reach it.
func configureDaemonCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

var signalNames = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"KILL": syscall.SIGKILL,
	"TERM": syscall.SIGTERM,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

// parseSignal resolves a signal name like "SIGTERM" or "term".
func parseSignal(name string) (syscall.Signal, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	key = strings.TrimPrefix(key, "SIG")
	if sig, found := signalNames[key]; found {
		return sig, nil
	}
	return 0, fmt.Errorf("sessiond: unsupported signal %q", name)
}
