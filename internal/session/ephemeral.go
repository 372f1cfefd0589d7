package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	xpty "github.com/charmbracelet/x/xpty"
)

// Ephemeral is a shell on a plain PTY with no persistence backend. It is
// the fallback when tmux is unavailable or persistence is disabled: the
// session dies with the daemon.
type Ephemeral struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc

	ptyMu sync.Mutex
	pty   xpty.Pty

	closed     atomic.Bool
	exited     atomic.Bool
	exitStatus atomic.Int64
	waitDone   chan struct{}
}

// EphemeralOptions describes the shell process to start.
type EphemeralOptions struct {
	Shell string
	Dir   string
	Env   []string // KEY=VALUE overrides on top of the daemon environment
	Cols  int
	Rows  int
}

// StartEphemeral launches the shell attached to a fresh PTY.
func StartEphemeral(opts EphemeralOptions) (*Ephemeral, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	shell := strings.TrimSpace(opts.Shell)
	if shell == "" {
		shell = detectShell()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, shell)
	if strings.TrimSpace(opts.Dir) != "" {
		cmd.Dir = opts.Dir
	}
	env := append([]string{}, os.Environ()...)
	if len(opts.Env) > 0 {
		env = mergeEnv(env, opts.Env)
	}
	if !hasEnv(env, "TERM") {
		env = append(env, "TERM=xterm-256color")
	}
	if !hasEnv(env, "COLORTERM") {
		env = append(env, "COLORTERM=truecolor")
	}
	cmd.Env = env
	setupPTYCommand(cmd)

	pty, err := xpty.NewPty(cols, rows)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("session: create pty: %w", err)
	}
	if err := pty.Start(cmd); err != nil {
		cancel()
		_ = pty.Close()
		return nil, fmt.Errorf("session: start shell: %w", err)
	}
	_ = pty.Resize(cols, rows)

	e := &Ephemeral{cmd: cmd, cancel: cancel, pty: pty, waitDone: make(chan struct{})}
	go e.waitExit(ctx)
	return e, nil
}

func (e *Ephemeral) Read(buf []byte) (int, error) {
	pty := e.currentPty()
	if pty == nil {
		return 0, fmt.Errorf("session: ephemeral pane closed")
	}
	return pty.Read(buf)
}

func (e *Ephemeral) Write(data []byte) error {
	pty := e.currentPty()
	if pty == nil {
		return fmt.Errorf("session: ephemeral pane closed")
	}
	if _, err := pty.Write(data); err != nil {
		return fmt.Errorf("session: pty write: %w", err)
	}
	return nil
}

func (e *Ephemeral) Resize(cols, rows int) error {
	pty := e.currentPty()
	if pty == nil {
		return fmt.Errorf("session: ephemeral pane closed")
	}
	if err := pty.Resize(cols, rows); err != nil {
		return fmt.Errorf("session: pty resize: %w", err)
	}
	return nil
}

// Signal delivers sig to the shell process.
func (e *Ephemeral) Signal(sig syscall.Signal) error {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return fmt.Errorf("session: no process to signal")
	}
	if err := e.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("session: signal shell: %w", err)
	}
	return nil
}

func (e *Ephemeral) Done() <-chan struct{} { return e.waitDone }

func (e *Ephemeral) Exited() bool { return e.exited.Load() }

func (e *Ephemeral) ExitStatus() int { return int(e.exitStatus.Load()) }

func (e *Ephemeral) Close() error {
	if e == nil || e.closed.Swap(true) {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.ptyMu.Lock()
	pty := e.pty
	e.pty = nil
	e.ptyMu.Unlock()
	if pty != nil {
		_ = pty.Close()
	}
	return nil
}

func (e *Ephemeral) currentPty() xpty.Pty {
	e.ptyMu.Lock()
	defer e.ptyMu.Unlock()
	return e.pty
}

func (e *Ephemeral) waitExit(ctx context.Context) {
	defer close(e.waitDone)
	_ = xpty.WaitProcess(ctx, e.cmd)
	if e.cmd.ProcessState != nil {
		e.exitStatus.Store(int64(e.cmd.ProcessState.ExitCode()))
	}
	e.exited.Store(true)
}

func detectShell() string {
	if shell := strings.TrimSpace(os.Getenv("SHELL")); shell != "" {
		return shell
	}
	for _, s := range []string{"/bin/zsh", "/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(s); err == nil {
			return s
		}
	}
	return "/bin/sh"
}

// mergeEnv applies overrides by key (KEY=VALUE).
func mergeEnv(base []string, overrides []string) []string {
	out := append([]string{}, base...)
	index := map[string]int{}
	for i, kv := range out {
		if k := envKey(kv); k != "" {
			index[k] = i
		}
	}
	for _, kv := range overrides {
		k := envKey(kv)
		if k == "" {
			continue
		}
		if i, ok := index[k]; ok {
			out[i] = kv
			continue
		}
		index[k] = len(out)
		out = append(out, kv)
	}
	return out
}

func hasEnv(env []string, key string) bool {
	prefix := strings.ToUpper(strings.TrimSpace(key)) + "="
	for _, kv := range env {
		if strings.HasPrefix(strings.ToUpper(kv), prefix) {
			return true
		}
	}
	return false
}

func envKey(kv string) string {
	kv = strings.TrimSpace(kv)
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(kv[:i]))
}
