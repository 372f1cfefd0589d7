package tmuxctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	xpty "github.com/charmbracelet/x/xpty"
)

// Pane is an attached tmux client hosted on a local PTY. Reads deliver the
// session's output stream; writes feed keystrokes to the foreground process.
type Pane struct {
	cmd *exec.Cmd

	ptyMu sync.Mutex
	pty   xpty.Pty

	closed     atomic.Bool
	exited     atomic.Bool
	exitStatus atomic.Int64
	waitDone   chan struct{}
}

// AttachSession resizes the backend window to the client geometry and then
// attaches to it on a fresh PTY.
func (c *Client) AttachSession(ctx context.Context, name string, cols, rows int) (*Pane, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	// Resize before attaching so the first frame is already the right shape.
	// Tolerated failure: an old tmux without resize-window still attaches.
	_ = c.ResizeWindow(ctx, name, cols, rows)

	cmd := c.command(context.Background(), "attach-session", "-t", "="+name)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	setupPTYCommand(cmd)

	pty, err := xpty.NewPty(cols, rows)
	if err != nil {
		return nil, &BackendError{Code: CodeAttachFailed, Err: fmt.Errorf("tmuxctl: create pty: %w", err)}
	}
	if err := pty.Start(cmd); err != nil {
		_ = pty.Close()
		return nil, c.Classify(fmt.Errorf("tmuxctl: attach-session: %w", err), "")
	}
	_ = pty.Resize(cols, rows)

	p := &Pane{cmd: cmd, pty: pty, waitDone: make(chan struct{})}
	go p.waitExit()
	return p, nil
}

// Read blocks for the next chunk of session output. It returns io.EOF (or
// a platform read error) once the attach client exits.
func (p *Pane) Read(buf []byte) (int, error) {
	pty := p.currentPty()
	if pty == nil {
		return 0, errors.New("tmuxctl: pane closed")
	}
	return pty.Read(buf)
}

// Write sends input bytes to the attached session.
func (p *Pane) Write(data []byte) error {
	pty := p.currentPty()
	if pty == nil {
		return errors.New("tmuxctl: pane closed")
	}
	if _, err := pty.Write(data); err != nil {
		return fmt.Errorf("tmuxctl: pty write: %w", err)
	}
	return nil
}

// Resize adjusts the hosting PTY. The backend window is resized separately
// through the control socket.
func (p *Pane) Resize(cols, rows int) error {
	pty := p.currentPty()
	if pty == nil {
		return errors.New("tmuxctl: pane closed")
	}
	if err := pty.Resize(cols, rows); err != nil {
		return fmt.Errorf("tmuxctl: pty resize: %w", err)
	}
	return nil
}

// Done is closed once the attach client process exits.
func (p *Pane) Done() <-chan struct{} { return p.waitDone }

// Exited reports whether the attach client has terminated.
func (p *Pane) Exited() bool { return p.exited.Load() }

// ExitStatus returns the attach client's exit code, valid after Done.
func (p *Pane) ExitStatus() int { return int(p.exitStatus.Load()) }

// Close tears down the PTY, which detaches the hosted client.
func (p *Pane) Close() error {
	if p == nil || p.closed.Swap(true) {
		return nil
	}
	p.ptyMu.Lock()
	pty := p.pty
	p.pty = nil
	p.ptyMu.Unlock()
	if pty != nil {
		_ = pty.Close()
	}
	return nil
}

func (p *Pane) currentPty() xpty.Pty {
	p.ptyMu.Lock()
	defer p.ptyMu.Unlock()
	return p.pty
}

func (p *Pane) waitExit() {
	defer close(p.waitDone)
	_ = xpty.WaitProcess(context.Background(), p.cmd)
	if p.cmd.ProcessState != nil {
		p.exitStatus.Store(int64(p.cmd.ProcessState.ExitCode()))
	}
	p.exited.Store(true)
}
