// Package tmuxctl drives a dedicated tmux server over a private control
// socket. It is the persistence backend: each surviving terminal session is
// a detached tmux session the daemon attaches to and detaches from at will.
package tmuxctl

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// SessionPrefix marks sessions owned by this daemon on the control socket.
const SessionPrefix = "tk-"

// Client coordinates tmux operations for persistent sessions.
type Client struct {
	bin        string
	socket     string
	wrapperDir string
	lookErr    error
	run        func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewClient resolves the tmux binary and returns a Client bound to
// socketPath. A missing binary is not an error here; operations report it
// as a classified NOT_INSTALLED failure.
func NewClient(socketPath, wrapperDir, tmuxPath string) (*Client, error) {
	if socketPath == "" {
		return nil, errors.New("tmuxctl: socket path is required")
	}
	c := &Client{socket: socketPath, wrapperDir: wrapperDir, run: exec.CommandContext}
	if tmuxPath != "" {
		c.bin = tmuxPath
		return c, nil
	}
	bin, err := exec.LookPath("tmux")
	if err != nil {
		c.lookErr = fmt.Errorf("tmuxctl: tmux not found in PATH: %w", exec.ErrNotFound)
		return c, nil
	}
	c.bin = bin
	return c, nil
}

// WithExec allows tests to override the exec implementation.
func (c *Client) WithExec(fn func(context.Context, string, ...string) *exec.Cmd) {
	c.run = fn
}

// IsAvailable reports whether a tmux binary was found.
func (c *Client) IsAvailable() bool {
	return c != nil && c.bin != ""
}

// SocketPath returns the control socket the client talks to.
func (c *Client) SocketPath() string {
	if c == nil {
		return ""
	}
	return c.socket
}

// SessionName derives the stable backend session name for a pane. The ids
// are hashed so arbitrary workspace paths and pane ids cannot produce
// invalid or colliding tmux names.
func SessionName(workspaceID, paneID string) string {
	return SessionPrefix + hash8(workspaceID) + "-" + hash8(paneID)
}

// WorkspacePrefix returns the session-name prefix shared by every pane of
// a workspace, for workspace-scoped kills.
func WorkspacePrefix(workspaceID string) string {
	return SessionPrefix + hash8(workspaceID) + "-"
}

func hash8(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:8]
}

// CreateOptions describes a new persistent session.
type CreateOptions struct {
	Name     string
	Dir      string
	Cols     int
	Rows     int
	Shell    string
	ExtraEnv []string // additional KEY names allowed through the wrapper
}

// CreateSession starts a detached session running the env-scrubbed wrapper
// script, then applies the server options the daemon relies on.
func (c *Client) CreateSession(ctx context.Context, opts CreateOptions) error {
	if err := c.ready(); err != nil {
		return err
	}
	if opts.Name == "" {
		return errors.New("tmuxctl: session name is required")
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	script, err := c.writeWrapper(opts.Name, opts.Shell, opts.Dir, opts.ExtraEnv)
	if err != nil {
		return err
	}
	args := []string{
		"new-session", "-d", "-s", opts.Name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows),
	}
	if opts.Dir != "" {
		args = append(args, "-c", opts.Dir)
	}
	args = append(args, script)
	if _, err := c.exec(ctx, args...); err != nil {
		return err
	}
	// The server is private to this daemon: no status line, no prefix key,
	// no mouse handling, no escape-time delay between a client and the pane.
	for _, opt := range [][]string{
		{"set-option", "-g", "status", "off"},
		{"set-option", "-g", "prefix", "None"},
		{"set-option", "-g", "mouse", "off"},
		{"set-option", "-s", "escape-time", "0"},
	} {
		if _, err := c.exec(ctx, opt...); err != nil {
			return err
		}
	}
	return nil
}

// SessionExists reports whether the named session is alive on our server.
func (c *Client) SessionExists(ctx context.Context, name string) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	cmd := c.command(ctx, "has-session", "-t", "="+name)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Covers both a missing session and a server that is not running.
			return false, nil
		}
		return false, c.Classify(fmt.Errorf("tmuxctl: has-session: %w", err), "")
	}
	return true, nil
}

// ListSessions returns the daemon-owned session names on the control socket.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	out, err := c.exec(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		var be *BackendError
		if errors.As(err, &be) && (be.Code == CodeNoServer || be.Code == CodeSocketMissing) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, SessionPrefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// ResizeWindow resizes the session's window so the backend pane tracks the
// client terminal geometry.
func (c *Client) ResizeWindow(ctx context.Context, name string, cols, rows int) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.exec(ctx, "resize-window", "-t", "="+name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	return err
}

// DetachSession detaches every client attached to the named session.
func (c *Client) DetachSession(ctx context.Context, name string) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.exec(ctx, "detach-client", "-s", name)
	return err
}

// ClearHistory drops the backend scrollback for the session's panes.
func (c *Client) ClearHistory(ctx context.Context, name string) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.exec(ctx, "clear-history", "-t", "="+name)
	return err
}

// KillSession destroys the named session and its process tree.
func (c *Client) KillSession(ctx context.Context, name string) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.exec(ctx, "kill-session", "-t", "="+name)
	return err
}

// KillServer stops the private tmux server entirely.
func (c *Client) KillServer(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.exec(ctx, "kill-server")
	var be *BackendError
	if errors.As(err, &be) && (be.Code == CodeNoServer || be.Code == CodeSocketMissing) {
		return nil
	}
	return err
}

// PanePIDs returns the pids of the session's pane processes, used to route
// signals to the foreground job.
func (c *Client) PanePIDs(ctx context.Context, name string) ([]int, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	out, err := c.exec(ctx, "list-panes", "-s", "-t", "="+name, "-F", "#{pane_pid}")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("tmuxctl: parse pane pid %q: %w", line, err)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func (c *Client) ready() error {
	if c == nil {
		return errors.New("tmuxctl: client is nil")
	}
	if c.bin == "" {
		return &BackendError{Code: CodeNotInstalled, Err: c.lookErr}
	}
	return nil
}

// command builds a tmux invocation bound to the control socket.
func (c *Client) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"-S", c.socket}, args...)
	return c.run(ctx, c.bin, full...)
}

// exec runs a tmux command, returning stdout and a classified error.
func (c *Client) exec(ctx context.Context, args ...string) ([]byte, error) {
	cmd := c.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, c.Classify(fmt.Errorf("tmuxctl: %s: %w", args[0], err), stderr.String())
	}
	return stdout.Bytes(), nil
}
