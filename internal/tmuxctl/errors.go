package tmuxctl

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrorCode classifies a failed backend operation so callers can decide
// between retry, fallback, and surfacing the error.
type ErrorCode string

const (
	// CodeNoServer means the tmux server for our control socket is not running.
	CodeNoServer ErrorCode = "NO_SERVER"
	// CodeNoSession means the server is up but the named session is gone.
	CodeNoSession ErrorCode = "NO_SESSION"
	// CodeSocketMissing means the control socket path does not exist.
	CodeSocketMissing ErrorCode = "SOCKET_MISSING"
	// CodeNotInstalled means no tmux binary could be found.
	CodeNotInstalled ErrorCode = "NOT_INSTALLED"
	// CodeAttachFailed covers attach errors with no more specific cause.
	CodeAttachFailed ErrorCode = "ATTACH_FAILED"
)

// Recoverable reports whether a fresh session can be created in response.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case CodeNoServer, CodeNoSession, CodeSocketMissing:
		return true
	}
	return false
}

// BackendError carries a classified tmux failure.
type BackendError struct {
	Code ErrorCode
	Err  error
}

func (e *BackendError) Error() string {
	if e == nil {
		return "tmuxctl: <nil>"
	}
	return fmt.Sprintf("tmuxctl: %s: %v", e.Code, e.Err)
}

func (e *BackendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Classify wraps err in a BackendError with the most specific code the
// command output supports. stderr is tmux's captured diagnostic output.
func (c *Client) Classify(err error, stderr string) *BackendError {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, exec.ErrNotFound) {
		return &BackendError{Code: CodeNotInstalled, Err: err}
	}
	msg := strings.ToLower(stderr)
	if msg == "" {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg = strings.ToLower(string(exitErr.Stderr))
		}
	}
	switch {
	case strings.Contains(msg, "no server running"),
		strings.Contains(msg, "error connecting to"):
		if c != nil && c.socket != "" {
			if _, statErr := os.Stat(c.socket); os.IsNotExist(statErr) {
				return &BackendError{Code: CodeSocketMissing, Err: err}
			}
		}
		return &BackendError{Code: CodeNoServer, Err: err}
	case strings.Contains(msg, "can't find session"),
		strings.Contains(msg, "session not found"),
		strings.Contains(msg, "no current session"):
		return &BackendError{Code: CodeNoSession, Err: err}
	}
	return &BackendError{Code: CodeAttachFailed, Err: err}
}
