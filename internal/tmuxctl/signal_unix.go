//go:build !windows

package tmuxctl

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

// SignalSession delivers sig to every pane process in the session. The pane
// pid is the shell; job-control signals reach the foreground group through
// it the same way a local Ctrl-C would.
func (c *Client) SignalSession(ctx context.Context, name string, sig syscall.Signal) error {
	pids, err := c.PanePIDs(ctx, name)
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		return &BackendError{Code: CodeNoSession, Err: errors.New("tmuxctl: session has no panes")}
	}
	var firstErr error
	for _, pid := range pids {
		if err := syscall.Kill(pid, sig); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tmuxctl: signal pid %d: %w", pid, err)
		}
	}
	return firstErr
}
