//go:build !windows

package tmuxctl

import (
	"os/exec"
	"syscall"
)

// setupPTYCommand makes the PTY slave the attach client's controlling
// terminal. tmux refuses to attach without one.
func setupPTYCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // stdin, which the PTY start wires to the slave
	}
}
