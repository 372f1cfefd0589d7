//go:build !windows

package session

import (
	"os/exec"
	"syscall"
)

// setupPTYCommand makes the PTY slave the command's controlling terminal.
// Without a controlling terminal job control is broken and Ctrl-C never
// reaches the foreground group.
func setupPTYCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // stdin, which the PTY start wires to the slave
	}
}
