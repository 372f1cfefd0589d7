//go:build !windows

package tmuxctl

import (
	"os/exec"
	"testing"
)

func TestSetupPTYCommandSetsControllingTerminal(t *testing.T) {
	cmd := exec.Command("tmux", "attach-session")
	setupPTYCommand(cmd)
	if cmd.SysProcAttr == nil {
		t.Fatal("SysProcAttr not set")
	}
	if !cmd.SysProcAttr.Setsid || !cmd.SysProcAttr.Setctty {
		t.Errorf("Setsid/Setctty = %v/%v, want both set",
			cmd.SysProcAttr.Setsid, cmd.SysProcAttr.Setctty)
	}
	if cmd.SysProcAttr.Ctty != 0 {
		t.Errorf("Ctty = %d, want 0 (stdin)", cmd.SysProcAttr.Ctty)
	}
}
