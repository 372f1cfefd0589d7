package tmuxctl

import (
	"os"
	"strings"
	"testing"
)

func TestWriteWrapperScrubsEnvironment(t *testing.T) {
	t.Setenv("HOME", "/home/dev")
	t.Setenv("SSH_AUTH_SOCK", "/run/user/1000/ssh agent.sock")
	t.Setenv("LC_ALL", "en_US.UTF-8")
	t.Setenv("EDITOR_IPC_TOKEN", "secret-value")

	c := testClient(t, nil)
	path, err := c.writeWrapper("tk-a-b", "/bin/zsh", "/work dir", []string{"MY_EXTRA"})
	if err != nil {
		t.Fatalf("writeWrapper: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat wrapper: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Fatalf("wrapper mode = %o, want 0700", info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wrapper: %v", err)
	}
	script := string(data)

	if !strings.HasPrefix(script, "#!/bin/sh\n") {
		t.Fatalf("missing shebang: %q", script)
	}
	for _, want := range []string{
		"export HOME=/home/dev\n",
		"export SSH_AUTH_SOCK='/run/user/1000/ssh agent.sock'\n",
		"export LC_ALL=en_US.UTF-8\n",
		"exec /bin/zsh\n",
		"cd '/work dir' 2>/dev/null",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("wrapper missing %q:\n%s", want, script)
		}
	}
	if strings.Contains(script, "EDITOR_IPC_TOKEN") || strings.Contains(script, "secret-value") {
		t.Fatal("wrapper leaked a non-allow-listed variable")
	}
}

func TestWriteWrapperIncludesConfiguredExtras(t *testing.T) {
	t.Setenv("MY_EXTRA", "kept")
	c := testClient(t, nil)
	path, err := c.writeWrapper("tk-a-b", "/bin/sh", "", []string{"MY_EXTRA"})
	if err != nil {
		t.Fatalf("writeWrapper: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "export MY_EXTRA=kept\n") {
		t.Fatalf("extra allow-list entry not exported:\n%s", data)
	}
}

func TestWriteWrapperSkipsUnsetVariables(t *testing.T) {
	os.Unsetenv("GPG_AGENT_INFO")
	c := testClient(t, nil)
	path, err := c.writeWrapper("tk-a-b", "/bin/sh", "", nil)
	if err != nil {
		t.Fatalf("writeWrapper: %v", err)
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "GPG_AGENT_INFO") {
		t.Fatalf("unset variable exported:\n%s", data)
	}
}
