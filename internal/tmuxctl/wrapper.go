package tmuxctl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

// allowedEnv is the environment allow-list for backend shells. Everything
// else in the daemon's environment (editor IPC vars, tokens, display
// handles) must not leak into long-lived sessions that outlive the editor.
var allowedEnv = []string{
	"HOME", "USER", "LOGNAME", "SHELL", "PATH",
	"LANG", "TERM", "COLORTERM",
	"SSH_AUTH_SOCK", "GPG_AGENT_INFO", "XDG_RUNTIME_DIR", "TMPDIR",
}

// writeWrapper generates <wrapperDir>/<name>.sh: a script that exports only
// allow-listed variables and execs the target shell. tmux re-runs it when a
// session respawns, so the scrubbed environment survives daemon restarts.
func (c *Client) writeWrapper(name, shell, dir string, extra []string) (string, error) {
	if c.wrapperDir == "" {
		return "", fmt.Errorf("tmuxctl: wrapper dir is not configured")
	}
	if err := os.MkdirAll(c.wrapperDir, 0o700); err != nil {
		return "", fmt.Errorf("tmuxctl: create wrapper dir: %w", err)
	}
	if shell == "" {
		shell = defaultShell()
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, key := range wrapperKeys(extra) {
		value, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		b.WriteString("export ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(shellquote.Join(value))
		b.WriteString("\n")
	}
	if dir != "" {
		fmt.Fprintf(&b, "cd %s 2>/dev/null || cd \"$HOME\"\n", shellquote.Join(dir))
	}
	b.WriteString("exec ")
	b.WriteString(shellquote.Join(shell))
	b.WriteString("\n")

	path := filepath.Join(c.wrapperDir, name+".sh")
	if err := os.WriteFile(path, []byte(b.String()), 0o700); err != nil {
		return "", fmt.Errorf("tmuxctl: write wrapper script: %w", err)
	}
	return path, nil
}

// wrapperKeys merges the allow-list, LC_* locale vars, and config extras.
func wrapperKeys(extra []string) []string {
	seen := make(map[string]bool, len(allowedEnv)+len(extra))
	keys := make([]string, 0, len(allowedEnv)+len(extra))
	add := func(key string) {
		key = strings.TrimSpace(key)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		keys = append(keys, key)
	}
	for _, key := range allowedEnv {
		add(key)
	}
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "LC_") {
			if i := strings.IndexByte(kv, '='); i > 0 {
				add(kv[:i])
			}
		}
	}
	for _, key := range extra {
		add(key)
	}
	sort.Strings(keys)
	return keys
}

func defaultShell() string {
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
