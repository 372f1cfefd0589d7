package tmuxctl

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestSessionNameStableAndScoped(t *testing.T) {
	a := SessionName("/home/dev/proj", "pane-1")
	b := SessionName("/home/dev/proj", "pane-1")
	if a != b {
		t.Fatalf("SessionName not deterministic: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, SessionPrefix) {
		t.Fatalf("SessionName = %q, missing prefix", a)
	}
	if len(a) != len(SessionPrefix)+8+1+8 {
		t.Fatalf("SessionName = %q, unexpected length", a)
	}
	if a == SessionName("/home/dev/proj", "pane-2") {
		t.Fatal("different panes collided")
	}
	if a == SessionName("/home/dev/other", "pane-1") {
		t.Fatal("different workspaces collided")
	}
}

func TestCreateSessionCommandSequence(t *testing.T) {
	wrapperDir := t.TempDir()
	name := SessionName("ws", "pane")
	script := filepath.Join(wrapperDir, name+".sh")
	runner := &fakeRunner{t: t, specs: []cmdSpec{
		{name: "tmux", args: sock("new-session", "-d", "-s", name, "-x", "120", "-y", "40", "-c", "/tmp", script)},
		{name: "tmux", args: sock("set-option", "-g", "status", "off")},
		{name: "tmux", args: sock("set-option", "-g", "prefix", "None")},
		{name: "tmux", args: sock("set-option", "-g", "mouse", "off")},
		{name: "tmux", args: sock("set-option", "-s", "escape-time", "0")},
	}}
	c := &Client{bin: "tmux", socket: "/tmp/tk.sock", wrapperDir: wrapperDir, run: runner.run}
	err := c.CreateSession(context.Background(), CreateOptions{
		Name: name, Dir: "/tmp", Cols: 120, Rows: 40, Shell: "/bin/sh",
	})
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	runner.assertDone()
	if _, err := os.Stat(script); err != nil {
		t.Fatalf("wrapper script not written: %v", err)
	}
}

func TestSessionExists(t *testing.T) {
	runner := &fakeRunner{t: t, specs: []cmdSpec{
		{name: "tmux", args: sock("has-session", "-t", "=tk-a-b")},
		{name: "tmux", args: sock("has-session", "-t", "=tk-a-b"), exit: 1},
	}}
	c := testClient(t, runner)
	exists, err := c.SessionExists(context.Background(), "tk-a-b")
	if err != nil || !exists {
		t.Fatalf("SessionExists() = %v, %v", exists, err)
	}
	exists, err = c.SessionExists(context.Background(), "tk-a-b")
	if err != nil || exists {
		t.Fatalf("SessionExists() second call = %v, %v", exists, err)
	}
	runner.assertDone()
}

func TestListSessionsFiltersOwnPrefix(t *testing.T) {
	runner := &fakeRunner{t: t, specs: []cmdSpec{{
		name:   "tmux",
		args:   sock("list-sessions", "-F", "#{session_name}"),
		stdout: "tk-11111111-22222222\nunrelated\n\ntk-33333333-44444444\n",
	}}}
	c := testClient(t, runner)
	names, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions() error: %v", err)
	}
	want := []string{"tk-11111111-22222222", "tk-33333333-44444444"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("ListSessions() = %#v", names)
	}
	runner.assertDone()
}

func TestListSessionsNoServerIsEmpty(t *testing.T) {
	runner := &fakeRunner{t: t, specs: []cmdSpec{{
		name:   "tmux",
		args:   sock("list-sessions", "-F", "#{session_name}"),
		stderr: "no server running on /tmp/tk.sock",
		exit:   1,
	}}}
	c := testClient(t, runner)
	names, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions() error: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("ListSessions() = %#v", names)
	}
	runner.assertDone()
}

func TestPanePIDs(t *testing.T) {
	runner := &fakeRunner{t: t, specs: []cmdSpec{{
		name:   "tmux",
		args:   sock("list-panes", "-s", "-t", "=tk-a-b", "-F", "#{pane_pid}"),
		stdout: "4321\n9876\n",
	}}}
	c := testClient(t, runner)
	pids, err := c.PanePIDs(context.Background(), "tk-a-b")
	if err != nil {
		t.Fatalf("PanePIDs() error: %v", err)
	}
	if !reflect.DeepEqual(pids, []int{4321, 9876}) {
		t.Fatalf("PanePIDs() = %#v", pids)
	}
	runner.assertDone()
}

func TestResizeWindowTargetsExactName(t *testing.T) {
	runner := &fakeRunner{t: t, specs: []cmdSpec{{
		name: "tmux",
		args: sock("resize-window", "-t", "=tk-a-b", "-x", "100", "-y", "30"),
	}}}
	c := testClient(t, runner)
	if err := c.ResizeWindow(context.Background(), "tk-a-b", 100, 30); err != nil {
		t.Fatalf("ResizeWindow() error: %v", err)
	}
	runner.assertDone()
}

func TestCaptureScrollbackReturnsOutput(t *testing.T) {
	runner := &fakeRunner{t: t, specs: []cmdSpec{{
		name:   "tmux",
		args:   sock("capture-pane", "-p", "-e", "-S", "-", "-t", "=tk-a-b"),
		stdout: "line one\nline two\n",
	}}}
	c := testClient(t, runner)
	out, err := c.CaptureScrollback(context.Background(), "tk-a-b")
	if err != nil {
		t.Fatalf("CaptureScrollback() error: %v", err)
	}
	if string(out) != "line one\nline two\n" {
		t.Fatalf("CaptureScrollback() = %q", out)
	}
	runner.assertDone()
}

func TestClassify(t *testing.T) {
	dir := t.TempDir()
	liveSock := filepath.Join(dir, "live.sock")
	if err := os.WriteFile(liveSock, nil, 0o600); err != nil {
		t.Fatalf("touch socket: %v", err)
	}
	cases := []struct {
		name   string
		socket string
		err    error
		stderr string
		want   ErrorCode
	}{
		{"not installed", liveSock, exec.ErrNotFound, "", CodeNotInstalled},
		{"no server, socket alive", liveSock, errors.New("exit status 1"), "no server running on /tmp/x", CodeNoServer},
		{"no server, socket gone", filepath.Join(dir, "gone.sock"), errors.New("exit status 1"), "error connecting to /tmp/x (No such file or directory)", CodeSocketMissing},
		{"missing session", liveSock, errors.New("exit status 1"), "can't find session: tk-a-b", CodeNoSession},
		{"unknown", liveSock, errors.New("exit status 1"), "something else entirely", CodeAttachFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Client{bin: "tmux", socket: tc.socket, run: exec.CommandContext}
			be := c.Classify(tc.err, tc.stderr)
			if be.Code != tc.want {
				t.Fatalf("Classify() code = %s, want %s", be.Code, tc.want)
			}
			if !errors.Is(be, tc.err) {
				t.Fatal("Classify() lost the cause chain")
			}
		})
	}
}

func TestRecoverableCodes(t *testing.T) {
	for code, want := range map[ErrorCode]bool{
		CodeNoServer:      true,
		CodeNoSession:     true,
		CodeSocketMissing: true,
		CodeNotInstalled:  false,
		CodeAttachFailed:  false,
	} {
		if got := code.Recoverable(); got != want {
			t.Errorf("%s.Recoverable() = %v, want %v", code, got, want)
		}
	}
}

func TestOperationsWithoutBinary(t *testing.T) {
	c := &Client{socket: "/tmp/tk.sock", lookErr: exec.ErrNotFound}
	if c.IsAvailable() {
		t.Fatal("IsAvailable() should be false without a binary")
	}
	err := c.CreateSession(context.Background(), CreateOptions{Name: "tk-a-b"})
	var be *BackendError
	if !errors.As(err, &be) || be.Code != CodeNotInstalled {
		t.Fatalf("CreateSession() error = %v, want NOT_INSTALLED", err)
	}
}
