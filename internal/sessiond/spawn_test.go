package sessiond

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/superset-sh/termkeep/internal/appdirs"
)

func TestEnsureDaemonRunningSkipsSpawnWhenAlive(t *testing.T) {
	t.Setenv(appdirs.StateDirEnv, t.TempDir())
	started := false
	err := ensureDaemonRunning(context.Background(), spawnOps{
		probe: func(context.Context, string, string) error { return nil },
		start: func(string) error { started = true; return nil },
		wait:  func(context.Context, string, string) error { return nil },
	})
	if err != nil {
		t.Fatalf("ensureDaemonRunning: %v", err)
	}
	if started {
		t.Fatal("spawned despite a live daemon")
	}
}

func TestEnsureDaemonRunningSpawnsOnce(t *testing.T) {
	t.Setenv(appdirs.StateDirEnv, t.TempDir())
	probes := 0
	started := 0
	err := ensureDaemonRunning(context.Background(), spawnOps{
		probe: func(context.Context, string, string) error {
			probes++
			return errors.New("no daemon")
		},
		start: func(string) error { started++; return nil },
		wait:  func(context.Context, string, string) error { return nil },
	})
	if err != nil {
		t.Fatalf("ensureDaemonRunning: %v", err)
	}
	if started != 1 {
		t.Fatalf("started %d times", started)
	}
	// Probed before and after taking the spawn lock.
	if probes != 2 {
		t.Fatalf("probed %d times", probes)
	}
}

func TestEnsureDaemonRunningPropagatesProbeTimeout(t *testing.T) {
	t.Setenv(appdirs.StateDirEnv, t.TempDir())
	err := ensureDaemonRunning(context.Background(), spawnOps{
		probe: func(context.Context, string, string) error { return ErrDaemonProbeTimeout },
		start: func(string) error { t.Fatal("must not spawn on a wedged daemon"); return nil },
		wait:  func(context.Context, string, string) error { return nil },
	})
	if !errors.Is(err, ErrDaemonProbeTimeout) {
		t.Fatalf("err = %v, want probe timeout", err)
	}
}

func TestStartDaemonProcessWiresSocketAndLog(t *testing.T) {
	var gotArgs []string
	var gotEnv []string
	var gotLog string
	started := false
	released := false

	err := startDaemonProcessWith("/tmp/tk-test.sock", daemonProcessDeps{
		executable:  func() (string, error) { return "/usr/local/bin/termkeep", nil },
		execCommand: exec.Command,
		logPath:     func() (string, error) { return "/tmp/tk-test.log", nil },
		environ:     func() []string { return []string{"HOME=/home/u"} },
		openFile: func(path string, _ int, _ os.FileMode) (*os.File, error) {
			gotLog = path
			return nil, errors.New("skip file in test")
		},
		startProc: func(cmd *exec.Cmd) error {
			started = true
			gotArgs = cmd.Args
			gotEnv = cmd.Env
			cmd.Process = &os.Process{Pid: os.Getpid()}
			return nil
		},
		releaseProc: func(*os.Process) error { released = true; return nil },
	})
	if err != nil {
		t.Fatalf("startDaemonProcessWith: %v", err)
	}
	if !started || !released {
		t.Fatalf("started=%v released=%v", started, released)
	}
	if len(gotArgs) != 2 || gotArgs[1] != "daemon" {
		t.Fatalf("args = %v", gotArgs)
	}
	if gotLog != "/tmp/tk-test.log" {
		t.Fatalf("log path = %q", gotLog)
	}
	found := false
	for _, kv := range gotEnv {
		if strings.HasPrefix(kv, socketEnv+"=") && strings.HasSuffix(kv, "/tmp/tk-test.sock") {
			found = true
		}
	}
	if !found {
		t.Fatalf("socket env missing from %v", gotEnv)
	}
}
