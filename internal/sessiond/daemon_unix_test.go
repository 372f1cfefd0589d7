//go:build !windows

package sessiond

import (
	"os"
	"syscall"
	"testing"
)

func TestParseSignal(t *testing.T) {
	cases := []struct {
		name string
		want syscall.Signal
		ok   bool
	}{
		{"SIGTERM", syscall.SIGTERM, true},
		{"term", syscall.SIGTERM, true},
		{"INT", syscall.SIGINT, true},
		{"sigusr1", syscall.SIGUSR1, true},
		{"KILL", syscall.SIGKILL, true},
		{"SIGSTKFLT", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, err := parseSignal(tc.name)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Fatalf("parseSignal(%q) = %v, %v", tc.name, got, err)
			}
			continue
		}
		if err == nil {
			t.Fatalf("parseSignal(%q) succeeded", tc.name)
		}
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Fatal("current process reported dead")
	}
	if processAlive(0) || processAlive(-1) {
		t.Fatal("non-positive pid reported alive")
	}
	// Max pid on Linux is bounded well below this.
	if processAlive(1 << 30) {
		t.Fatal("absurd pid reported alive")
	}
}
