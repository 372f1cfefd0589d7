package history

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "terminal-history"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestWriterRoundTrip(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Open(Metadata{WorkspaceID: "ws1", PaneID: "pane1", Cols: 80, Rows: 24, Shell: "/bin/zsh"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Write([]byte("first line\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write([]byte("second line\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	code := 0
	if err := w.Close(&code); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rec, err := s.Read("ws1", "pane1", 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(rec.Scrollback); got != "first line\nsecond line\n" {
		t.Fatalf("scrollback = %q", got)
	}
	if rec.Meta.Cols != 80 || rec.Meta.Rows != 24 {
		t.Fatalf("metadata size = %dx%d", rec.Meta.Cols, rec.Meta.Rows)
	}
	if rec.Meta.EndedAt == nil || rec.Meta.ExitCode == nil || *rec.Meta.ExitCode != 0 {
		t.Fatalf("metadata end state = %+v", rec.Meta)
	}
}

func TestOpenResumesExistingTranscript(t *testing.T) {
	s := newTestStore(t)
	meta := Metadata{WorkspaceID: "ws1", PaneID: "pane1"}

	w, err := s.Open(meta)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.Write([]byte("before crash\n"))
	w.Close(nil)

	w2, err := s.Open(meta)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	w2.Write([]byte("after restart\n"))
	w2.Close(nil)

	rec, err := s.Read("ws1", "pane1", 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(rec.Scrollback); got != "before crash\nafter restart\n" {
		t.Fatalf("scrollback = %q", got)
	}
}

func TestResetTruncatesTranscript(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Open(Metadata{WorkspaceID: "ws1", PaneID: "pane1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close(nil)

	w.Write([]byte("stale output\n"))
	if err := w.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	w.Write([]byte("fresh\n"))

	rec, err := s.Read("ws1", "pane1", 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(rec.Scrollback); got != "fresh\n" {
		t.Fatalf("scrollback = %q", got)
	}
}

func TestReadCapsTailWithoutSplittingUTF8(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Open(Metadata{WorkspaceID: "ws1", PaneID: "pane1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Three-byte runes so most cap values land mid-sequence.
	payload := bytes.Repeat([]byte("\xe4\xb8\xad"), 100)
	w.Write(payload)
	w.Close(nil)

	rec, err := s.Read("ws1", "pane1", 50)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(rec.Scrollback) > 50 {
		t.Fatalf("tail exceeds cap: %d bytes", len(rec.Scrollback))
	}
	if !utf8.Valid(rec.Scrollback) {
		t.Fatalf("tail is not valid UTF-8: %q", rec.Scrollback)
	}
	if !bytes.HasSuffix(payload, rec.Scrollback) {
		t.Fatal("tail is not a suffix of the transcript")
	}
}

func TestCleanupRemovesSessionAndEmptyWorkspace(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Open(Metadata{WorkspaceID: "ws1", PaneID: "pane1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.Close(nil)

	if !s.Exists("ws1", "pane1") {
		t.Fatal("session should exist before cleanup")
	}
	if err := s.Cleanup("ws1", "pane1"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if s.Exists("ws1", "pane1") {
		t.Fatal("session survived cleanup")
	}
	if _, err := os.Stat(filepath.Join(s.root, "ws1")); !os.IsNotExist(err) {
		t.Fatal("empty workspace dir survived cleanup")
	}
}

func TestSanitizeRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	bad := []string{"", "../escape", "a/b", "a b", ".hidden"}
	for _, id := range bad {
		if _, err := s.Open(Metadata{WorkspaceID: id, PaneID: "pane1"}); err == nil {
			t.Errorf("Open accepted workspace id %q", id)
		}
		if _, err := s.Read("ws1", id, 0); err == nil || !strings.Contains(err.Error(), "id") {
			t.Errorf("Read accepted pane id %q", id)
		}
	}
}
