package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveWritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.json")

	if err := Save(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("content = %q, want %q", data, "hello")
	}
}

func TestSaveReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.json")
	if err := os.WriteFile(path, []byte("old"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := Save(path, []byte("new"), 0o600); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "new" {
		t.Fatalf("content = %q, want %q", data, "new")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("leftover temp files: %d entries", len(entries))
	}
}

func TestSaveRejectsEmptyPath(t *testing.T) {
	if err := Save("  ", []byte("x"), 0o600); err == nil {
		t.Fatal("expected error for empty path")
	}
}
