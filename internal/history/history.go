// Package history persists per-session terminal transcripts and metadata
// so scrollback survives daemon restarts. Each session owns a directory
// keyed by workspace and pane id holding an append-only transcript and a
// JSON metadata file.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/superset-sh/termkeep/internal/atomicfile"
	"github.com/superset-sh/termkeep/internal/limits"
)

const (
	transcriptName = "scrollback.txt"
	metadataName   = "meta.json"
)

// Metadata describes a persisted session transcript.
type Metadata struct {
	WorkspaceID string     `json:"workspaceId"`
	PaneID      string     `json:"paneId"`
	Cwd         string     `json:"cwd,omitempty"`
	Cols        int        `json:"cols"`
	Rows        int        `json:"rows"`
	Shell       string     `json:"shell,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
}

// Record is a recovered transcript plus its metadata.
type Record struct {
	Scrollback []byte
	Meta       Metadata
}

// Store manages the on-disk transcript tree.
type Store struct {
	root string
}

// NewStore creates a store rooted at root (the terminal-history dir).
func NewStore(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("history: root dir is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("history: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// Writer appends a live session's output to its transcript.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	dir    string
	meta   Metadata
	closed bool
}

// Open begins (or resumes) a transcript for the session described by meta.
func (s *Store) Open(meta Metadata) (*Writer, error) {
	if s == nil {
		return nil, errors.New("history: store is nil")
	}
	dir, err := s.sessionDir(meta.WorkspaceID, meta.PaneID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("history: create session dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, transcriptName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("history: open transcript: %w", err)
	}
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now().UTC()
	}
	w := &Writer{file: file, dir: dir, meta: meta}
	if err := w.saveMeta(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return w, nil
}

// Write appends filtered output bytes to the transcript.
func (w *Writer) Write(p []byte) error {
	if w == nil || len(p) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("history: writer closed")
	}
	if _, err := w.file.Write(p); err != nil {
		return fmt.Errorf("history: append transcript: %w", err)
	}
	return nil
}

// Reset truncates the transcript; used when the session clears scrollback.
func (w *Writer) Reset() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("history: writer closed")
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("history: truncate transcript: %w", err)
	}
	if _, err := w.file.Seek(0, 0); err != nil {
		return fmt.Errorf("history: rewind transcript: %w", err)
	}
	return nil
}

// UpdateSize records a new terminal geometry in the metadata.
func (w *Writer) UpdateSize(cols, rows int) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.meta.Cols = cols
	w.meta.Rows = rows
	return w.saveMeta()
}

// Close finalizes the metadata with an end time and optional exit code.
func (w *Writer) Close(exitCode *int) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	now := time.Now().UTC()
	w.meta.EndedAt = &now
	w.meta.ExitCode = exitCode
	metaErr := w.saveMeta()
	closeErr := w.file.Close()
	if metaErr != nil {
		return metaErr
	}
	if closeErr != nil {
		return fmt.Errorf("history: close transcript: %w", closeErr)
	}
	return nil
}

func (w *Writer) saveMeta() error {
	data, err := json.MarshalIndent(w.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("history: encode metadata: %w", err)
	}
	return atomicfile.Save(filepath.Join(w.dir, metadataName), data, 0o600)
}

// Read recovers the transcript tail (capped at maxBytes; zero means the
// default cap) and metadata for a session.
func (s *Store) Read(workspaceID, paneID string, maxBytes int64) (Record, error) {
	if s == nil {
		return Record{}, errors.New("history: store is nil")
	}
	dir, err := s.sessionDir(workspaceID, paneID)
	if err != nil {
		return Record{}, err
	}
	if maxBytes <= 0 {
		maxBytes = limits.ScrollbackReadMaxBytes
	}
	metaData, err := os.ReadFile(filepath.Join(dir, metadataName))
	if err != nil {
		return Record{}, fmt.Errorf("history: read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return Record{}, fmt.Errorf("history: decode metadata: %w", err)
	}
	scrollback, err := readTail(filepath.Join(dir, transcriptName), maxBytes)
	if err != nil {
		return Record{}, err
	}
	return Record{Scrollback: scrollback, Meta: meta}, nil
}

// Exists reports whether a transcript directory is present for a session.
func (s *Store) Exists(workspaceID, paneID string) bool {
	dir, err := s.sessionDir(workspaceID, paneID)
	if err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, metadataName))
	return err == nil && !info.IsDir()
}

// Cleanup removes a session's transcript directory.
func (s *Store) Cleanup(workspaceID, paneID string) error {
	dir, err := s.sessionDir(workspaceID, paneID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("history: remove session dir: %w", err)
	}
	// Drop the workspace dir too once its last pane is gone.
	parent := filepath.Dir(dir)
	if entries, err := os.ReadDir(parent); err == nil && len(entries) == 0 {
		_ = os.Remove(parent)
	}
	return nil
}

// CleanupWorkspace removes every pane transcript under a workspace.
func (s *Store) CleanupWorkspace(workspaceID string) error {
	ws, err := sanitizeID(workspaceID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, ws)); err != nil {
		return fmt.Errorf("history: remove workspace dir: %w", err)
	}
	return nil
}

func (s *Store) sessionDir(workspaceID, paneID string) (string, error) {
	ws, err := sanitizeID(workspaceID)
	if err != nil {
		return "", err
	}
	pane, err := sanitizeID(paneID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, ws, pane), nil
}

// readTail reads at most maxBytes from the end of path without splitting a
// multi-byte UTF-8 sequence at the trim point.
func readTail(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: open transcript: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("history: stat transcript: %w", err)
	}
	size := info.Size()
	offset := int64(0)
	if size > maxBytes {
		offset = size - maxBytes
	}
	if offset > 0 {
		if _, err := file.Seek(offset, 0); err != nil {
			return nil, fmt.Errorf("history: seek transcript: %w", err)
		}
	}
	data := make([]byte, size-offset)
	if _, err := readFull(file, data); err != nil {
		return nil, fmt.Errorf("history: read transcript: %w", err)
	}
	if offset > 0 {
		// Skip continuation bytes left over from a trimmed sequence.
		start := 0
		for start < len(data) && data[start]&0xc0 == 0x80 {
			start++
		}
		data = data[start:]
	}
	return data, nil
}

func readFull(file *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := file.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func sanitizeID(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errors.New("history: id is required")
	}
	for _, r := range value {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return "", fmt.Errorf("history: invalid id %q", value)
	}
	if strings.HasPrefix(value, ".") {
		return "", fmt.Errorf("history: invalid id %q", value)
	}
	return value, nil
}
