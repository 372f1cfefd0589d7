package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/superset-sh/termkeep/internal/history"
	"github.com/superset-sh/termkeep/internal/limits"
	"github.com/superset-sh/termkeep/internal/tmuxctl"
)

// ErrNoSession is returned for operations on unknown pane ids.
var ErrNoSession = errors.New("no such session")

// ErrManagerClosed is returned once the manager has shut down.
var ErrManagerClosed = errors.New("session manager closed")

// Config wires the manager's collaborators and defaults.
type Config struct {
	Backend       *tmuxctl.Client
	History       *history.Store
	Shell         string
	FallbackShell string
	Persist       bool
	ExtraEnv      []string
	Logger        *slog.Logger
}

// Manager owns the session table and serializes concurrent attach attempts
// per pane.
type Manager struct {
	cfg  Config
	log  *slog.Logger
	done chan struct{}

	events chan Event

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]chan struct{}
	gcTimers map[string]*time.Timer
	closed   bool
}

// NewManager builds a Manager. Backend may be nil; sessions then run
// ephemeral regardless of the persistence setting.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.History == nil {
		return nil, errors.New("session: history store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		done:     make(chan struct{}),
		events:   make(chan Event, 512),
		sessions: make(map[string]*Session),
		pending:  make(map[string]chan struct{}),
		gcTimers: make(map[string]*time.Timer),
	}, nil
}

// Events is the manager's data/exit event stream.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	if ev.Type == EventExit {
		m.mu.Lock()
		if !m.closed {
			m.scheduleGCLocked(ev.PaneID)
		}
		m.mu.Unlock()
	}
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// scheduleGCLocked removes a dead session from the table after a grace
// delay, so a quick reattach can still observe the exit.
func (m *Manager) scheduleGCLocked(paneID string) {
	if t, ok := m.gcTimers[paneID]; ok {
		t.Stop()
	}
	m.gcTimers[paneID] = time.AfterFunc(limits.ExitGraceDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.gcTimers, paneID)
		if s, ok := m.sessions[paneID]; ok && s.State() == StateClosed {
			delete(m.sessions, paneID)
		}
	})
}

func (m *Manager) cancelGCLocked(paneID string) {
	if t, ok := m.gcTimers[paneID]; ok {
		t.Stop()
		delete(m.gcTimers, paneID)
	}
}

// CreateRequest asks for a pane to be attached (creating it if needed).
type CreateRequest struct {
	WorkspaceID string
	PaneID      string
	Cwd         string
	Shell       string
	Cols        int
	Rows        int
}

// AttachResult reports the attach and carries the scrollback replay.
type AttachResult struct {
	Created      bool
	WasRecovered bool
	WasRetrying  bool
	Scrollback   []byte
	Info         Info
}

// CreateOrAttach is single-flight per pane: concurrent calls for the same
// pane share one attach and all observe the same session.
func (m *Manager) CreateOrAttach(ctx context.Context, req CreateRequest) (*AttachResult, error) {
	if req.WorkspaceID == "" || req.PaneID == "" {
		return nil, errors.New("session: workspace and pane ids are required")
	}
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		wait, inflight := m.pending[req.PaneID]
		if !inflight {
			ch := make(chan struct{})
			m.pending[req.PaneID] = ch
			m.mu.Unlock()

			res, err := m.createOrAttach(ctx, req)

			m.mu.Lock()
			delete(m.pending, req.PaneID)
			m.mu.Unlock()
			close(ch)
			return res, err
		}
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) createOrAttach(ctx context.Context, req CreateRequest) (*AttachResult, error) {
	m.mu.Lock()
	s := m.sessions[req.PaneID]
	if s != nil && s.State() == StateClosed {
		// Replaced below; the dead entry only existed for the exit grace window.
		delete(m.sessions, req.PaneID)
		s = nil
	}
	m.mu.Unlock()

	if s == nil {
		var err error
		s, err = m.newSession(req)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sessions[req.PaneID] = s
		m.cancelGCLocked(req.PaneID)
		m.mu.Unlock()
	}

	// Recovery means a prior incarnation's transcript gets replayed, which
	// is independent of whether a fresh backend process had to be spawned.
	prior, err := m.cfg.History.Read(req.WorkspaceID, req.PaneID, 0)
	if err != nil {
		m.log.Warn("prior transcript unavailable", "pane", req.PaneID, "error", err)
	}

	outcome, err := s.EnsureAttached(ctx)
	if err != nil {
		return nil, err
	}
	if !outcome.Created && req.Cols > 0 && req.Rows > 0 {
		if err := s.Resize(ctx, req.Cols, req.Rows); err != nil {
			m.log.Warn("attach resize failed", "pane", req.PaneID, "error", err)
		}
	}
	scrollback, err := m.cfg.History.Read(req.WorkspaceID, req.PaneID, 0)
	if err != nil {
		m.log.Warn("scrollback replay unavailable", "pane", req.PaneID, "error", err)
	}
	return &AttachResult{
		Created:      outcome.Created,
		WasRecovered: len(prior.Scrollback) > 0,
		WasRetrying:  outcome.WasRetrying,
		Scrollback:   scrollback.Scrollback,
		Info:         s.Info(),
	}, nil
}

func (m *Manager) newSession(req CreateRequest) (*Session, error) {
	shell := req.Shell
	if shell == "" {
		shell = m.cfg.Shell
	}
	persistent := m.cfg.Persist && m.cfg.Backend.IsAvailable()
	w, err := m.cfg.History.Open(history.Metadata{
		WorkspaceID: req.WorkspaceID,
		PaneID:      req.PaneID,
		Cwd:         req.Cwd,
		Cols:        req.Cols,
		Rows:        req.Rows,
		Shell:       shell,
	})
	if err != nil {
		return nil, err
	}
	s, err := New(Params{
		WorkspaceID:   req.WorkspaceID,
		PaneID:        req.PaneID,
		Persistent:    persistent,
		Shell:         shell,
		FallbackShell: m.cfg.FallbackShell,
		Cwd:           req.Cwd,
		Cols:          req.Cols,
		Rows:          req.Rows,
		ExtraEnv:      m.cfg.ExtraEnv,
		Backend:       m.cfg.Backend,
		History:       w,
		Logger:        m.log,
		Emit:          m.emit,
	})
	if err != nil {
		_ = w.Close(nil)
		return nil, err
	}
	return s, nil
}

func (m *Manager) lookup(paneID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	s, ok := m.sessions[paneID]
	if !ok {
		return nil, fmt.Errorf("session: pane %s: %w", paneID, ErrNoSession)
	}
	return s, nil
}

// Write queues input bytes; the bool is the backpressure accept signal.
func (m *Manager) Write(paneID string, data []byte) (bool, error) {
	s, err := m.lookup(paneID)
	if err != nil {
		return false, err
	}
	return s.Write(data)
}

// Resize propagates a geometry change.
func (m *Manager) Resize(ctx context.Context, paneID string, cols, rows int) error {
	s, err := m.lookup(paneID)
	if err != nil {
		return err
	}
	return s.Resize(ctx, cols, rows)
}

// Signal delivers a signal to the pane's process tree.
func (m *Manager) Signal(ctx context.Context, paneID string, sig syscall.Signal) error {
	s, err := m.lookup(paneID)
	if err != nil {
		return err
	}
	return s.Signal(ctx, sig)
}

// Detach disconnects the pane, leaving a persistent backend running.
func (m *Manager) Detach(paneID string) error {
	s, err := m.lookup(paneID)
	if err != nil {
		return err
	}
	return s.Detach()
}

// Retry re-attaches a failed session.
func (m *Manager) Retry(ctx context.Context, paneID string) (*AttachResult, error) {
	s, err := m.lookup(paneID)
	if err != nil {
		return nil, err
	}
	outcome, err := s.Retry(ctx)
	if err != nil {
		return nil, err
	}
	info := s.Info()
	rec, err := m.cfg.History.Read(info.WorkspaceID, paneID, 0)
	if err != nil {
		m.log.Warn("scrollback replay unavailable", "pane", paneID, "error", err)
	}
	return &AttachResult{
		Created:      outcome.Created,
		WasRecovered: len(rec.Scrollback) > 0,
		WasRetrying:  outcome.WasRetrying,
		Scrollback:   rec.Scrollback,
		Info:         info,
	}, nil
}

// ClearScrollback wipes backend and stored scrollback for the pane.
func (m *Manager) ClearScrollback(ctx context.Context, paneID string) error {
	s, err := m.lookup(paneID)
	if err != nil {
		return err
	}
	return s.ClearScrollback(ctx)
}

// Kill terminates the pane's session. The transcript is preserved for a
// later reattach unless the caller explicitly requests deletion.
func (m *Manager) Kill(ctx context.Context, paneID string, deleteHistory bool) error {
	s, err := m.lookup(paneID)
	if err != nil {
		return err
	}
	s.Kill(ctx)
	info := s.Info()
	m.mu.Lock()
	delete(m.sessions, paneID)
	m.cancelGCLocked(paneID)
	m.mu.Unlock()
	if deleteHistory {
		if err := m.cfg.History.Cleanup(info.WorkspaceID, paneID); err != nil {
			m.log.Warn("transcript cleanup failed", "pane", paneID, "error", err)
		}
	}
	return nil
}

// KillWorkspace terminates every session of a workspace, including backend
// sessions left over from a previous daemon. Returns how many were killed.
func (m *Manager) KillWorkspace(ctx context.Context, workspaceID string) (int, error) {
	m.mu.Lock()
	var victims []*Session
	for paneID, s := range m.sessions {
		if s.Info().WorkspaceID == workspaceID {
			victims = append(victims, s)
			delete(m.sessions, paneID)
			m.cancelGCLocked(paneID)
		}
	}
	m.mu.Unlock()

	killed := 0
	for _, s := range victims {
		s.Kill(ctx)
		killed++
	}
	if m.cfg.Backend.IsAvailable() {
		prefix := tmuxctl.WorkspacePrefix(workspaceID)
		names, err := m.cfg.Backend.ListSessions(ctx)
		if err != nil {
			return killed, err
		}
		for _, name := range names {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			if err := m.cfg.Backend.KillSession(ctx, name); err == nil {
				killed++
			}
		}
	}
	if err := m.cfg.History.CleanupWorkspace(workspaceID); err != nil {
		m.log.Warn("workspace transcript cleanup failed", "workspace", workspaceID, "error", err)
	}
	return killed, nil
}

// KillAll terminates every session and stops the backend server.
func (m *Manager) KillAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	victims := make([]*Session, 0, len(m.sessions))
	infos := make([]Info, 0, len(m.sessions))
	for paneID, s := range m.sessions {
		victims = append(victims, s)
		infos = append(infos, s.Info())
		delete(m.sessions, paneID)
		m.cancelGCLocked(paneID)
	}
	m.mu.Unlock()

	killed := 0
	for i, s := range victims {
		s.Kill(ctx)
		killed++
		info := infos[i]
		if err := m.cfg.History.Cleanup(info.WorkspaceID, info.PaneID); err != nil {
			m.log.Warn("transcript cleanup failed", "pane", info.PaneID, "error", err)
		}
	}
	if m.cfg.Backend.IsAvailable() {
		names, err := m.cfg.Backend.ListSessions(ctx)
		if err != nil {
			return killed, err
		}
		for _, name := range names {
			if err := m.cfg.Backend.KillSession(ctx, name); err == nil {
				killed++
			}
		}
		if err := m.cfg.Backend.KillServer(ctx); err != nil {
			m.log.Warn("backend server stop failed", "error", err)
		}
	}
	return killed, nil
}

// List snapshots all known sessions.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Cleanup removes closed sessions from the table immediately.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for paneID, s := range m.sessions {
		if s.State() == StateClosed {
			delete(m.sessions, paneID)
			m.cancelGCLocked(paneID)
			removed++
		}
	}
	return removed
}

// Close detaches every session without killing backends, so persistent
// sessions survive a daemon restart.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	victims := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		victims = append(victims, s)
	}
	m.sessions = map[string]*Session{}
	for paneID, t := range m.gcTimers {
		t.Stop()
		delete(m.gcTimers, paneID)
	}
	m.mu.Unlock()
	close(m.done)
	for _, s := range victims {
		_ = s.Close()
	}
}
