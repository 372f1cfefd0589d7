// Package session owns the lifecycle of terminal sessions: attaching panes
// to their persistence backend, streaming filtered output, and recovering
// from crashes of either side.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/superset-sh/termkeep/internal/history"
	"github.com/superset-sh/termkeep/internal/limits"
	"github.com/superset-sh/termkeep/internal/ptyio"
	"github.com/superset-sh/termkeep/internal/tmuxctl"
)

// State names a point in the session lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// ErrNotConnected marks operations that may be retried once the session
// reattaches.
var ErrNotConnected = errors.New("session not connected")

// EventType distinguishes manager event stream entries.
type EventType string

const (
	// EventData carries a batch of filtered session output.
	EventData EventType = "data"
	// EventExit reports that the session's process tree ended.
	EventExit EventType = "exit"
)

// Event is fanned out to connected daemon clients.
type Event struct {
	Type        EventType
	WorkspaceID string
	PaneID      string
	Data        []byte
	ExitCode    int
}

// Info is a read-only snapshot of a session.
type Info struct {
	WorkspaceID string    `json:"workspaceId"`
	PaneID      string    `json:"paneId"`
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Persistent  bool      `json:"persistent"`
	Cols        int       `json:"cols"`
	Rows        int       `json:"rows"`
	Cwd         string    `json:"cwd,omitempty"`
	Shell       string    `json:"shell,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	LastActive  time.Time `json:"lastActiveAt"`
}

// backendPane is the I/O surface both backends expose.
type backendPane interface {
	Read([]byte) (int, error)
	Write([]byte) error
	Resize(cols, rows int) error
	Close() error
	Done() <-chan struct{}
	ExitStatus() int
}

// Session binds one editor pane to one backend session.
type Session struct {
	workspaceID   string
	paneID        string
	name          string
	persistent    bool
	fallbackShell string
	extraEnv      []string

	backend *tmuxctl.Client
	hist    *history.Writer
	log     *slog.Logger
	emit    func(Event)

	mu        sync.Mutex
	state     State
	shell     string
	cwd       string
	cols      int
	rows      int
	pane      backendPane
	eph       *Ephemeral
	queue     *ptyio.WriteQueue
	gen        int
	spawnedAt  time.Time
	startedAt  time.Time
	lastActive time.Time
	retried    bool
}

// Params configures a new Session.
type Params struct {
	WorkspaceID   string
	PaneID        string
	Persistent    bool
	Shell         string
	FallbackShell string
	Cwd           string
	Cols          int
	Rows          int
	ExtraEnv      []string

	Backend *tmuxctl.Client
	History *history.Writer
	Logger  *slog.Logger
	Emit    func(Event)
}

// New builds a Session in the disconnected state.
func New(p Params) (*Session, error) {
	if p.WorkspaceID == "" || p.PaneID == "" {
		return nil, errors.New("session: workspace and pane ids are required")
	}
	if p.History == nil {
		return nil, errors.New("session: history writer is required")
	}
	if p.Persistent && p.Backend == nil {
		return nil, errors.New("session: persistent session needs a backend client")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Emit == nil {
		p.Emit = func(Event) {}
	}
	cols, rows := p.Cols, p.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	return &Session{
		workspaceID:   p.WorkspaceID,
		paneID:        p.PaneID,
		name:          tmuxctl.SessionName(p.WorkspaceID, p.PaneID),
		persistent:    p.Persistent,
		fallbackShell: p.FallbackShell,
		extraEnv:      p.ExtraEnv,
		backend:       p.Backend,
		hist:          p.History,
		log:           p.Logger,
		emit:          p.Emit,
		state:         StateDisconnected,
		shell:         p.Shell,
		cwd:           p.Cwd,
		cols:          cols,
		rows:          rows,
		startedAt:     time.Now().UTC(),
		lastActive:    time.Now().UTC(),
	}, nil
}

// AttachOutcome reports what EnsureAttached did.
type AttachOutcome struct {
	Created     bool
	WasRetrying bool
}

// EnsureAttached moves the session to connected, creating the backend
// session if needed. It is safe to call from any non-closed state.
func (s *Session) EnsureAttached(ctx context.Context) (AttachOutcome, error) {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return AttachOutcome{}, nil
	case StateClosed:
		s.mu.Unlock()
		return AttachOutcome{}, fmt.Errorf("session: %s is closed", s.paneID)
	case StateConnecting:
		s.mu.Unlock()
		return AttachOutcome{}, fmt.Errorf("session: %s attach already in progress", s.paneID)
	}
	wasRetrying := s.state == StateReconnecting || s.state == StateFailed
	s.state = StateConnecting
	s.mu.Unlock()

	created, pane, err := s.attachBackend(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		return AttachOutcome{WasRetrying: wasRetrying}, err
	}
	s.bind(pane)
	return AttachOutcome{Created: created, WasRetrying: wasRetrying}, nil
}

// Retry re-attaches after a failure.
func (s *Session) Retry(ctx context.Context) (AttachOutcome, error) {
	s.mu.Lock()
	if s.state == StateFailed {
		s.state = StateReconnecting
	}
	s.mu.Unlock()
	return s.EnsureAttached(ctx)
}

func (s *Session) attachBackend(ctx context.Context) (bool, backendPane, error) {
	s.mu.Lock()
	shell, cwd, cols, rows := s.shell, s.cwd, s.cols, s.rows
	s.mu.Unlock()

	if !s.persistent {
		eph, err := StartEphemeral(EphemeralOptions{Shell: shell, Dir: cwd, Cols: cols, Rows: rows})
		if err != nil {
			return false, nil, err
		}
		s.mu.Lock()
		s.eph = eph
		s.mu.Unlock()
		return true, eph, nil
	}

	created := false
	exists, err := s.backend.SessionExists(ctx, s.name)
	if err != nil {
		return false, nil, err
	}
	if !exists {
		if err := s.createBackendSession(ctx, shell, cwd, cols, rows); err != nil {
			return false, nil, err
		}
		created = true
	}
	pane, err := s.backend.AttachSession(ctx, s.name, cols, rows)
	if err != nil {
		var be *tmuxctl.BackendError
		if created || !errors.As(err, &be) || !be.Code.Recoverable() {
			return false, nil, err
		}
		// Session vanished between the existence check and the attach.
		s.log.Warn("backend session lost before attach, recreating",
			"pane", s.paneID, "code", be.Code)
		if err := s.createBackendSession(ctx, shell, cwd, cols, rows); err != nil {
			return false, nil, err
		}
		created = true
		pane, err = s.backend.AttachSession(ctx, s.name, cols, rows)
		if err != nil {
			return false, nil, err
		}
	}
	if !created {
		s.refreshHistory(ctx)
	}
	return created, pane, nil
}

func (s *Session) createBackendSession(ctx context.Context, shell, cwd string, cols, rows int) error {
	return s.backend.CreateSession(ctx, tmuxctl.CreateOptions{
		Name:     s.name,
		Dir:      cwd,
		Cols:     cols,
		Rows:     rows,
		Shell:    shell,
		ExtraEnv: s.extraEnv,
	})
}

// refreshHistory replaces the transcript with the backend's scrollback so
// output produced while detached is not lost.
func (s *Session) refreshHistory(ctx context.Context) {
	raw, err := s.backend.CaptureScrollback(ctx, s.name)
	if err != nil {
		s.log.Warn("scrollback capture failed, keeping stale transcript",
			"pane", s.paneID, "error", err)
		return
	}
	f := ptyio.NewFilter()
	clean := f.Filter(raw)
	clean = append(clean, f.Flush()...)
	if err := s.hist.Reset(); err != nil {
		s.log.Warn("transcript reset failed", "pane", s.paneID, "error", err)
		return
	}
	if err := s.hist.Write(clean); err != nil {
		s.log.Warn("transcript rewrite failed", "pane", s.paneID, "error", err)
	}
}

// bind wires the pane into the filter, history, batcher, and write queue,
// and starts the per-attach goroutines.
func (s *Session) bind(pane backendPane) {
	filter := ptyio.NewFilter()
	batcher := ptyio.NewBatcher(func(chunk []byte) {
		s.emit(Event{Type: EventData, WorkspaceID: s.workspaceID, PaneID: s.paneID, Data: chunk})
	})
	queue := ptyio.NewWriteQueue(pane.Write)
	readDone := make(chan struct{})

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.pane = pane
	s.queue = queue
	s.spawnedAt = time.Now()
	s.lastActive = time.Now().UTC()
	s.state = StateConnected
	s.mu.Unlock()

	go s.readLoop(pane, filter, batcher, readDone)
	go s.watchExit(gen, pane, batcher, queue, readDone)
}

func (s *Session) readLoop(pane backendPane, filter *ptyio.Filter, batcher *ptyio.Batcher, readDone chan struct{}) {
	defer close(readDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := pane.Read(buf)
		if n > 0 {
			s.consume(filter, batcher, buf[:n])
		}
		if err != nil {
			if tail := filter.Flush(); len(tail) > 0 {
				s.record(tail, -1)
				batcher.Write(tail)
			}
			return
		}
	}
}

func (s *Session) consume(filter *ptyio.Filter, batcher *ptyio.Batcher, chunk []byte) {
	out := filter.Filter(chunk)
	if len(out) == 0 {
		return
	}
	s.record(out, ptyio.LastClearIndex(out))
	batcher.Write(out)
}

// record appends output to the transcript, restarting it when the chunk
// contains a clear-scrollback sequence at clearIdx.
func (s *Session) record(out []byte, clearIdx int) {
	var err error
	if clearIdx >= 0 {
		if err = s.hist.Reset(); err == nil {
			err = s.hist.Write(out[clearIdx:])
		}
	} else {
		err = s.hist.Write(out)
	}
	if err != nil {
		s.log.Warn("transcript write failed", "pane", s.paneID, "error", err)
	}
}

func (s *Session) watchExit(gen int, pane backendPane, batcher *ptyio.Batcher, queue *ptyio.WriteQueue, readDone chan struct{}) {
	<-pane.Done()
	// The slave fd stays open in this process, so the PTY read never hits
	// EOF on its own. Closing the pane releases the reader.
	_ = pane.Close()
	<-readDone
	batcher.Dispose()
	queue.Dispose()
	s.handleExit(gen, pane)
}

func (s *Session) handleExit(gen int, pane backendPane) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateClosed || s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.pane = nil
	s.queue = nil
	s.state = StateReconnecting
	spawnedAt := s.spawnedAt
	retried := s.retried
	shell := s.shell
	s.mu.Unlock()
	_ = pane.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if s.persistent {
		exists, err := s.backend.SessionExists(ctx, s.name)
		if err == nil && exists {
			// The attach client died but the backend session is alive.
			s.log.Info("attach client lost, rebinding", "pane", s.paneID)
			if _, err := s.EnsureAttached(ctx); err != nil {
				s.log.Warn("rebind failed", "pane", s.paneID, "error", err)
			}
			return
		}
	}

	code := pane.ExitStatus()
	if code != 0 && !retried && time.Since(spawnedAt) < limits.CrashLoopWindow &&
		s.fallbackShell != "" && s.fallbackShell != shell {
		s.log.Warn("shell crashed during startup, retrying with fallback",
			"pane", s.paneID, "shell", shell, "fallback", s.fallbackShell, "exitCode", code)
		s.mu.Lock()
		s.retried = true
		s.shell = s.fallbackShell
		s.mu.Unlock()
		if _, err := s.EnsureAttached(ctx); err == nil {
			return
		}
		s.log.Warn("fallback shell attach failed", "pane", s.paneID)
	}
	s.finish(code)
}

func (s *Session) finish(code int) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
	exit := code
	if err := s.hist.Close(&exit); err != nil {
		s.log.Warn("transcript close failed", "pane", s.paneID, "error", err)
	}
	s.emit(Event{Type: EventExit, WorkspaceID: s.workspaceID, PaneID: s.paneID, ExitCode: code})
}

// Write queues input for the shell. The bool mirrors the queue's
// backpressure signal; a false return with nil error means "slow down".
func (s *Session) Write(data []byte) (bool, error) {
	s.mu.Lock()
	queue := s.queue
	state := s.state
	if state == StateConnected {
		s.lastActive = time.Now().UTC()
	}
	s.mu.Unlock()
	if state != StateConnected || queue == nil {
		return false, fmt.Errorf("session: %s is %s: %w", s.paneID, state, ErrNotConnected)
	}
	return queue.Write(data), nil
}

// Resize propagates a new geometry. Outside the connected state the resize
// is dropped with a warning; the next attach passes fresh dimensions anyway.
func (s *Session) Resize(ctx context.Context, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("session: invalid size %dx%d", cols, rows)
	}
	s.mu.Lock()
	s.cols = cols
	s.rows = rows
	s.lastActive = time.Now().UTC()
	pane := s.pane
	state := s.state
	s.mu.Unlock()
	if state != StateConnected || pane == nil {
		s.log.Warn("resize dropped while not connected", "pane", s.paneID, "state", state)
		return nil
	}
	if err := pane.Resize(cols, rows); err != nil {
		return err
	}
	if s.persistent {
		if err := s.backend.ResizeWindow(ctx, s.name, cols, rows); err != nil {
			s.log.Warn("backend resize failed", "pane", s.paneID, "error", err)
		}
	}
	if err := s.hist.UpdateSize(cols, rows); err != nil {
		s.log.Warn("metadata resize failed", "pane", s.paneID, "error", err)
	}
	return nil
}

// Signal delivers sig to the session's process tree.
func (s *Session) Signal(ctx context.Context, sig syscall.Signal) error {
	if s.persistent {
		return s.backend.SignalSession(ctx, s.name, sig)
	}
	s.mu.Lock()
	eph := s.eph
	s.mu.Unlock()
	if eph == nil {
		return fmt.Errorf("session: %s has no process: %w", s.paneID, ErrNotConnected)
	}
	return eph.Signal(sig)
}

// Detach drops the attach client but leaves the backend session running.
func (s *Session) Detach() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	pane := s.pane
	s.pane = nil
	s.queue = nil
	s.state = StateDisconnected
	s.mu.Unlock()
	if pane != nil {
		_ = pane.Close()
	}
	if s.persistent {
		// Closing the PTY ends our attach client; detach-client clears any
		// client the server still counts attached.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.backend.DetachSession(ctx, s.name); err != nil {
			var be *tmuxctl.BackendError
			if !errors.As(err, &be) || !be.Code.Recoverable() {
				s.log.Warn("backend detach failed", "pane", s.paneID, "error", err)
			}
		}
	}
	return nil
}

// Close releases daemon-side resources without killing the backend session.
// Used at daemon shutdown so persistent sessions survive.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	pane := s.pane
	eph := s.eph
	s.pane = nil
	s.eph = nil
	s.queue = nil
	s.state = StateClosed
	s.mu.Unlock()
	if pane != nil {
		_ = pane.Close()
	}
	if eph != nil {
		_ = eph.Close()
	}
	return s.hist.Close(nil)
}

// Kill terminates the session and its backend with escalation: SIGTERM,
// a grace wait, SIGKILL, a short wait, then forced teardown.
func (s *Session) Kill(ctx context.Context) {
	s.mu.Lock()
	s.gen++
	pane := s.pane
	eph := s.eph
	s.pane = nil
	s.eph = nil
	s.queue = nil
	alreadyClosed := s.state == StateClosed
	s.state = StateClosed
	s.mu.Unlock()

	if err := s.signalFor(ctx, eph, syscall.SIGTERM); err == nil {
		if pane != nil && !waitClosed(pane.Done(), limits.KillTermWait) {
			_ = s.signalFor(ctx, eph, syscall.SIGKILL)
			waitClosed(pane.Done(), limits.KillForceWait)
		}
	}
	if s.persistent {
		if err := s.backend.KillSession(ctx, s.name); err != nil {
			var be *tmuxctl.BackendError
			if !errors.As(err, &be) || !be.Code.Recoverable() {
				s.log.Warn("backend kill failed", "pane", s.paneID, "error", err)
			}
		}
	}
	if pane != nil {
		_ = pane.Close()
	}
	if eph != nil {
		_ = eph.Close()
	}
	if !alreadyClosed {
		_ = s.hist.Close(nil)
	}
}

func (s *Session) signalFor(ctx context.Context, eph *Ephemeral, sig syscall.Signal) error {
	if s.persistent {
		return s.backend.SignalSession(ctx, s.name, sig)
	}
	if eph == nil {
		return ErrNotConnected
	}
	return eph.Signal(sig)
}

func waitClosed(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// ClearScrollback wipes the backend scrollback and restarts the transcript.
func (s *Session) ClearScrollback(ctx context.Context) error {
	if s.persistent {
		if err := s.backend.ClearHistory(ctx, s.name); err != nil {
			return err
		}
	}
	return s.hist.Reset()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info snapshots the session for list responses.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		WorkspaceID: s.workspaceID,
		PaneID:      s.paneID,
		Name:        s.name,
		State:       s.state,
		Persistent:  s.persistent,
		Cols:        s.cols,
		Rows:        s.rows,
		Cwd:         s.cwd,
		Shell:       s.shell,
		StartedAt:   s.startedAt,
		LastActive:  s.lastActive,
	}
}
