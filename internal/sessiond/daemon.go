package sessiond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/superset-sh/termkeep/internal/session"
)

const (
	defaultWriteTimeout = 5 * time.Second
	probeTimeout        = 2 * time.Second
)

// ErrDaemonProbeTimeout marks a probe that could not decide whether a
// daemon is alive; callers must not treat the socket as stale.
var ErrDaemonProbeTimeout = errors.New("sessiond: daemon probe timed out")

// Config configures a daemon instance.
type Config struct {
	Version       string
	SocketPath    string
	PidPath       string
	TokenPath     string
	Manager       *session.Manager
	Logger        *slog.Logger
	HandleSignals bool
}

// Daemon owns the session manager and serves clients over a unix socket.
type Daemon struct {
	manager    *session.Manager
	socketPath string
	pidPath    string
	tokenPath  string
	version    string
	token      string
	log        *slog.Logger

	listenerMu sync.RWMutex
	listener   net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	clientsMu sync.RWMutex
	clients   map[uint64]*clientConn
	clientSeq atomic.Uint64

	closing atomic.Bool
	wg      sync.WaitGroup
}

type clientConn struct {
	id      uint64
	conn    net.Conn
	respCh  chan Message
	eventCh chan Message
	done    chan struct{}
	authed  atomic.Bool
}

// NewDaemon creates a daemon instance. Paths left empty fall back to the
// per-user state directory defaults.
func NewDaemon(cfg Config) (*Daemon, error) {
	if cfg.Manager == nil {
		return nil, errors.New("sessiond: manager is required")
	}
	socketPath := cfg.SocketPath
	if socketPath == "" {
		path, err := DefaultSocketPath()
		if err != nil {
			return nil, err
		}
		socketPath = path
	}
	pidPath := cfg.PidPath
	if pidPath == "" {
		path, err := DefaultPidPath()
		if err != nil {
			return nil, err
		}
		pidPath = path
	}
	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		path, err := DefaultTokenPath()
		if err != nil {
			return nil, err
		}
		tokenPath = path
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		manager:    cfg.Manager,
		socketPath: socketPath,
		pidPath:    pidPath,
		tokenPath:  tokenPath,
		version:    cfg.Version,
		log:        logger,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[uint64]*clientConn),
	}
	if cfg.HandleSignals {
		d.handleSignals()
	}
	return d, nil
}

// Start begins listening for client connections.
func (d *Daemon) Start() error {
	if d == nil {
		return errors.New("sessiond: daemon is nil")
	}
	token, err := EnsureToken(d.tokenPath)
	if err != nil {
		return err
	}
	d.token = token
	if err := os.MkdirAll(filepath.Dir(d.socketPath), 0o700); err != nil {
		return fmt.Errorf("sessiond: create socket dir: %w", err)
	}
	if err := d.removeStaleSocket(); err != nil {
		return err
	}
	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("sessiond: listen on %s: %w", d.socketPath, err)
	}
	if err := os.Chmod(d.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("sessiond: chmod socket: %w", err)
	}
	if err := d.writePidFile(); err != nil {
		_ = listener.Close()
		return err
	}
	d.listenerMu.Lock()
	d.listener = listener
	d.listenerMu.Unlock()

	d.wg.Add(2)
	go d.acceptLoop(listener)
	go d.eventLoop()

	d.log.Info("daemon listening", "socket", d.socketPath, "version", d.version)
	return nil
}

// Run starts the daemon and blocks until it is stopped.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	<-d.ctx.Done()
	return d.shutdown()
}

// Stop signals the daemon to shut down.
func (d *Daemon) Stop() error {
	if d == nil || d.closing.Swap(true) {
		return nil
	}
	d.cancel()
	return nil
}

func (d *Daemon) shutdown() error {
	d.closing.Store(true)
	d.listenerMu.Lock()
	listener := d.listener
	d.listener = nil
	d.listenerMu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}

	d.clientsMu.Lock()
	for _, client := range d.clients {
		closeClient(client)
	}
	d.clients = make(map[uint64]*clientConn)
	d.clientsMu.Unlock()

	// Detach only: persistent backend sessions survive the daemon.
	d.manager.Close()
	d.wg.Wait()

	_ = os.Remove(d.socketPath)
	_ = os.Remove(d.pidPath)
	d.log.Info("daemon stopped")
	return nil
}

func (d *Daemon) acceptLoop(listener net.Listener) {
	defer d.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if d.closing.Load() {
				return
			}
			continue
		}
		client := &clientConn{
			id:      d.clientSeq.Add(1),
			conn:    conn,
			respCh:  make(chan Message, 64),
			eventCh: make(chan Message, 256),
			done:    make(chan struct{}),
		}
		d.clientsMu.Lock()
		d.clients[client.id] = client
		d.clientsMu.Unlock()
		d.wg.Add(2)
		go d.readLoop(client)
		go d.writeLoop(client)
	}
}

func (d *Daemon) eventLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.manager.Events():
			d.broadcast(ev)
		}
	}
}

func (d *Daemon) broadcast(ev session.Event) {
	msg := Message{Type: typeEvent, SessionID: ev.PaneID}
	switch ev.Type {
	case session.EventData:
		msg.Event = EventData
		payload, err := encodePayload(DataEventPayload{WorkspaceID: ev.WorkspaceID, Data: ev.Data})
		if err != nil {
			return
		}
		msg.Payload = payload
	case session.EventExit:
		msg.Event = EventExit
		payload, err := encodePayload(ExitEventPayload{WorkspaceID: ev.WorkspaceID, ExitCode: ev.ExitCode})
		if err != nil {
			return
		}
		msg.Payload = payload
	default:
		return
	}

	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()
	for _, client := range d.clients {
		if !client.authed.Load() {
			continue
		}
		select {
		case <-client.done:
		case client.eventCh <- msg:
		default:
			// Slow consumer; dropping beats stalling every other client.
		}
	}
}

func (d *Daemon) readLoop(client *clientConn) {
	defer d.wg.Done()
	defer d.dropClient(client)
	dec := json.NewDecoder(client.conn)
	for {
		msg, err := readMessage(dec)
		if err != nil {
			return
		}
		if msg.isResponse() || msg.isEvent() {
			continue
		}
		resp := d.handleRequest(client, msg)
		select {
		case client.respCh <- resp:
		case <-client.done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Daemon) writeLoop(client *clientConn) {
	defer d.wg.Done()
	for {
		// Responses take priority over buffered events.
		select {
		case msg := <-client.respCh:
			if !d.writeToClient(client, msg) {
				return
			}
			continue
		default:
		}
		select {
		case msg := <-client.respCh:
			if !d.writeToClient(client, msg) {
				return
			}
		case msg := <-client.eventCh:
			if !d.writeToClient(client, msg) {
				return
			}
		case <-client.done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Daemon) writeToClient(client *clientConn, msg Message) bool {
	if err := client.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		d.dropClient(client)
		return false
	}
	if err := writeMessage(client.conn, msg); err != nil {
		d.dropClient(client)
		return false
	}
	return true
}

func (d *Daemon) dropClient(client *clientConn) {
	if client == nil {
		return
	}
	d.clientsMu.Lock()
	delete(d.clients, client.id)
	d.clientsMu.Unlock()
	closeClient(client)
}

func closeClient(client *clientConn) {
	select {
	case <-client.done:
		return
	default:
		close(client.done)
	}
	if client.conn != nil {
		_ = client.conn.Close()
	}
}

func (d *Daemon) writePidFile() error {
	if d.pidPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.pidPath), 0o700); err != nil {
		return fmt.Errorf("sessiond: create pid dir: %w", err)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(d.pidPath, []byte(pid+"\n"), 0o600); err != nil {
		return fmt.Errorf("sessiond: write pid file: %w", err)
	}
	return nil
}

// removeStaleSocket clears a leftover socket file, refusing to start when
// a live daemon still answers on it.
func (d *Daemon) removeStaleSocket() error {
	if _, err := os.Stat(d.socketPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sessiond: stat socket: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	err := ProbeDaemon(ctx, d.socketPath, d.tokenPath)
	if err == nil {
		return fmt.Errorf("sessiond: daemon already running on %s", d.socketPath)
	}
	if errors.Is(err, ErrDaemonProbeTimeout) {
		return err
	}
	d.log.Warn("removing stale daemon socket", "socket", d.socketPath)
	if err := os.Remove(d.socketPath); err != nil {
		return fmt.Errorf("sessiond: remove stale socket: %w", err)
	}
	if pid, err := readPidFile(d.pidPath); err == nil && !processAlive(pid) {
		_ = os.Remove(d.pidPath)
	}
	return nil
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("sessiond: read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("sessiond: parse pid file: %w", err)
	}
	return pid, nil
}
