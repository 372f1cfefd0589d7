package sessiond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/superset-sh/termkeep/internal/session"
)

const defaultCallTimeout = 30 * time.Second

// ErrClientClosed marks calls made after the connection was torn down.
var ErrClientClosed = errors.New("sessiond: client closed")

// ClientEvent is a server push delivered to the client's event channel.
// A Type of EventDisconnected is synthesized locally when the connection
// drops.
type ClientEvent struct {
	Type        string
	PaneID      string
	WorkspaceID string
	Data        []byte
	ExitCode    int
}

// Client is a connection to the daemon. Safe for concurrent use.
type Client struct {
	conn net.Conn

	seq atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Message
	closed  bool

	events chan ClientEvent
	done   chan struct{}

	hello HelloResponse
}

// DialOptions carries optional handshake parameters.
type DialOptions struct {
	Token         string
	ClientVersion string
}

// Dial connects to the daemon socket and completes the hello handshake.
func Dial(ctx context.Context, socketPath string, opts DialOptions) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("sessiond: dial %s: %w", socketPath, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan Message),
		events:  make(chan ClientEvent, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	var hello HelloResponse
	err = c.call(ctx, TypeHello, HelloRequest{
		Token:           opts.Token,
		ProtocolVersion: ProtocolVersion,
		ClientVersion:   opts.ClientVersion,
	}, &hello)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.hello = hello
	return c, nil
}

// Hello returns the server's handshake response.
func (c *Client) Hello() HelloResponse { return c.hello }

// Events returns the channel of server pushes. The channel is closed
// after an EventDisconnected when the connection ends.
func (c *Client) Events() <-chan ClientEvent { return c.events }

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
	close(c.done)
	return c.conn.Close()
}

func (c *Client) readLoop() {
	dec := json.NewDecoder(c.conn)
	for {
		msg, err := readMessage(dec)
		if err != nil {
			break
		}
		switch {
		case msg.isResponse():
			c.deliverResponse(msg)
		case msg.isEvent():
			c.deliverEvent(msg)
		}
	}
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
	if !alreadyClosed {
		close(c.done)
		_ = c.conn.Close()
		select {
		case c.events <- ClientEvent{Type: EventDisconnected}:
		default:
		}
	}
	close(c.events)
}

func (c *Client) deliverResponse(msg Message) {
	c.mu.Lock()
	ch, found := c.pending[msg.ID]
	if found {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if found {
		ch <- msg
	}
}

func (c *Client) deliverEvent(msg Message) {
	ev := ClientEvent{Type: msg.Event, PaneID: msg.SessionID}
	switch msg.Event {
	case EventData:
		var payload DataEventPayload
		if err := decodePayload(msg.Payload, &payload); err != nil {
			return
		}
		ev.WorkspaceID = payload.WorkspaceID
		ev.Data = payload.Data
	case EventExit:
		var payload ExitEventPayload
		if err := decodePayload(msg.Payload, &payload); err != nil {
			return
		}
		ev.WorkspaceID = payload.WorkspaceID
		ev.ExitCode = payload.ExitCode
	default:
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// call sends one request and decodes its response payload into out.
func (c *Client) call(ctx context.Context, reqType string, payload any, out any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	id := c.seq.Add(1)
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	msg := Message{ID: id, Type: reqType, Payload: raw}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(defaultCallTimeout))
	}
	if err := writeMessage(c.conn, msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Time{})

	select {
	case resp, open := <-ch:
		if !open {
			return ErrClientClosed
		}
		if resp.OK != nil && !*resp.OK {
			if resp.Error != nil {
				return resp.Error
			}
			return errors.New("sessiond: request failed")
		}
		return decodePayload(resp.Payload, out)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}

// CreateOrAttach ensures a session exists and is attached.
func (c *Client) CreateOrAttach(ctx context.Context, req CreateOrAttachRequest) (*CreateOrAttachResponse, error) {
	var resp CreateOrAttachResponse
	if err := c.call(ctx, TypeCreateOrAttach, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Write sends input bytes to a pane. Returns false when the daemon's
// write queue is saturated.
func (c *Client) Write(ctx context.Context, paneID string, data []byte) (bool, error) {
	var resp WriteResponse
	err := c.call(ctx, TypeWrite, WriteRequest{PaneID: paneID, Data: data}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

// Resize changes a pane's geometry.
func (c *Client) Resize(ctx context.Context, paneID string, cols, rows int) error {
	return c.call(ctx, TypeResize, ResizeRequest{PaneID: paneID, Cols: cols, Rows: rows}, nil)
}

// Signal delivers a named signal to a pane's process tree.
func (c *Client) Signal(ctx context.Context, paneID, signalName string) error {
	return c.call(ctx, TypeSignal, SignalRequest{PaneID: paneID, Signal: signalName}, nil)
}

// Detach disconnects a pane without killing its process.
func (c *Client) Detach(ctx context.Context, paneID string) error {
	return c.call(ctx, TypeDetach, PaneRequest{PaneID: paneID}, nil)
}

// Retry re-attempts the backend attach for a failed pane.
func (c *Client) Retry(ctx context.Context, paneID string) (*CreateOrAttachResponse, error) {
	var resp CreateOrAttachResponse
	if err := c.call(ctx, TypeRetry, PaneRequest{PaneID: paneID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Kill terminates a pane's session. History is kept unless deleteHistory
// is set.
func (c *Client) Kill(ctx context.Context, paneID string, deleteHistory bool) error {
	return c.call(ctx, TypeKill, KillRequest{PaneID: paneID, DeleteHistory: deleteHistory}, nil)
}

// KillAll terminates every session, including detached backend ones.
func (c *Client) KillAll(ctx context.Context) (int, error) {
	var resp KillResponse
	if err := c.call(ctx, TypeKillAll, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Killed, nil
}

// KillWorkspace terminates every session belonging to a workspace.
func (c *Client) KillWorkspace(ctx context.Context, workspaceID string) (int, error) {
	var resp KillResponse
	err := c.call(ctx, TypeKillWorkspace, WorkspaceRequest{WorkspaceID: workspaceID}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Killed, nil
}

// ListSessions snapshots the daemon's session table.
func (c *Client) ListSessions(ctx context.Context) ([]session.Info, error) {
	var resp ListSessionsResponse
	if err := c.call(ctx, TypeListSessions, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// ClearScrollback wipes a pane's backend history and transcript.
func (c *Client) ClearScrollback(ctx context.Context, paneID string) error {
	return c.call(ctx, TypeClearScrollback, PaneRequest{PaneID: paneID}, nil)
}

// Shutdown asks the daemon to stop. Persistent sessions survive.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, TypeShutdown, nil, nil)
}

// ProbeDaemon reports nil when a live daemon answers the handshake on
// socketPath. A timeout maps to ErrDaemonProbeTimeout so callers do not
// mistake a wedged daemon for a stale socket.
func ProbeDaemon(ctx context.Context, socketPath, tokenPath string) error {
	token, err := LoadToken(tokenPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	client, err := Dial(ctx, socketPath, DialOptions{Token: token})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrDaemonProbeTimeout
		}
		return err
	}
	return client.Close()
}
