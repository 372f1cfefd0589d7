// Package sessiond runs the terminal persistence daemon and its client.
// Clients talk newline-delimited JSON over a per-user unix socket.
package sessiond

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/superset-sh/termkeep/internal/session"
)

// ProtocolVersion is the wire protocol version. Clients and daemons must
// agree on the major component.
const ProtocolVersion = "1.0.0"

// Request type names.
const (
	TypeHello           = "hello"
	TypeCreateOrAttach  = "createOrAttach"
	TypeWrite           = "write"
	TypeResize          = "resize"
	TypeSignal          = "signal"
	TypeDetach          = "detach"
	TypeRetry           = "retry"
	TypeKill            = "kill"
	TypeKillAll         = "killAll"
	TypeKillWorkspace   = "killWorkspace"
	TypeListSessions    = "listSessions"
	TypeClearScrollback = "clearScrollback"
	TypeShutdown        = "shutdown"

	// typeEvent marks server-pushed messages.
	typeEvent = "event"
)

// Event names pushed by the daemon.
const (
	EventData         = "data"
	EventExit         = "exit"
	EventDisconnected = "disconnected"
)

// Error codes carried on failed responses.
const (
	CodeBadRequest      = "BAD_REQUEST"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeVersionMismatch = "VERSION_MISMATCH"
	CodeNoSession       = "NO_SESSION"
	CodeNotConnected    = "NOT_CONNECTED"
	CodeInternal        = "INTERNAL"
)

// ErrorInfo is the structured error on a failed response.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return "sessiond: <nil error>"
	}
	return fmt.Sprintf("sessiond: %s: %s", e.Code, e.Message)
}

// Message is one NDJSON line in either direction. Requests carry ID+Type,
// responses carry ID+OK, events carry Type=="event".
type Message struct {
	ID        uint64          `json:"id,omitempty"`
	Type      string          `json:"type,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Event     string          `json:"event,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
}

func (m Message) isResponse() bool { return m.OK != nil }
func (m Message) isEvent() bool    { return m.Type == typeEvent }

func encodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sessiond: encode payload: %w", err)
	}
	return data, nil
}

func decodePayload(raw json.RawMessage, out any) error {
	if out == nil {
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("sessiond: decode payload: %w", err)
	}
	return nil
}

func writeMessage(w io.Writer, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("sessiond: encode message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("sessiond: write message: %w", err)
	}
	return nil
}

func readMessage(dec *json.Decoder) (Message, error) {
	var m Message
	if err := dec.Decode(&m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Request and response payload shapes.

// HelloRequest authenticates a connection.
type HelloRequest struct {
	Token           string `json:"token"`
	ProtocolVersion string `json:"protocolVersion"`
	ClientVersion   string `json:"clientVersion,omitempty"`
}

// HelloResponse acknowledges the handshake.
type HelloResponse struct {
	ServerVersion   string `json:"serverVersion"`
	ProtocolVersion string `json:"protocolVersion"`
	Pid             int    `json:"pid"`
}

// CreateOrAttachRequest asks for a session to exist and be attached.
type CreateOrAttachRequest struct {
	WorkspaceID string `json:"workspaceId"`
	PaneID      string `json:"paneId"`
	Cwd         string `json:"cwd,omitempty"`
	Shell       string `json:"shell,omitempty"`
	Cols        int    `json:"cols,omitempty"`
	Rows        int    `json:"rows,omitempty"`
}

// CreateOrAttachResponse reports the attach plus the scrollback replay.
type CreateOrAttachResponse struct {
	Created      bool         `json:"created"`
	WasRecovered bool         `json:"wasRecovered,omitempty"`
	WasRetrying  bool         `json:"wasRetrying,omitempty"`
	Scrollback   []byte       `json:"scrollback,omitempty"`
	Info         session.Info `json:"info"`
}

// WriteRequest carries input bytes for a pane.
type WriteRequest struct {
	PaneID string `json:"paneId"`
	Data   []byte `json:"data"`
}

// WriteResponse reports the backpressure accept signal.
type WriteResponse struct {
	Accepted bool `json:"accepted"`
}

// ResizeRequest carries a new pane geometry.
type ResizeRequest struct {
	PaneID string `json:"paneId"`
	Cols   int    `json:"cols"`
	Rows   int    `json:"rows"`
}

// SignalRequest delivers a named signal to a pane's process tree.
type SignalRequest struct {
	PaneID string `json:"paneId"`
	Signal string `json:"signal"`
}

// PaneRequest addresses a single pane.
type PaneRequest struct {
	PaneID string `json:"paneId"`
}

// KillRequest terminates a pane's session. The transcript survives for a
// later reattach unless DeleteHistory is set.
type KillRequest struct {
	PaneID        string `json:"paneId"`
	DeleteHistory bool   `json:"deleteHistory,omitempty"`
}

// WorkspaceRequest addresses every pane of a workspace.
type WorkspaceRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

// KillResponse reports how many sessions were terminated.
type KillResponse struct {
	Killed int `json:"killed"`
}

// ListSessionsResponse snapshots the session table.
type ListSessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
}

// DataEventPayload accompanies a data event.
type DataEventPayload struct {
	WorkspaceID string `json:"workspaceId"`
	Data        []byte `json:"data"`
}

// ExitEventPayload accompanies an exit event.
type ExitEventPayload struct {
	WorkspaceID string `json:"workspaceId"`
	ExitCode    int    `json:"exitCode"`
}
