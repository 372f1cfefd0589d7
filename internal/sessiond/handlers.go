package sessiond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/superset-sh/termkeep/internal/session"
	"github.com/superset-sh/termkeep/internal/tmuxctl"
)

const handlerTimeout = 30 * time.Second

func (d *Daemon) handleRequest(client *clientConn, req Message) Message {
	ok := true
	resp := Message{ID: req.ID, OK: &ok}
	payload, err := d.dispatch(client, req)
	if err != nil {
		ok = false
		resp.Error = errorInfoFor(err)
		return resp
	}
	resp.Payload = payload
	return resp
}

func (d *Daemon) dispatch(client *clientConn, req Message) (json.RawMessage, error) {
	handler, found := requestHandlers[req.Type]
	if !found {
		return nil, &ErrorInfo{Code: CodeBadRequest, Message: fmt.Sprintf("unknown request type %q", req.Type)}
	}
	if req.Type != TypeHello && !client.authed.Load() {
		return nil, &ErrorInfo{Code: CodeUnauthorized, Message: "hello handshake required"}
	}
	ctx, cancel := context.WithTimeout(d.ctx, handlerTimeout)
	defer cancel()
	return handler(ctx, d, client, req.Payload)
}

// errorInfoFor maps internal errors onto the wire error code set.
func errorInfoFor(err error) *ErrorInfo {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	var backend *tmuxctl.BackendError
	if errors.As(err, &backend) {
		return &ErrorInfo{Code: string(backend.Code), Message: backend.Error()}
	}
	switch {
	case errors.Is(err, session.ErrNoSession):
		return &ErrorInfo{Code: CodeNoSession, Message: err.Error()}
	case errors.Is(err, session.ErrNotConnected):
		return &ErrorInfo{Code: CodeNotConnected, Message: err.Error()}
	}
	return &ErrorInfo{Code: CodeInternal, Message: err.Error()}
}

type requestHandler func(ctx context.Context, d *Daemon, client *clientConn, payload json.RawMessage) (json.RawMessage, error)

var requestHandlers = map[string]requestHandler{
	TypeHello: func(_ context.Context, d *Daemon, client *clientConn, payload json.RawMessage) (json.RawMessage, error) {
		return d.handleHello(client, payload)
	},
	TypeCreateOrAttach: func(ctx context.Context, d *Daemon, _ *clientConn, payload json.RawMessage) (json.RawMessage, error) {
		return d.handleCreateOrAttach(ctx, payload)
	},
	TypeWrite: func(_ context.Context, d *Daemon, _ *clientConn, payload json.RawMessage) (json.RawMessage, error) {
		return d.handleWrite(payload)
	},
	TypeResize: func(ctx context.Context, d *Daemon, _ *clientConn, payload json.RawMessage) (json.RawMessage, error) {
		return d.handleResize(ctx, payload)
	},
	TypeSignal: func(ctx context.Context, d *Daemon, _ *clientConn, payload json.RawMessage) (json.RawMessage, error) {
		return d.handleSignal(ctx, payload)
	},
	TypeDetach: func(_ context.Context, d *Daemon, _ *clientConn, payload json.RawMessage) (json.RawMessage, error) {
		return d.handleDetach(payload)
	},
	TypeRetry: func(ctx context.Context, d *Daemon, _ *clientConn, payload json.RawMessage) (json.RawMessage, error) {
		return d.handleRetry(ctx, payload)
	},
	TypeKill: func(ctx context.Context, d *Daemon, _ *clientConn, payload json.RawMessage) (json.RawMessage, error) {
		return d.handleKill(ctx, payload)
	},
	TypeKillAll: func(ctx context.Context, d *Daemon, _ *clientConn, _ json.RawMessage) (json.RawMessage, error) {
		return d.handleKillAll(ctx)
	},
	TypeKillWorkspace: func(ctx context.Context, d *Daemon, _ *clientConn, payload json.RawMessage) (json.RawMessage, error) {
		return d.handleKillWorkspace(ctx, payload)
	},
	TypeListSessions: func(_ context.Context, d *Daemon, _ *clientConn, _ json.RawMessage) (json.RawMessage, error) {
		return d.handleListSessions()
	},
	TypeClearScrollback: func(ctx context.Context, d *Daemon, _ *clientConn, payload json.RawMessage) (json.RawMessage, error) {
		return d.handleClearScrollback(ctx, payload)
	},
	TypeShutdown: func(_ context.Context, d *Daemon, _ *clientConn, _ json.RawMessage) (json.RawMessage, error) {
		return d.handleShutdown()
	},
}

func (d *Daemon) handleHello(client *clientConn, payload json.RawMessage) (json.RawMessage, error) {
	var req HelloRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, &ErrorInfo{Code: CodeBadRequest, Message: err.Error()}
	}
	if !tokenMatches(d.token, req.Token) {
		return nil, &ErrorInfo{Code: CodeUnauthorized, Message: "invalid auth token"}
	}
	if err := checkProtocolVersion(req.ProtocolVersion); err != nil {
		return nil, err
	}
	client.authed.Store(true)
	return encodePayload(HelloResponse{
		ServerVersion:   d.version,
		ProtocolVersion: ProtocolVersion,
		Pid:             os.Getpid(),
	})
}

func checkProtocolVersion(clientVersion string) error {
	if clientVersion == "" {
		return &ErrorInfo{Code: CodeBadRequest, Message: "protocolVersion is required"}
	}
	got, err := semver.NewVersion(clientVersion)
	if err != nil {
		return &ErrorInfo{Code: CodeBadRequest, Message: fmt.Sprintf("invalid protocolVersion %q", clientVersion)}
	}
	want := semver.MustParse(ProtocolVersion)
	if got.Major() != want.Major() {
		return &ErrorInfo{
			Code:    CodeVersionMismatch,
			Message: fmt.Sprintf("protocol %s is incompatible with server %s", clientVersion, ProtocolVersion),
		}
	}
	return nil
}

func (d *Daemon) handleCreateOrAttach(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req CreateOrAttachRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, &ErrorInfo{Code: CodeBadRequest, Message: err.Error()}
	}
	if req.WorkspaceID == "" || req.PaneID == "" {
		return nil, &ErrorInfo{Code: CodeBadRequest, Message: "workspaceId and paneId are required"}
	}
	res, err := d.manager.CreateOrAttach(ctx, session.CreateRequest{
		WorkspaceID: req.WorkspaceID,
		PaneID:      req.PaneID,
		Cwd:         req.Cwd,
		Shell:       req.Shell,
		Cols:        req.Cols,
		Rows:        req.Rows,
	})
	if err != nil {
		return nil, err
	}
	return encodePayload(CreateOrAttachResponse{
		Created:      res.Created,
		WasRecovered: res.WasRecovered,
		WasRetrying:  res.WasRetrying,
		Scrollback:   res.Scrollback,
		Info:         res.Info,
	})
}

func (d *Daemon) handleWrite(payload json.RawMessage) (json.RawMessage, error) {
	var req WriteRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, &ErrorInfo{Code: CodeBadRequest, Message: err.Error()}
	}
	accepted, err := d.manager.Write(req.PaneID, req.Data)
	if err != nil {
		return nil, err
	}
	return encodePayload(WriteResponse{Accepted: accepted})
}

func (d *Daemon) handleResize(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req ResizeRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, &ErrorInfo{Code: CodeBadRequest, Message: err.Error()}
	}
	if err := d.manager.Resize(ctx, req.PaneID, req.Cols, req.Rows); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Daemon) handleSignal(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req SignalRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, &ErrorInfo{Code: CodeBadRequest, Message: err.Error()}
	}
	sig, err := parseSignal(req.Signal)
	if err != nil {
		return nil, &ErrorInfo{Code: CodeBadRequest, Message: err.Error()}
	}
	if err := d.manager.Signal(ctx, req.PaneID, sig); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Daemon) handleDetach(payload json.RawMessage) (json.RawMessage, error) {
	var req PaneRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, &ErrorInfo{Code: CodeBadRequest, Message: err.Error()}
	}
	if err := d.manager.Detach(req.PaneID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Daemon) handleRetry(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req PaneRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, &ErrorInfo{Code: CodeBadRequest, Message: err.Error()}
	}
	res, err := d.manager.Retry(ctx, req.PaneID)
	if err != nil {
		return nil, err
	}
	return encodePayload(CreateOrAttachResponse{
		Created:      res.Created,
		WasRecovered: res.WasRecovered,
		WasRetrying:  res.WasRetrying,
		Scrollback:   res.Scrollback,
		Info:         res.Info,
	})
}

func (d *Daemon) handleKill(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req KillRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, &ErrorInfo{Code: CodeBadRequest, Message: err.Error()}
	}
	if err := d.manager.Kill(ctx, req.PaneID, req.DeleteHistory); err != nil {
		return nil, err
	}
	return encodePayload(KillResponse{Killed: 1})
}

func (d *Daemon) handleKillAll(ctx context.Context) (json.RawMessage, error) {
	killed, err := d.manager.KillAll(ctx)
	if err != nil {
		return nil, err
	}
	return encodePayload(KillResponse{Killed: killed})
}

func (d *Daemon) handleKillWorkspace(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req WorkspaceRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, &ErrorInfo{Code: CodeBadRequest, Message: err.Error()}
	}
	if req.WorkspaceID == "" {
		return nil, &ErrorInfo{Code: CodeBadRequest, Message: "workspaceId is required"}
	}
	killed, err := d.manager.KillWorkspace(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return encodePayload(KillResponse{Killed: killed})
}

func (d *Daemon) handleListSessions() (json.RawMessage, error) {
	return encodePayload(ListSessionsResponse{Sessions: d.manager.List()})
}

func (d *Daemon) handleClearScrollback(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req PaneRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, &ErrorInfo{Code: CodeBadRequest, Message: err.Error()}
	}
	if err := d.manager.ClearScrollback(ctx, req.PaneID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Daemon) handleShutdown() (json.RawMessage, error) {
	// Respond first; the write loop drains the response before the
	// connection is torn down.
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = d.Stop()
	}()
	return nil, nil
}
