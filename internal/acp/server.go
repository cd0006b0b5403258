package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"
)

// Server drives an Agent over a single JSON-RPC 2.0 connection — the ACP
// wire protocol's transport (§6: "JSON over stdio/socket"). It is the
// concrete Notifier the bridge pushes session/update and
// session/request_permission through.
type Server struct {
	agent *Agent
	conn  *jsonrpc2.Conn
}

// Serve opens a JSON-RPC connection over rwc (typically stdio) and blocks
// until the peer disconnects or ctx is cancelled. Grounded on
// internal/mcp's JSON-RPC envelope, generalized to a full duplex
// connection via sourcegraph/jsonrpc2 rather than mcp.Proxy's
// request/response-only upstream client.
func Serve(ctx context.Context, agent *Agent, rwc io.ReadWriteCloser) error {
	srv := &Server{agent: agent}
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(srv.handle))
	srv.conn = conn
	agent.SetNotifier(srv)

	select {
	case <-conn.DisconnectNotify():
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
}

// Notify implements the Notifier interface used by bridgeFrontend and the
// permission gate.
func (s *Server) Notify(ctx context.Context, method string, params interface{}) error {
	return s.conn.Notify(ctx, method, params)
}

// Call implements the Notifier interface's request half (used for
// session/request_permission, which expects a response).
func (s *Server) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	return s.conn.Call(ctx, method, params, result)
}

// handle dispatches one incoming JSON-RPC request to the matching Agent
// method, translating Go errors into ACP's `{ code, message, data }`
// error shape (§6).
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	log.Debug().Str("method", req.Method).Msg("acp: request")

	switch req.Method {
	case "initialize":
		var p InitializeParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, invalidParams(err)
		}
		return s.agent.Initialize(ctx, p)

	case "authenticate":
		var p AuthenticateParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, invalidParams(err)
		}
		return nil, s.agent.Authenticate(ctx, p)

	case "new_session":
		var p NewSessionParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, invalidParams(err)
		}
		return s.agent.NewSession(ctx, s, p)

	case "load_session":
		var p LoadSessionParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, invalidParams(err)
		}
		res, err := s.agent.LoadSession(ctx, p)
		if err != nil {
			return nil, sessionError(err)
		}
		return res, nil

	case "prompt":
		var p PromptParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, invalidParams(err)
		}
		res, err := s.agent.Prompt(ctx, s, p)
		if err != nil {
			return nil, sessionError(err)
		}
		return res, nil

	case "set_session_mode":
		var p SetSessionModeParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, invalidParams(err)
		}
		if err := s.agent.SetSessionMode(ctx, s, p); err != nil {
			return nil, sessionError(err)
		}
		return nil, nil

	case "cancel":
		var p CancelParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, invalidParams(err)
		}
		return nil, s.agent.Cancel(ctx, p)

	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func unmarshalParams(req *jsonrpc2.Request, dst interface{}) error {
	if req.Params == nil {
		return nil
	}
	return json.Unmarshal(*req.Params, dst)
}

func invalidParams(err error) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
}

// sessionError maps a bridge-level error to an invalid_params JSON-RPC
// error carrying the `data.reason` field §6 specifies; the reason defaults
// to unknown_session for anything not recognized as one of our sentinel
// reasons.
func sessionError(err error) *jsonrpc2.Error {
	reason := ReasonUnknownSession
	msg := err.Error()
	switch {
	case msg == fmt.Sprintf("acp: %s", ReasonInvalidMode):
		reason = ReasonInvalidMode
	case msg == fmt.Sprintf("acp: %s", ReasonUnknownSession):
		reason = ReasonUnknownSession
	}
	data, _ := json.Marshal(ErrorData{Reason: reason})
	raw := json.RawMessage(data)
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: msg, Data: &raw}
}
