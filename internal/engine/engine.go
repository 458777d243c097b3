// Package engine is the MCP protocol core: it decodes JSON-RPC messages
// arriving for a session, dispatches them, and writes replies back over the
// session's stream.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/notesmcp/notes-mcp-server/internal/jsonrpc"
	"github.com/notesmcp/notes-mcp-server/internal/logctx"
	"github.com/notesmcp/notes-mcp-server/mcp"
	"github.com/notesmcp/notes-mcp-server/mcpservice"
	"github.com/notesmcp/notes-mcp-server/sessions"
)

var _ sessions.Handler = (*Engine)(nil)

// Engine serves initialize, ping, tools/list and tools/call.
type Engine struct {
	tools        *mcpservice.ToolRegistry
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) EngineOption {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(s string) EngineOption {
	return func(e *Engine) { e.instructions = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// NewEngine returns an Engine dispatching tool calls to tools.
func NewEngine(tools *mcpservice.ToolRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		tools: tools,
		info:  mcp.ImplementationInfo{Name: "mcp-server", Version: "dev"},
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleMessage implements sessions.Handler. Replies and protocol errors are
// written to s; nothing is returned to the poster.
func (e *Engine) HandleMessage(ctx context.Context, s *sessions.Session, raw []byte) {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID(), State: s.State()})

	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		code, text := jsonrpc.ErrorCodeInvalidRequest, "invalid request"
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			code, text = jsonrpc.ErrorCodeParseError, "parse error"
		}
		e.log.InfoContext(ctx, "engine.decode.fail", slog.Int("code", int(code)), slog.String("err", err.Error()))
		e.send(ctx, s, jsonrpc.NewErrorResponse(nil, code, text, nil))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	switch msg.Type() {
	case "request":
		e.send(ctx, s, e.HandleRequest(ctx, s, msg.AsRequest()))
	case "notification":
		e.HandleNotification(ctx, s, msg.AsRequest())
	default:
		// The server never issues requests to the client, so responses have
		// nothing to correlate with.
		e.log.DebugContext(ctx, "engine.response.ignored")
	}
}

// HandleRequest dispatches one request and returns the response to send.
func (e *Engine) HandleRequest(ctx context.Context, s *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	var res *jsonrpc.Response
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		res = e.handleInitialize(ctx, req)
	case mcp.PingMethod:
		res = result(req.ID, struct{}{})
	case mcp.ToolsListMethod:
		res = result(req.ID, mcp.ListToolsResult{Tools: e.tools.List()})
	case mcp.ToolsCallMethod:
		res = e.handleToolCall(ctx, s, req)
	default:
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
	}

	if res.Error != nil {
		e.log.InfoContext(ctx, "engine.handle_request.fail",
			slog.Int("code", int(res.Error.Code)),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		)
	} else {
		e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}
	return res
}

// HandleNotification processes a client notification. Unknown notifications
// are ignored.
func (e *Engine) HandleNotification(ctx context.Context, s *sessions.Session, note *jsonrpc.Request) {
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		e.log.InfoContext(ctx, "engine.session.initialized")
	case mcp.CancelledNotificationMethod:
		// Requests on a session run one at a time, so by the time a
		// cancellation is read its target has already completed.
		e.log.DebugContext(ctx, "engine.cancel.ignored")
	default:
		e.log.DebugContext(ctx, "engine.notification.ignored")
	}
}

func (e *Engine) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	version := mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	e.log.InfoContext(ctx, "engine.initialize",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("requested_version", params.ProtocolVersion),
		slog.String("protocol_version", version),
	)

	return result(req.ID, mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
		ServerInfo:      e.info,
		Instructions:    e.instructions,
	})
}

func (e *Engine) handleToolCall(ctx context.Context, s *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	if params.Meta != nil && params.Meta.ProgressToken != nil {
		ctx = mcpservice.WithProgressReporter(ctx, &progressReporter{session: s, token: params.Meta.ProgressToken, log: e.log})
	}

	res, err := e.tools.Dispatch(ctx, s, &params)
	if err != nil {
		var terr *mcpservice.ToolError
		if !errors.As(err, &terr) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		return jsonrpc.NewErrorResponse(req.ID, toolErrorCode(terr.Kind), terr.Message, nil)
	}
	return result(req.ID, res)
}

func toolErrorCode(k mcpservice.ToolErrorKind) jsonrpc.ErrorCode {
	switch k {
	case mcpservice.ToolNotFound:
		return jsonrpc.ErrorCodeMethodNotFound
	case mcpservice.InvalidInput:
		return jsonrpc.ErrorCodeInvalidParams
	default:
		return jsonrpc.ErrorCodeInternalError
	}
}

func result(id *jsonrpc.RequestID, v any) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(id, v)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return res
}

func (e *Engine) send(ctx context.Context, s *sessions.Session, msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.encode.fail", slog.String("err", err.Error()))
		return
	}
	if err := s.Send(ctx, b); err != nil {
		e.log.WarnContext(ctx, "engine.send.fail", slog.String("err", err.Error()))
	}
}

// progressReporter emits notifications/progress over the session stream.
type progressReporter struct {
	session *sessions.Session
	token   mcp.ProgressToken
	log     *slog.Logger
}

func (p *progressReporter) Report(ctx context.Context, progress, total float64) error {
	n, err := jsonrpc.NewNotification(string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{
		ProgressToken: p.token,
		Progress:      progress,
		Total:         total,
	})
	if err != nil {
		return err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.session.Send(ctx, b)
}
