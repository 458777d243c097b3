// Package logctx carries request, session and message attributes through a
// context so that every slog record emitted along the way is tagged with them.
package logctx

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	requestKey ctxKey = iota
	sessionKey
	rpcKey
	toolKey
)

// groups lists the context keys in output order with their group names.
var groups = [...]struct {
	key  ctxKey
	name string
}{
	{requestKey, "req"},
	{sessionKey, "sess"},
	{rpcKey, "rpc"},
	{toolKey, "tool"},
}

// Handler wraps another slog.Handler and adds the req, sess, rpc and tool
// groups found in the record's context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	for _, g := range groups {
		if v, ok := ctx.Value(g.key).(slog.LogValuer); ok {
			r.AddAttrs(slog.Attr{Key: g.name, Value: v.LogValue()})
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{h.Handler.WithGroup(name)}
}

// group builds a group value from key/value pairs, skipping empty values.
func group(kv ...string) slog.Value {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			attrs = append(attrs, slog.String(kv[i], kv[i+1]))
		}
	}
	return slog.GroupValue(attrs...)
}

// RequestData describes the inbound HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func (d *RequestData) LogValue() slog.Value {
	return group("id", d.RequestID, "method", d.Method, "path", d.Path,
		"remote_addr", d.RemoteAddr, "user_agent", d.UserAgent)
}

func WithRequestData(ctx context.Context, d *RequestData) context.Context {
	return context.WithValue(ctx, requestKey, d)
}

// SessionData identifies the SSE session a record belongs to.
type SessionData struct {
	SessionID string
	State     string
}

func (d *SessionData) LogValue() slog.Value {
	return group("id", d.SessionID, "state", d.State)
}

func WithSessionData(ctx context.Context, d *SessionData) context.Context {
	return context.WithValue(ctx, sessionKey, d)
}

// RPCMessage describes the JSON-RPC message being handled.
type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func (m *RPCMessage) LogValue() slog.Value {
	return group("method", m.Method, "id", m.ID, "type", m.Type)
}

func WithRPCMessage(ctx context.Context, m *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcKey, m)
}

type ToolCallData struct {
	ToolName string
}

func (d *ToolCallData) LogValue() slog.Value {
	return group("name", d.ToolName)
}

func WithToolCallData(ctx context.Context, d *ToolCallData) context.Context {
	return context.WithValue(ctx, toolKey, d)
}
