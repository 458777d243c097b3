package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/notesmcp/notes-mcp-server/internal/logctx"
	"github.com/notesmcp/notes-mcp-server/mcp"
	"github.com/notesmcp/notes-mcp-server/sessions"
)

// Call outcomes reported to a CallObserver.
const (
	OutcomeOK        = "ok"
	OutcomeToolError = "tool_error"
)

// UnknownTool is the name reported to a CallObserver for calls naming an
// unregistered tool, so that client-chosen names never become labels.
const UnknownTool = "_unknown"

// CallObserver is notified after every dispatch. outcome is OutcomeOK,
// OutcomeToolError (handler returned IsError=true) or a ToolErrorKind string.
type CallObserver func(tool, outcome string, elapsed time.Duration)

type registeredTool struct {
	Tool
	schema *jsonschema.Resolved
}

// ToolRegistry maps tool names to handlers and input schemas.
type ToolRegistry struct {
	mu     sync.RWMutex
	order  []*registeredTool
	byName map[string]*registeredTool

	log     *slog.Logger
	observe CallObserver
}

// RegistryOption configures a ToolRegistry.
type RegistryOption func(*ToolRegistry)

// WithRegistryLogger sets the logger used for tool.call.* events.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *ToolRegistry) { r.log = l }
}

// WithCallObserver registers a callback for dispatch outcomes.
func WithCallObserver(fn CallObserver) RegistryOption {
	return func(r *ToolRegistry) { r.observe = fn }
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry(opts ...RegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		byName: make(map[string]*registeredTool),
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds t. It fails with ErrDuplicateTool when the name is taken and
// with a descriptive error when the input schema does not compile.
func (r *ToolRegistry) Register(t Tool) error {
	if err := t.validate(); err != nil {
		return err
	}
	resolved, err := compileInputSchema(t.Descriptor.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %q: invalid input schema: %w", t.Descriptor.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[t.Descriptor.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Descriptor.Name)
	}
	rt := &registeredTool{Tool: t, schema: resolved}
	r.order = append(r.order, rt)
	r.byName[t.Descriptor.Name] = rt
	return nil
}

// MustRegister registers every tool and panics on the first failure.
func (r *ToolRegistry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// List returns tool descriptors in registration order.
func (r *ToolRegistry) List() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, len(r.order))
	for i, t := range r.order {
		out[i] = t.Descriptor
	}
	return out
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Dispatch resolves, validates and invokes the requested tool. Failures are
// always *ToolError; a successful handler result is returned unchanged.
func (r *ToolRegistry) Dispatch(ctx context.Context, session *sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	start := time.Now()
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: req.Name})

	r.mu.RLock()
	t := r.byName[req.Name]
	r.mu.RUnlock()
	if t == nil {
		return nil, r.fail(ctx, UnknownTool, start, &ToolError{Kind: ToolNotFound, Message: fmt.Sprintf("tool not found: %s", req.Name)})
	}

	if err := validateArguments(t.schema, req.Arguments); err != nil {
		return nil, r.fail(ctx, req.Name, start, &ToolError{Kind: InvalidInput, Message: err.Error(), Err: err})
	}

	res, err := invoke(ctx, t.Handler, session, req)
	if err != nil {
		return nil, r.fail(ctx, req.Name, start, err.(*ToolError))
	}

	outcome := OutcomeOK
	if res.IsError {
		outcome = OutcomeToolError
	}
	r.log.InfoContext(ctx, "tool.call.ok", slog.Bool("is_error", res.IsError), slog.Duration("dur", time.Since(start)))
	r.notify(req.Name, outcome, start)
	return res, nil
}

func (r *ToolRegistry) fail(ctx context.Context, name string, start time.Time, terr *ToolError) error {
	level := slog.LevelInfo
	if terr.Kind == InternalError {
		level = slog.LevelError
	}
	r.log.Log(ctx, level, "tool.call.fail",
		slog.String("kind", terr.Kind.String()),
		slog.String("err", terr.Message),
		slog.Duration("dur", time.Since(start)),
	)
	r.notify(name, terr.Kind.String(), start)
	return terr
}

func (r *ToolRegistry) notify(name, outcome string, start time.Time) {
	if r.observe != nil {
		r.observe(name, outcome, time.Since(start))
	}
}

// invoke runs h, converting errors and panics into InternalError.
func invoke(ctx context.Context, h ToolHandler, session *sessions.Session, req *mcp.CallToolRequestReceived) (res *mcp.CallToolResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = &ToolError{Kind: InternalError, Message: fmt.Sprint(rec), Err: fmt.Errorf("panic: %v\n%s", rec, debug.Stack())}
		}
	}()

	res, err = h(ctx, session, req)
	if err != nil {
		return nil, &ToolError{Kind: InternalError, Message: err.Error(), Err: err}
	}
	if res == nil {
		res = &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
	}
	return res, nil
}

func compileInputSchema(s mcp.ToolInputSchema) (*jsonschema.Resolved, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil, err
	}
	return schema.Resolve(nil)
}

// validateArguments checks raw call arguments against the tool schema. Absent
// or null arguments are treated as an empty object.
func validateArguments(schema *jsonschema.Resolved, raw json.RawMessage) error {
	var instance any = map[string]any{}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &instance); err != nil {
			return fmt.Errorf("arguments are not valid JSON: %w", err)
		}
	}
	return schema.Validate(instance)
}
