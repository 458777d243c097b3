// Package mcpservice holds the tool catalog a server exposes over MCP.
//
// A ToolRegistry keeps tools in registration order, answers tools/list and
// dispatches tools/call. Dispatch validates the call's arguments against the
// tool's advertised input schema before the handler runs, and turns every
// failure into a *ToolError whose Kind the protocol layer maps to a JSON-RPC
// error code.
//
// Quick start:
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"description=Text to echo"`
//	}
//	reg := mcpservice.NewToolRegistry()
//	reg.MustRegister(mcpservice.NewTool[EchoArgs]("echo",
//	    func(ctx context.Context, s *sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//	        return w.AppendText("you said: " + r.Args().Message)
//	    },
//	    mcpservice.WithToolDescription("Echo a message back to the caller"),
//	))
//
// Handlers report tool-level failures the client should see as content by
// returning Errorf(...) (IsError=true). A returned Go error, or a panic,
// becomes an InternalError.
package mcpservice
