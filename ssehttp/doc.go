// Package ssehttp serves the MCP SSE transport over net/http.
//
// A client opens a stream with GET /sse and receives an "endpoint" event
// naming the URL to POST its JSON-RPC messages to. Posted messages are
// acknowledged with 202 and their replies are written to the stream as
// "message" events:
//
//	GET  /sse                      -> event: endpoint\ndata: /message?sessionId=ID
//	POST /message?sessionId=ID     -> 202 {"status":"accepted"}
//	                                  event: message\ndata: {"jsonrpc":"2.0",...}
//
// Both routes pass through an auth.Authenticator. GET /health and CORS
// preflight requests do not.
//
// Construction
//
//	reg := sessions.NewRegistry(engine.NewEngine(tools))
//	h := ssehttp.New(reg, gate, ssehttp.WithVersion(version))
//	http.ListenAndServe(":3000", h)
//
// Closing a stream closes its session before the GET handler returns, so a
// POST racing with a disconnect either lands on the live session or gets 404.
package ssehttp
