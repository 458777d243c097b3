// Package mcp contains the Model Context Protocol data types and constants
// the server speaks over its SSE transport. It mirrors the wire
// representation of the protocol while keeping the surface Go-friendly
// (exported structs with json tags, string constants for method names).
//
// The package is free of transport logic. The ssehttp transport frames these
// types as Server-Sent Events, the engine serializes them into JSON-RPC
// envelopes, and mcpservice builds tool descriptors and results from them.
//
// Only the subset of the protocol this server implements is modelled:
// initialization, ping and the tools capability. Unknown fields sent by
// clients are ignored on decode.
//
// # Protocol versions
//
// LatestProtocolVersion is the newest revision the server understands.
// During initialize the server echoes the client's requested version when it
// appears in SupportedProtocolVersions and otherwise answers with
// LatestProtocolVersion, leaving the client to decide whether to proceed.
package mcp
