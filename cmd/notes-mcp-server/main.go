// Command notes-mcp-server serves the notes tool catalog to MCP clients over
// Server-Sent Events.
package main

import "os"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
