// Package notestools is the tool catalog exposed over MCP. Each tool is a
// thin wrapper over notesapi.Vault.
package notestools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/notesmcp/notes-mcp-server/mcpservice"
	"github.com/notesmcp/notes-mcp-server/notesapi"
	"github.com/notesmcp/notes-mcp-server/sessions"
)

// Register adds the note tools to reg in listing order.
func Register(reg *mcpservice.ToolRegistry, r notesapi.Requester) error {
	for _, t := range Tools(r) {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Tools returns list_notes, get_note, search_notes and append_note bound to r.
func Tools(r notesapi.Requester) []mcpservice.Tool {
	vault := notesapi.NewVault(r)

	type ListArgs struct {
		Directory string `json:"directory,omitempty" jsonschema:"description=Vault-relative directory; the vault root when omitted"`
	}
	listTool := mcpservice.NewTool[ListArgs]("list_notes", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, req *mcpservice.ToolRequest[ListArgs]) error {
		files, err := vault.List(ctx, req.Args().Directory)
		if err != nil {
			return toolFailure(w, req.Args().Directory, err)
		}
		if files == nil {
			files = []string{}
		}
		return w.AppendJSON(files)
	}, mcpservice.WithToolDescription("List the notes and folders in a vault directory."))

	type GetArgs struct {
		Path string `json:"path" jsonschema:"description=Vault-relative path of the note,minLength=1"`
	}
	getTool := mcpservice.NewTool[GetArgs]("get_note", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, req *mcpservice.ToolRequest[GetArgs]) error {
		body, err := vault.Get(ctx, req.Args().Path)
		if err != nil {
			return toolFailure(w, req.Args().Path, err)
		}
		if body == "" {
			return w.AppendText("(empty note)")
		}
		return w.AppendText(body)
	}, mcpservice.WithToolDescription("Return the markdown content of a note."))

	type SearchArgs struct {
		Query         string `json:"query" jsonschema:"description=Text to search for,minLength=1"`
		ContextLength int    `json:"context_length,omitempty" jsonschema:"description=Characters of context around each match,minimum=1,maximum=1000"`
	}
	searchTool := mcpservice.NewTool[SearchArgs]("search_notes", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, req *mcpservice.ToolRequest[SearchArgs]) error {
		a := req.Args()
		results, err := vault.Search(ctx, a.Query, a.ContextLength)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return w.AppendText(fmt.Sprintf("no notes match %q", a.Query))
		}
		for i, res := range results {
			if err := w.SendProgress(float64(i+1), float64(len(results))); err != nil {
				return err
			}
			var b strings.Builder
			fmt.Fprintf(&b, "%s (score %.2f)", res.Filename, res.Score)
			for _, m := range res.Matches {
				fmt.Fprintf(&b, "\n  ...%s...", strings.TrimSpace(m.Context))
			}
			if err := w.AppendText(b.String()); err != nil {
				return err
			}
		}
		return nil
	}, mcpservice.WithToolDescription("Full-text search across all notes."))

	type AppendArgs struct {
		Path    string `json:"path" jsonschema:"description=Vault-relative path of the note,minLength=1"`
		Content string `json:"content" jsonschema:"description=Markdown to append,minLength=1"`
	}
	appendTool := mcpservice.NewTool[AppendArgs]("append_note", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, req *mcpservice.ToolRequest[AppendArgs]) error {
		a := req.Args()
		if err := vault.Append(ctx, a.Path, a.Content); err != nil {
			return toolFailure(w, a.Path, err)
		}
		return w.AppendText(fmt.Sprintf("appended %d bytes to %s", len(a.Content), a.Path))
	}, mcpservice.WithToolDescription("Append markdown to a note, creating it if it does not exist."))

	return []mcpservice.Tool{listTool, getTool, searchTool, appendTool}
}

// toolFailure reports caller mistakes as a tool-level error result and
// returns everything else to the registry as a handler failure.
func toolFailure(w mcpservice.ToolResponseWriter, path string, err error) error {
	switch {
	case notesapi.IsNotFound(err):
		w.SetError(true)
		return w.AppendText(fmt.Sprintf("not found: %s", path))
	case errors.Is(err, notesapi.ErrInvalidPath):
		w.SetError(true)
		return w.AppendText(fmt.Sprintf("invalid path: %s", path))
	case errors.Is(err, notesapi.ErrResponseTooLarge):
		w.SetError(true)
		return w.AppendText(fmt.Sprintf("note too large: %s", path))
	default:
		return err
	}
}
