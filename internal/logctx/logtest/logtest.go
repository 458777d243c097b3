// Package logtest routes slog output to testing.TB.Log so that log lines
// appear next to the test that produced them.
package logtest

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/notesmcp/notes-mcp-server/internal/logctx"
)

// Bridge is a slog.Handler that writes each record through t.Log.
type Bridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (b *Bridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	out, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(out, []byte("\n"))))
	return nil
}

func (b *Bridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Bridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

func (b *Bridge) WithGroup(name string) slog.Handler {
	return &Bridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

// New returns a debug-level logger writing to t, with context groups added
// by logctx.Handler.
func New(t testing.TB) *slog.Logger {
	buf := &bytes.Buffer{}
	b := &Bridge{
		t:       t,
		buf:     buf,
		mu:      &sync.Mutex{},
		Handler: slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	return slog.New(logctx.Handler{Handler: b})
}
