package ssehttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/notesmcp/notes-mcp-server/sessions"
)

// ErrStreamClosed is returned when writing to a stream whose session closed.
var ErrStreamClosed = errors.New("sse stream closed")

// lockedWriteFlusher serializes writes and flushes to a response stream. It
// refuses writes once the request context ends or the stream is closed, so
// nothing touches the ResponseWriter after the GET handler returns.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu     sync.Mutex
	ctx    context.Context
	closed bool
}

// writeFrame writes one complete frame and flushes it under a single lock.
func (l *lockedWriteFlusher) writeFrame(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrStreamClosed
	}
	if err := l.ctx.Err(); err != nil {
		return err
	}
	if _, err := l.Writer.Write(frame); err != nil {
		return err
	}
	l.Flusher.Flush()
	return nil
}

func (l *lockedWriteFlusher) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// writeSSEEvent writes a named event. Multi-line payloads are split over
// several data lines.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	var buf bytes.Buffer
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if err := wf.writeFrame(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE %s event: %w", event, err)
	}
	return nil
}

func writeSSEComment(wf *lockedWriteFlusher, text string) error {
	return wf.writeFrame([]byte(": " + text + "\n\n"))
}

// sseTransport is the sessions.Transport for one GET /sse response.
type sseTransport struct {
	wf *lockedWriteFlusher
}

var _ sessions.Transport = (*sseTransport)(nil)

func (t *sseTransport) SendEndpoint(_ context.Context, uri string) error {
	return writeSSEEvent(t.wf, "endpoint", []byte(uri))
}

func (t *sseTransport) Send(_ context.Context, msg []byte) error {
	return writeSSEEvent(t.wf, "message", msg)
}

func (t *sseTransport) Close() error {
	t.wf.close()
	return nil
}
