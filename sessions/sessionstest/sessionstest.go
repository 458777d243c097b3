// Package sessionstest provides an in-memory sessions.Transport for tests.
package sessionstest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/notesmcp/notes-mcp-server/sessions"
)

var _ sessions.Transport = (*Transport)(nil)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// Transport records everything written to it.
type Transport struct {
	mu       sync.Mutex
	endpoint string
	closed   bool
	closes   int

	// EndpointErr, when set, is returned by SendEndpoint.
	EndpointErr error

	msgs chan []byte
}

// New returns a Transport that buffers up to 256 messages.
func New() *Transport {
	return &Transport{msgs: make(chan []byte, 256)}
}

func (t *Transport) SendEndpoint(_ context.Context, uri string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.EndpointErr != nil {
		return t.EndpointErr
	}
	t.endpoint = uri
	return nil
}

func (t *Transport) Send(_ context.Context, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	cp := append([]byte(nil), msg...)
	t.msgs <- cp
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closes++
	return nil
}

// Endpoint returns the announced endpoint URI.
func (t *Transport) Endpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint
}

// IsClosed reports whether Close has been called.
func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Next waits for the next sent message.
func (t *Transport) Next(ctx context.Context) ([]byte, error) {
	select {
	case m := <-t.msgs:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NextWithin is Next bounded by d.
func (t *Transport) NextWithin(d time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return t.Next(ctx)
}
