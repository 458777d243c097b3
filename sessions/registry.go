package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned by Route for ids that are not registered.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when writing to a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrRegistryClosed is returned by Open after CloseAll.
	ErrRegistryClosed = errors.New("session registry closed")
)

const (
	DefaultMessagePath = "/message"
	DefaultQueueSize   = 64
)

// Registry maps session ids to live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	handler     Handler
	messagePath string
	queueSize   int
	newID       func() string
	log         *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithMessagePath sets the path announced in the endpoint event.
func WithMessagePath(p string) Option {
	return func(r *Registry) { r.messagePath = p }
}

// WithQueueSize sets the per-session inbox capacity.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithIDGenerator replaces uuid.NewString as the id source.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// NewRegistry returns an empty registry that hands inbound messages to h.
func NewRegistry(h Handler, opts ...Option) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		handler:     h,
		messagePath: DefaultMessagePath,
		queueSize:   DefaultQueueSize,
		newID:       uuid.NewString,
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open registers a new session bound to t and announces its endpoint. If the
// announcement fails the session is closed and the error returned.
func (r *Registry) Open(ctx context.Context, t Transport) (*Session, error) {
	s := newSession(t, r.queueSize)
	go s.run(r.handler)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = s.close()
		return nil, ErrRegistryClosed
	}
	id := r.newID()
	for r.sessions[id] != nil {
		id = r.newID()
	}
	s.id = id
	r.sessions[id] = s
	r.mu.Unlock()

	uri := r.messagePath + "?sessionId=" + url.QueryEscape(id)
	if err := t.SendEndpoint(ctx, uri); err != nil {
		r.Close(id)
		if r.isClosed() {
			// CloseAll ran mid-announcement and closed the stream under us.
			return nil, fmt.Errorf("%w: %w", ErrRegistryClosed, err)
		}
		return nil, fmt.Errorf("failed to announce session endpoint: %w", err)
	}
	r.log.InfoContext(ctx, "session.open", slog.String("session_id", id))
	return s, nil
}

// Route queues msg for the session with the given id. It returns once the
// message is accepted, not once it has been handled.
func (r *Registry) Route(ctx context.Context, id string, msg []byte) error {
	s := r.Get(id)
	if s == nil {
		return ErrSessionNotFound
	}
	return s.enqueue(ctx, msg)
}

// Get returns the registered session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Close removes and closes the session. Unknown ids are ignored.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := s.close(); err != nil {
		r.log.Warn("session.transport.close.fail", slog.String("session_id", id), slog.String("err", err.Error()))
	}
	r.log.Info("session.close", slog.String("session_id", id))
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every session, refuses new ones, and waits for session
// workers to return or ctx to end.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		_ = s.close()
	}
	for _, s := range all {
		select {
		case <-s.workerDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
