package sessions

import (
	"context"
	"sync"
	"sync/atomic"
)

type inbound struct {
	ctx context.Context
	msg []byte
}

// Session is one registered stream. Its transport is owned by the session
// and closed with it.
type Session struct {
	id        string
	transport Transport

	ctx    context.Context
	cancel context.CancelFunc

	inbox      chan inbound
	done       chan struct{}
	workerDone chan struct{}
	closed     atomic.Bool
	closeOnce  sync.Once
}

func newSession(t Transport, queueSize int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		transport:  t,
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan inbound, queueSize),
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Send writes msg to the session's transport.
func (s *Session) Send(ctx context.Context, msg []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.transport.Send(ctx, msg)
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool { return s.closed.Load() }

// State returns "open" or "closed", for logging.
func (s *Session) State() string {
	if s.closed.Load() {
		return "closed"
	}
	return "open"
}

func (s *Session) enqueue(ctx context.Context, msg []byte) error {
	select {
	case <-s.done:
		return ErrSessionNotFound
	default:
	}
	select {
	case s.inbox <- inbound{ctx: ctx, msg: msg}:
		return nil
	case <-s.done:
		return ErrSessionNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drains the inbox until the session closes. Each message is handled
// with the values of the request that posted it and the cancellation of the
// session.
func (s *Session) run(h Handler) {
	defer close(s.workerDone)
	for {
		select {
		case <-s.done:
			return
		case in := <-s.inbox:
			ctx, cancel := context.WithCancel(context.WithoutCancel(in.ctx))
			stop := context.AfterFunc(s.ctx, cancel)
			h.HandleMessage(ctx, s, in.msg)
			stop()
			cancel()
		}
	}
}

func (s *Session) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		close(s.done)
		err = s.transport.Close()
	})
	return err
}
