package sessions

import "context"

// Transport is the outbound half of a session: the stream over which the
// server talks to the client.
type Transport interface {
	// SendEndpoint announces the URL the client must POST messages to.
	SendEndpoint(ctx context.Context, uri string) error
	// Send delivers one serialized JSON-RPC message.
	Send(ctx context.Context, msg []byte) error
	// Close releases the stream. It must be safe to call more than once.
	Close() error
}

// Handler processes inbound messages for a session.
type Handler interface {
	HandleMessage(ctx context.Context, s *Session, msg []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *Session, msg []byte)

func (f HandlerFunc) HandleMessage(ctx context.Context, s *Session, msg []byte) { f(ctx, s, msg) }
