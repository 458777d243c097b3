// Package sessions turns long-lived server-to-client streams into addressable
// sessions.
//
// A Registry owns every live Session. Open binds a Transport (for example an
// SSE response stream) to a freshly generated id, registers it, and has the
// transport announce the URL the client must POST messages to. Route looks a
// session up by id and queues a message for it; Close removes it.
//
// # Ordering
//
// Each session has one worker goroutine draining a FIFO inbox. Messages are
// handed to the Handler in the order Route accepted them and one at a time,
// so replies are written to the stream in request order.
//
// # Lifecycle
//
// Close is idempotent. The session leaves the map under the registry lock
// before its context is cancelled and its transport closed, so a Route that
// races with Close either queues the message before removal or fails with
// ErrSessionNotFound. A Route blocked on a full inbox is released with
// ErrSessionNotFound when the session closes.
package sessions
