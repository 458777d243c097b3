package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator validates an inbound credential. It returns ErrUnauthorized
// for missing or unacceptable credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, cred Credential) error
}

// TokenPeeker exposes the currently cached outbound OAuth token without
// fetching a new one. *tokens.Manager satisfies it.
type TokenPeeker interface {
	Peek() (string, bool)
}

// Gate is the dual-mode Authenticator: static key and/or cached OAuth token.
type Gate struct {
	staticKey atomic.Pointer[string]
	oauth     TokenPeeker
	log       *slog.Logger
	onFailure func()
}

var _ Authenticator = (*Gate)(nil)

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLogger sets the logger used for auth.check.* events.
func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.log = l }
}

// WithFailureHook registers fn to be called on every rejected credential.
func WithFailureHook(fn func()) GateOption {
	return func(g *Gate) { g.onFailure = fn }
}

// NewGate builds a Gate. An empty staticKey disables static key matching and
// a nil oauth disables OAuth matching.
func NewGate(staticKey string, oauth TokenPeeker, opts ...GateOption) *Gate {
	g := &Gate{
		oauth: oauth,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	g.SetStaticKey(staticKey)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetStaticKey replaces the static key. It is safe to call concurrently with
// Authenticate.
func (g *Gate) SetStaticKey(key string) {
	g.staticKey.Store(&key)
}

// Authenticate returns nil when cred matches the static key or the cached
// OAuth token, ErrUnauthorized otherwise.
func (g *Gate) Authenticate(ctx context.Context, cred Credential) error {
	attrs := []any{
		slog.Bool("has_bearer", cred.Present.Bearer),
		slog.Bool("has_header", cred.Present.Header),
		slog.Bool("has_query", cred.Present.Query),
	}

	if cred.Value == "" {
		g.reject(ctx, "auth.check.missing", attrs)
		return ErrUnauthorized
	}
	attrs = append(attrs, slog.String("source", cred.Source.String()))

	if key := g.staticKey.Load(); key != nil && *key != "" && equal(cred.Value, *key) {
		g.log.DebugContext(ctx, "auth.check.ok", append(attrs, slog.String("method", "static_key"))...)
		return nil
	}
	if g.oauth != nil {
		if tok, ok := g.oauth.Peek(); ok && equal(cred.Value, tok) {
			g.log.DebugContext(ctx, "auth.check.ok", append(attrs, slog.String("method", "oauth"))...)
			return nil
		}
	}

	g.reject(ctx, "auth.check.fail", attrs)
	return ErrUnauthorized
}

func (g *Gate) reject(ctx context.Context, event string, attrs []any) {
	g.log.InfoContext(ctx, event, attrs...)
	if g.onFailure != nil {
		g.onFailure()
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
