package notesapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// ErrNoCredential is returned when neither a static key nor an OAuth token
// source is configured.
var ErrNoCredential = errors.New("notesapi: no credential configured")

// TokenSource yields OAuth access tokens. *tokens.Manager satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// CredentialSource selects the bearer credential for outbound calls.
type CredentialSource struct {
	staticKey   string
	oauth       TokenSource
	preferOAuth bool
	log         *slog.Logger
}

// CredentialOption configures a CredentialSource.
type CredentialOption func(*CredentialSource)

// WithCredentialLogger sets the logger.
func WithCredentialLogger(l *slog.Logger) CredentialOption {
	return func(c *CredentialSource) { c.log = l }
}

// NewCredentialSource returns a source over staticKey and oauth, either of
// which may be empty or nil. preferOAuth selects OAuth first when both are
// configured.
func NewCredentialSource(staticKey string, oauth TokenSource, preferOAuth bool, opts ...CredentialOption) *CredentialSource {
	c := &CredentialSource{
		staticKey:   staticKey,
		oauth:       oauth,
		preferOAuth: preferOAuth,
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Credential returns the credential to present. An OAuth failure falls back
// to the static key when one is configured and is returned otherwise.
func (c *CredentialSource) Credential(ctx context.Context) (string, error) {
	switch {
	case c.oauth != nil && (c.preferOAuth || c.staticKey == ""):
		tok, err := c.oauth.Token(ctx)
		if err == nil {
			return tok, nil
		}
		if c.staticKey == "" {
			return "", err
		}
		c.log.WarnContext(ctx, "notesapi.credential.fallback", slog.String("err", err.Error()))
		return c.staticKey, nil
	case c.staticKey != "":
		return c.staticKey, nil
	default:
		return "", ErrNoCredential
	}
}
