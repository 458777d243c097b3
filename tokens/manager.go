package tokens

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultFetchTimeout bounds a single token request.
	DefaultFetchTimeout = 10 * time.Second

	// DefaultLifetime applies when the token endpoint reports no lifetime and
	// the token carries no exp claim.
	DefaultLifetime = time.Hour
)

// Fetch outcomes reported to a FetchObserver.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// FetchObserver is notified after every upstream token request.
type FetchObserver func(outcome string, elapsed time.Duration)

// ClientCredentials identifies this service to the token endpoint.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

func (c ClientCredentials) complete() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.TokenURL != ""
}

// Manager obtains client-credentials tokens and caches them.
type Manager struct {
	cfg        clientcredentials.Config
	httpClient *http.Client
	cache      *Cache
	flight     singleflight.Group
	timeout    time.Duration
	log        *slog.Logger
	now        func() time.Time
	observe    FetchObserver
	store      Store
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithFetchTimeout bounds each token request. Non-positive values keep the default.
func WithFetchTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithStore persists the cached token in s.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithClock replaces time.Now for expiry computations.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithFetchObserver registers a callback for fetch outcomes.
func WithFetchObserver(fn FetchObserver) Option {
	return func(m *Manager) { m.observe = fn }
}

// NewManager returns a Manager for creds. It performs no I/O.
func NewManager(creds ClientCredentials, opts ...Option) (*Manager, error) {
	if !creds.complete() {
		return nil, ErrNotConfigured
	}
	m := &Manager{
		cfg: clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     creds.TokenURL,
			Scopes:       creds.Scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: http.DefaultClient,
		timeout:    DefaultFetchTimeout,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cache = NewCache(m.store, m.now)
	return m, nil
}

// Token returns a valid bearer token, fetching one when the cache is empty or
// expired. Concurrent callers share a single in-flight request. A failed
// fetch returns *TokenFetchError and leaves the cache unchanged.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if tok, ok := m.cache.Get(); ok {
		return tok.Token, nil
	}

	// The flight outlives any single caller, so it runs detached from the
	// caller's cancellation and is bounded by the fetch timeout instead.
	fctx := context.WithoutCancel(ctx)
	ch := m.flight.DoChan("token", func() (any, error) {
		if tok, ok := m.cache.Get(); ok {
			return tok.Token, nil
		}
		return m.fetch(fctx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Peek returns the cached token if it is still valid. It never fetches.
func (m *Manager) Peek() (string, bool) {
	tok, ok := m.cache.Get()
	return tok.Token, ok
}

// ClearCache forces the next Token call to fetch.
func (m *Manager) ClearCache(ctx context.Context) error {
	return m.cache.Clear(ctx)
}

// Restore loads a still-valid token from the configured Store.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	return m.cache.Restore(ctx)
}

func (m *Manager) fetch(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	rec := &recordingTransport{base: m.httpClient.Transport}
	client := *m.httpClient
	client.Transport = rec
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &client)

	start := time.Now()
	tok, err := m.cfg.Token(ctx)
	elapsed := time.Since(start)
	if err != nil {
		ferr := toFetchError(err, rec)
		m.log.WarnContext(ctx, "token.fetch.fail",
			slog.Int("status", ferr.Status),
			slog.Duration("elapsed", elapsed),
			slog.String("err", ferr.Err.Error()),
		)
		m.notify(OutcomeError, elapsed)
		return "", ferr
	}

	cached := CachedToken{Token: tok.AccessToken, Expiry: m.now().Add(m.lifetime(tok))}
	if err := m.cache.Set(ctx, cached); err != nil {
		// Persisting is best effort; the in-memory cache is already updated.
		m.log.WarnContext(ctx, "token.store.fail", slog.String("err", err.Error()))
	}
	m.log.InfoContext(ctx, "token.fetch.ok",
		slog.Duration("elapsed", elapsed),
		slog.Time("expiry", cached.Expiry),
	)
	m.notify(OutcomeOK, elapsed)
	return cached.Token, nil
}

func (m *Manager) notify(outcome string, elapsed time.Duration) {
	if m.observe != nil {
		m.observe(outcome, elapsed)
	}
}

// lifetime returns how long tok remains usable from the moment it was received.
func (m *Manager) lifetime(tok *oauth2.Token) time.Duration {
	if tok.ExpiresIn > 0 {
		return time.Duration(tok.ExpiresIn) * time.Second
	}
	if !tok.Expiry.IsZero() {
		// Expiry was stamped against the wall clock by the oauth2 package.
		if d := time.Until(tok.Expiry); d > 0 {
			return d
		}
	}
	if exp, ok := jwtExpiry(tok.AccessToken); ok {
		if d := exp.Sub(m.now()); d > 0 {
			return d
		}
	}
	return DefaultLifetime
}

// jwtExpiry reads the exp claim without verifying the signature. The token
// was just issued to us over TLS by the endpoint we asked.
func jwtExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// toFetchError prefers the details oauth2 attaches to non-2xx responses and
// falls back to what rec saw, which covers 2xx bodies oauth2 could not use.
func toFetchError(err error, rec *recordingTransport) *TokenFetchError {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		fe := &TokenFetchError{Body: truncateBody(rerr.Body), Err: err}
		if rerr.Response != nil {
			fe.Status = rerr.Response.StatusCode
		}
		return fe
	}
	return &TokenFetchError{Status: rec.status, Body: truncateBody(rec.body), Err: err}
}

// maxTokenResponse matches the limit oauth2 applies when reading a token
// response.
const maxTokenResponse = 1 << 20

// recordingTransport keeps the status and body of the last response it
// carried.
type recordingTransport struct {
	base   http.RoundTripper
	status int
	body   []byte
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	t.status = resp.StatusCode
	t.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}
