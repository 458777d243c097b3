package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// tokenServer is a client-credentials endpoint that counts requests.
type tokenServer struct {
	srv   *httptest.Server
	calls atomic.Int32
	// respond writes the response for the n-th call (1-based).
	respond func(w http.ResponseWriter, r *http.Request, n int)
}

func newTokenServer(t *testing.T, respond func(w http.ResponseWriter, r *http.Request, n int)) *tokenServer {
	t.Helper()
	ts := &tokenServer{respond: respond}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(ts.calls.Add(1))
		ts.respond(w, r, n)
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func writeToken(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func mustManager(t *testing.T, url string, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(ClientCredentials{ClientID: "cid", ClientSecret: "secret", TokenURL: url}, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestNewManager_RequiresCredentials(t *testing.T) {
	_, err := NewManager(ClientCredentials{ClientID: "cid", TokenURL: "http://x"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestToken_SendsClientCredentialsForm(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("client_id"); got != "cid" {
			t.Errorf("client_id = %q", got)
		}
		if got := r.PostForm.Get("client_secret"); got != "secret" {
			t.Errorf("client_secret = %q", got)
		}
		writeToken(w, map[string]any{"access_token": "tok-1", "token_type": "bearer", "expires_in": 3600})
	})

	m := mustManager(t, ts.srv.URL)
	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tok-1" {
		t.Fatalf("token = %q, want tok-1", tok)
	}
}

func TestToken_CachesWithinWindowAndRefetchesAfterExpiry(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeToken(w, map[string]any{"access_token": "tok-" + string(rune('0'+n)), "token_type": "bearer", "expires_in": 3600})
	})
	clock := newFakeClock()
	m := mustManager(t, ts.srv.URL, WithClock(clock.Now))
	ctx := context.Background()

	first, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("first Token: %v", err)
	}
	if got := ts.calls.Load(); got != 1 {
		t.Fatalf("calls after first Token = %d, want 1", got)
	}

	clock.Advance(10 * time.Second)
	second, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("second Token: %v", err)
	}
	if second != first {
		t.Fatalf("expected cached token %q, got %q", first, second)
	}
	if got := ts.calls.Load(); got != 1 {
		t.Fatalf("calls within validity window = %d, want 1", got)
	}

	clock.Advance(3591 * time.Second) // now + 3601s
	third, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("third Token: %v", err)
	}
	if third == first {
		t.Fatalf("expected a fresh token after expiry")
	}
	if got := ts.calls.Load(); got != 2 {
		t.Fatalf("calls after expiry = %d, want 2", got)
	}
}

func TestToken_SafetyBuffer(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeToken(w, map[string]any{"access_token": "tok", "token_type": "bearer", "expires_in": 120})
	})
	clock := newFakeClock()
	m := mustManager(t, ts.srv.URL, WithClock(clock.Now))

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	clock.Advance(59 * time.Second)
	if _, ok := m.Peek(); !ok {
		t.Fatalf("token should be valid 61s before expiry")
	}
	clock.Advance(1 * time.Second)
	if _, ok := m.Peek(); ok {
		t.Fatalf("token should be invalid inside the 60s buffer")
	}
}

func TestToken_ConcurrentCallersShareOneFetch(t *testing.T) {
	release := make(chan struct{})
	arrived := make(chan struct{}, 1)
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-release
		writeToken(w, map[string]any{"access_token": "shared", "token_type": "bearer", "expires_in": 3600})
	})
	m := mustManager(t, ts.srv.URL)

	const n = 16
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Token(context.Background())
		}(i)
	}

	<-arrived
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != "shared" {
			t.Fatalf("caller %d got %q", i, results[i])
		}
	}
	if got := ts.calls.Load(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1", got)
	}
}

func TestToken_FailureLeavesCacheUnchanged(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		writeToken(w, map[string]any{"access_token": "later", "token_type": "bearer", "expires_in": 3600})
	})
	m := mustManager(t, ts.srv.URL)

	_, err := m.Token(context.Background())
	var ferr *TokenFetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *TokenFetchError, got %T %v", err, err)
	}
	if ferr.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", ferr.Status)
	}
	if ferr.Body == "" {
		t.Fatalf("expected upstream body to be captured")
	}
	if _, ok := m.Peek(); ok {
		t.Fatalf("cache must stay empty after a failed fetch")
	}

	tok, err := m.Token(context.Background())
	if err != nil || tok != "later" {
		t.Fatalf("retry: tok=%q err=%v", tok, err)
	}
}

func TestToken_MalformedResponse(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeToken(w, map[string]any{"token_type": "bearer"})
	})
	m := mustManager(t, ts.srv.URL)

	_, err := m.Token(context.Background())
	var ferr *TokenFetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *TokenFetchError, got %v", err)
	}
	if ferr.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", ferr.Status)
	}
	if !strings.Contains(ferr.Body, "token_type") {
		t.Fatalf("body = %q, want the upstream response", ferr.Body)
	}
}

func TestToken_UnparsableResponse(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{not json"))
	})
	m := mustManager(t, ts.srv.URL)

	_, err := m.Token(context.Background())
	var ferr *TokenFetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *TokenFetchError, got %v", err)
	}
	if ferr.Status != http.StatusOK || ferr.Body != "{not json" {
		t.Fatalf("fetch error = status %d body %q", ferr.Status, ferr.Body)
	}
}

func TestToken_TimeoutIsFetchError(t *testing.T) {
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		select {
		case <-done:
		case <-r.Context().Done():
		}
	})
	m := mustManager(t, ts.srv.URL, WithFetchTimeout(50*time.Millisecond))

	_, err := m.Token(context.Background())
	var ferr *TokenFetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *TokenFetchError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded in chain, got %v", err)
	}
}

func TestToken_ExpiryFromJWTClaim(t *testing.T) {
	clock := newFakeClock()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": clock.Now().Add(2 * time.Hour).Unix(),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeToken(w, map[string]any{"access_token": raw, "token_type": "bearer"})
	})
	m := mustManager(t, ts.srv.URL, WithClock(clock.Now))

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	clock.Advance(90 * time.Minute)
	if _, ok := m.Peek(); !ok {
		t.Fatalf("token should still be valid per its exp claim")
	}
	clock.Advance(30 * time.Minute)
	if _, ok := m.Peek(); ok {
		t.Fatalf("token should have expired per its exp claim")
	}
}

func TestToken_DefaultLifetime(t *testing.T) {
	clock := newFakeClock()
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeToken(w, map[string]any{"access_token": "opaque", "token_type": "bearer"})
	})
	m := mustManager(t, ts.srv.URL, WithClock(clock.Now))

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	clock.Advance(DefaultLifetime - ExpiryBuffer - time.Second)
	if _, ok := m.Peek(); !ok {
		t.Fatalf("token should be valid within the default lifetime")
	}
	clock.Advance(2 * time.Second)
	if _, ok := m.Peek(); ok {
		t.Fatalf("token should expire after the default lifetime")
	}
}

func TestClearCache_ForcesRefetch(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeToken(w, map[string]any{"access_token": "tok", "token_type": "bearer", "expires_in": 3600})
	})
	m := mustManager(t, ts.srv.URL)
	ctx := context.Background()

	if _, err := m.Token(ctx); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if err := m.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if _, ok := m.Peek(); ok {
		t.Fatalf("Peek after ClearCache should miss")
	}
	if _, err := m.Token(ctx); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got := ts.calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestPeek_NeverFetches(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeToken(w, map[string]any{"access_token": "tok", "token_type": "bearer", "expires_in": 3600})
	})
	m := mustManager(t, ts.srv.URL)

	if _, ok := m.Peek(); ok {
		t.Fatalf("Peek on empty cache should miss")
	}
	if got := ts.calls.Load(); got != 0 {
		t.Fatalf("Peek triggered %d fetches", got)
	}
}

func TestFetchObserver(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeToken(w, map[string]any{"access_token": "tok", "token_type": "bearer", "expires_in": 3600})
	})
	var outcomes []string
	m := mustManager(t, ts.srv.URL, WithFetchObserver(func(outcome string, _ time.Duration) {
		outcomes = append(outcomes, outcome)
	}))
	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0] != OutcomeOK {
		t.Fatalf("outcomes = %v", outcomes)
	}
}

type memStore struct {
	mu  sync.Mutex
	tok *CachedToken
}

func (s *memStore) Load(context.Context) (CachedToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok == nil {
		return CachedToken{}, false, nil
	}
	return *s.tok, true, nil
}

func (s *memStore) Save(_ context.Context, tok CachedToken) error {
	s.mu.Lock()
	s.tok = &tok
	s.mu.Unlock()
	return nil
}

func (s *memStore) Clear(context.Context) error {
	s.mu.Lock()
	s.tok = nil
	s.mu.Unlock()
	return nil
}

func TestRestore_ReusesPersistedToken(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeToken(w, map[string]any{"access_token": "persisted", "token_type": "bearer", "expires_in": 3600})
	})
	store := &memStore{}
	ctx := context.Background()

	first := mustManager(t, ts.srv.URL, WithStore(store))
	if _, err := first.Token(ctx); err != nil {
		t.Fatalf("Token: %v", err)
	}

	second := mustManager(t, ts.srv.URL, WithStore(store))
	ok, err := second.Restore(ctx)
	if err != nil || !ok {
		t.Fatalf("Restore: ok=%v err=%v", ok, err)
	}
	tok, err := second.Token(ctx)
	if err != nil || tok != "persisted" {
		t.Fatalf("Token after restore: %q %v", tok, err)
	}
	if got := ts.calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}
