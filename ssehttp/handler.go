package ssehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/notesmcp/notes-mcp-server/auth"
	"github.com/notesmcp/notes-mcp-server/internal/logctx"
	"github.com/notesmcp/notes-mcp-server/sessions"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	SessionIDQueryParam = "sessionId"

	DefaultKeepAlive    = 30 * time.Second
	DefaultMaxBodyBytes = 4 << 20

	wwwAuthenticateHeader = "WWW-Authenticate"
)

// MessageObserver is told the HTTP status of every POST /message.
type MessageObserver func(status int)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithVersion sets the version reported by GET /health.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// WithKeepAlive sets the interval between ": ping" comments on open
// streams. Zero or negative disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// WithMaxBodyBytes caps the size of a posted message.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = strings.TrimSpace(realm) }
}

// WithMessageObserver registers fn to be called with the status of every
// POST /message response.
func WithMessageObserver(fn MessageObserver) Option {
	return func(h *Handler) { h.observe = fn }
}

// Handler serves the SSE transport, the health check and CORS preflight.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	sessions *sessions.Registry
	auth     auth.Authenticator

	version   string
	keepAlive time.Duration
	maxBody   int64
	realm     string
	observe   MessageObserver
}

// New returns a Handler that opens sessions in reg and guards the stream and
// message routes with authn.
func New(reg *sessions.Registry, authn auth.Authenticator, opts ...Option) *Handler {
	h := &Handler{
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions:  reg,
		auth:      authn,
		version:   "dev",
		keepAlive: DefaultKeepAlive,
		maxBody:   DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /sse", h.handleGetSSE)
	mux.HandleFunc("POST /message", h.handlePostMessage)
	mux.HandleFunc("OPTIONS /", h.handleOptions)
	mux.HandleFunc("/", h.handleNotFound)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w.Header())
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func setCORSHeaders(hdr http.Header) {
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+auth.APIKeyHeader)
	hdr.Set("Access-Control-Max-Age", "600")
}

// writeJSONError writes the transport-level error body {"error":"<msg>"}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	h.log.InfoContext(r.Context(), "http.route.miss")
	writeJSONError(w, http.StatusNotFound, "Not found")
}

func (h *Handler) handleGetSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "Streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")

	sess, err := h.sessions.Open(ctx, &sseTransport{wf: wf})
	if err != nil {
		if errors.Is(err, sessions.ErrRegistryClosed) {
			writeJSONError(w, http.StatusServiceUnavailable, "Server shutting down")
			h.log.InfoContext(ctx, "session.open.refused")
			return
		}
		// The endpoint event failed, so the client is already gone.
		h.log.WarnContext(ctx, "session.open.fail", slog.String("err", err.Error()))
		return
	}
	defer h.sessions.Close(sess.ID())

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: sess.State()})
	h.log.InfoContext(ctx, "sse.stream.start")

	var tick <-chan time.Time
	if h.keepAlive > 0 {
		t := time.NewTicker(h.keepAlive)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.String("reason", "client"), slog.Duration("dur", time.Since(start)))
			return
		case <-sess.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.String("reason", "server"), slog.Duration("dur", time.Since(start)))
			return
		case <-tick:
			if err := writeSSEComment(wf, "ping"); err != nil {
				h.log.InfoContext(ctx, "sse.keepalive.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	status := http.StatusAccepted
	defer func() {
		if h.observe != nil {
			h.observe(status)
		}
		h.log.InfoContext(ctx, "http.post.end", slog.Int("status", status), slog.Duration("dur", time.Since(start)))
	}()

	fail := func(code int, msg string) {
		status = code
		writeJSONError(w, code, msg)
	}

	if !h.checkAuthentication(ctx, r, w) {
		status = http.StatusUnauthorized
		return
	}

	id := r.URL.Query().Get(SessionIDQueryParam)
	if id == "" {
		fail(http.StatusBadRequest, "Missing sessionId query parameter")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id})

	if h.sessions.Get(id) == nil {
		fail(http.StatusNotFound, "Session not found")
		h.log.InfoContext(ctx, "session.route.miss")
		return
	}

	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			fail(http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			h.log.WarnContext(ctx, "content_type.unsupported")
			return
		}
	}

	raw, err := readBody(w, r, h.maxBody)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
		} else {
			fail(http.StatusBadRequest, "Failed to read request body")
		}
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}

	if err := h.sessions.Route(ctx, id, raw); err != nil {
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound):
			fail(http.StatusNotFound, "Session not found")
			h.log.InfoContext(ctx, "session.route.miss")
		case errors.Is(err, context.Canceled):
			// The poster hung up while the inbox was full; nobody is
			// listening for a status.
			status = 499
			h.log.InfoContext(ctx, "session.route.abandoned")
		default:
			fail(http.StatusInternalServerError, "Internal server error")
			h.log.ErrorContext(ctx, "session.route.fail", slog.String("err", err.Error()))
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// readBody reads the whole request body in one bounded pass and always
// releases it.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, limit)
	defer body.Close()
	return io.ReadAll(body)
}

// checkAuthentication writes a 401 or 500 and returns false when the request
// may not proceed.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) bool {
	err := h.auth.Authenticate(ctx, auth.ExtractCredential(r))
	if err == nil {
		return true
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		w.Header().Set(wwwAuthenticateHeader, bearerChallenge(h.realm))
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return false
	}
	h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
	writeJSONError(w, http.StatusInternalServerError, "Internal server error")
	return false
}

func bearerChallenge(realm string) string {
	if realm == "" {
		return "Bearer"
	}
	return fmt.Sprintf(`Bearer realm="%s"`, strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(realm))
}
