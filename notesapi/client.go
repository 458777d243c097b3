package notesapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResponseBytes caps a response body, and with it note size.
	DefaultMaxResponseBytes = 8 << 20

	maxErrorBody = 512
)

// ErrResponseTooLarge is returned when a response body exceeds the client's
// size limit. Partial bodies are never returned.
var ErrResponseTooLarge = errors.New("notesapi: response exceeds size limit")

// ErrInvalidPath is returned for empty note paths or paths that escape the
// vault root.
var ErrInvalidPath = errors.New("notesapi: invalid note path")

// APIError is a non-2xx response from the notes API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("notes API returned status %d", e.Status)
	}
	return fmt.Sprintf("notes API returned status %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether err is a 404 from the notes API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Requester is the HTTP-calling helper tools use to reach the notes API.
// path is relative to the API root and may carry a query string. A non-2xx
// response is returned as *APIError.
type Requester interface {
	Request(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error)
}

// Credentials yields the bearer credential for one call.
type Credentials interface {
	Credential(ctx context.Context) (string, error)
}

// Endpoint locates the notes API.
type Endpoint struct {
	Protocol string
	Host     string
	Port     int
}

// URL returns the API root.
func (e Endpoint) URL() *url.URL {
	return &url.URL{Scheme: e.Protocol, Host: net.JoinHostPort(e.Host, strconv.Itoa(e.Port))}
}

// Client is the Requester backed by net/http.
type Client struct {
	base       *url.URL
	creds      Credentials
	httpClient *http.Client
	log        *slog.Logger
	maxBody    int64
}

var _ Requester = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithInsecureTLS disables certificate verification. The notes API commonly
// serves a self-signed certificate on localhost.
func WithInsecureTLS() ClientOption {
	return func(cl *Client) {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		cl.httpClient = &http.Client{Timeout: DefaultTimeout, Transport: tr}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.log = l }
}

// WithMaxResponseBytes overrides DefaultMaxResponseBytes. Non-positive
// values keep the default.
func WithMaxResponseBytes(n int64) ClientOption {
	return func(cl *Client) {
		if n > 0 {
			cl.maxBody = n
		}
	}
}

// NewClient returns a Client for the API at ep.
func NewClient(ep Endpoint, creds Credentials, opts ...ClientOption) *Client {
	c := &Client{
		base:       ep.URL(),
		creds:      creds,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxBody:    DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientURL is NewClient for a base URL such as an httptest server's.
func NewClientURL(base string, creds Credentials, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid notes API URL: %w", err)
	}
	c := NewClient(Endpoint{}, creds, opts...)
	c.base = u
	return c, nil
}

func (c *Client) Request(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	start := time.Now()
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", path, err)
	}
	target := c.base.ResolveReference(ref)

	cred, err := c.creds.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain notes API credential: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.WarnContext(ctx, "notesapi.request.fail", slog.String("method", method), slog.String("path", target.Path), slog.String("err", err.Error()))
		return nil, fmt.Errorf("notes API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read notes API response: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, fmt.Errorf("%s %s: %w (%d bytes)", method, target.Path, ErrResponseTooLarge, c.maxBody)
	}
	c.log.DebugContext(ctx, "notesapi.request.done",
		slog.String("method", method),
		slog.String("path", target.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("dur", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b := strings.TrimSpace(string(data))
		if len(b) > maxErrorBody {
			b = b[:maxErrorBody]
		}
		return nil, &APIError{Status: resp.StatusCode, Body: b}
	}
	return data, nil
}

// FileList is the response to a directory listing.
type FileList struct {
	Files []string `json:"files"`
}

// SearchMatch is one hit within a note.
type SearchMatch struct {
	Context string `json:"context"`
	Match   struct {
		Start int `json:"start"`
		End   int `json:"end"`
	} `json:"match"`
}

// SearchResult groups the hits for one note.
type SearchResult struct {
	Filename string        `json:"filename"`
	Score    float64       `json:"score"`
	Matches  []SearchMatch `json:"matches"`
}

// Vault is a typed view over a Requester.
type Vault struct {
	r Requester
}

// NewVault wraps r.
func NewVault(r Requester) *Vault { return &Vault{r: r} }

// List returns the entries of dir, or of the vault root when dir is empty.
// Directory entries end in "/".
func (v *Vault) List(ctx context.Context, dir string) ([]string, error) {
	p := "/vault/"
	if dir = strings.Trim(dir, "/"); dir != "" {
		escaped, err := escapePath(dir)
		if err != nil {
			return nil, err
		}
		p += escaped + "/"
	}
	data, err := v.r.Request(ctx, http.MethodGet, p, nil, "")
	if err != nil {
		return nil, err
	}
	var out FileList
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode file list: %w", err)
	}
	return out.Files, nil
}

// Get returns the markdown content of the note at path.
func (v *Vault) Get(ctx context.Context, path string) (string, error) {
	escaped, err := escapePath(path)
	if err != nil {
		return "", err
	}
	data, err := v.r.Request(ctx, http.MethodGet, "/vault/"+escaped, nil, "")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Append adds content to the end of the note at path, creating it if needed.
func (v *Vault) Append(ctx context.Context, path, content string) error {
	escaped, err := escapePath(path)
	if err != nil {
		return err
	}
	_, err = v.r.Request(ctx, http.MethodPost, "/vault/"+escaped, bytes.NewBufferString(content), "text/markdown")
	return err
}

// Search runs a simple full-text search. contextLength bounds the text
// returned around each match; zero uses the API default.
func (v *Vault) Search(ctx context.Context, query string, contextLength int) ([]SearchResult, error) {
	q := url.Values{"query": {query}}
	if contextLength > 0 {
		q.Set("contextLength", strconv.Itoa(contextLength))
	}
	data, err := v.r.Request(ctx, http.MethodPost, "/search/simple/?"+q.Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	var out []SearchResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}
	return out, nil
}

// escapePath escapes each segment of a vault-relative path.
func escapePath(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if s == "" || s == "." || s == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/"), nil
}
