// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/notesmcp/notes-mcp-server/internal/logctx"
)

// ErrNoCredentials is returned by Validate when neither a static API key nor
// a complete OAuth client configuration is present. The server must not
// start in that state.
var ErrNoCredentials = errors.New("config: no API key or OAuth client credentials configured")

// ErrEmptyKeyFile is returned when the API key file holds only whitespace.
var ErrEmptyKeyFile = errors.New("config: API key file is empty")

// Config is the full server configuration.
type Config struct {
	// APIKey is the static key accepted from clients. ENV: MCP_API_KEY
	APIKey string `env:"MCP_API_KEY"`
	// APIKeyFile, when set, supplies APIKey and is watched for rotation.
	// ENV: MCP_API_KEY_FILE
	APIKeyFile string `env:"MCP_API_KEY_FILE"`

	OAuth  OAuthConfig
	Server ServerConfig
	Notes  NotesConfig
	Log    LogConfig

	// MetricsAddr enables the Prometheus listener, e.g. "127.0.0.1:9090".
	// ENV: METRICS_ADDR
	MetricsAddr string `env:"METRICS_ADDR"`
	// TokenCacheRedisAddr enables the Redis token cache.
	// ENV: TOKEN_CACHE_REDIS_ADDR
	TokenCacheRedisAddr string `env:"TOKEN_CACHE_REDIS_ADDR"`
}

// OAuthConfig is the client-credentials setup.
type OAuthConfig struct {
	ClientID     string `env:"OAUTH_CLIENT_ID"`
	ClientSecret string `env:"OAUTH_CLIENT_SECRET"`
	TokenURL     string `env:"OAUTH_TOKEN_URL"`
	// Issuer is used to discover TokenURL when the latter is unset.
	Issuer string `env:"OAUTH_ISSUER"`
	// Scopes is a space or comma separated list.
	Scopes string `env:"OAUTH_SCOPES"`
	// Preferred selects the OAuth token over the static key for outbound
	// calls when both are configured.
	Preferred    bool          `env:"OAUTH_PREFERRED,default=false"`
	FetchTimeout time.Duration `env:"OAUTH_FETCH_TIMEOUT,default=10s"`
}

// Complete reports whether the OAuth settings are usable.
func (o OAuthConfig) Complete() bool {
	return o.ClientID != "" && o.ClientSecret != "" && (o.TokenURL != "" || o.Issuer != "")
}

// ScopeList splits Scopes.
func (o OAuthConfig) ScopeList() []string {
	return strings.FieldsFunc(o.Scopes, func(r rune) bool { return r == ',' || r == ' ' })
}

// ServerConfig is the listener setup.
type ServerConfig struct {
	Host string `env:"HOST,default=127.0.0.1"`
	Port int    `env:"PORT,default=3000"`
	// PublicBaseURL prefixes the message URL announced to clients, for
	// deployments behind a proxy.
	PublicBaseURL string        `env:"PUBLIC_BASE_URL"`
	KeepAlive     time.Duration `env:"SSE_KEEPALIVE,default=30s"`
	MaxBodyBytes  int64         `env:"MAX_BODY_BYTES,default=4194304"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// MessagePath returns the URL announced in endpoint events.
func (s ServerConfig) MessagePath() string {
	return strings.TrimSuffix(s.PublicBaseURL, "/") + "/message"
}

// NotesConfig locates the notes API.
type NotesConfig struct {
	Protocol string `env:"NOTES_API_PROTOCOL,default=https"`
	Host     string `env:"NOTES_API_HOST,default=127.0.0.1"`
	Port     int    `env:"NOTES_API_PORT,default=27124"`
	// APIKey authenticates outbound calls; MCP_API_KEY is used when unset.
	APIKey      string `env:"NOTES_API_KEY"`
	InsecureTLS bool   `env:"NOTES_API_INSECURE_TLS,default=true"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=text"`
}

// Load reads the configuration from the environment. When MCP_API_KEY_FILE
// is set and MCP_API_KEY is not, the key is read from the file.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.APIKey == "" && cfg.APIKeyFile != "" {
		key, err := ReadKeyFile(cfg.APIKeyFile)
		if err != nil {
			return nil, err
		}
		cfg.APIKey = key
	}
	return &cfg, nil
}

// Validate reports every problem with c. ErrNoCredentials is among them
// when no inbound credential source is configured.
func (c *Config) Validate() error {
	var errs []error
	if c.APIKey == "" && !c.OAuth.Complete() {
		errs = append(errs, ErrNoCredentials)
	}
	if (c.OAuth.ClientID == "") != (c.OAuth.ClientSecret == "") {
		errs = append(errs, errors.New("config: OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET must be set together"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: PORT %d out of range", c.Server.Port))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("config: MAX_BODY_BYTES must be positive"))
	}
	switch c.Notes.Protocol {
	case "http", "https":
	default:
		errs = append(errs, fmt.Errorf("config: NOTES_API_PROTOCOL must be http or https, got %q", c.Notes.Protocol))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: LOG_FORMAT must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// NotesAPIKey returns the static key for outbound calls.
func (c *Config) NotesAPIKey() string {
	if c.Notes.APIKey != "" {
		return c.Notes.APIKey
	}
	return c.APIKey
}

// ReadKeyFile returns the trimmed contents of path.
func ReadKeyFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read API key file: %w", err)
	}
	key := strings.TrimSpace(string(b))
	if key == "" {
		return "", ErrEmptyKeyFile
	}
	return key, nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: invalid LOG_LEVEL %q", l.Level)
	}
	return lvl, nil
}

// NewLogger builds the process logger writing to w. Records are enriched
// with request, session and tool context by logctx.Handler.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if l.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}
