package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MCP_API_KEY", "K")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Server.Addr() != "127.0.0.1:3000" {
		t.Fatalf("Addr = %q", cfg.Server.Addr())
	}
	if cfg.Server.KeepAlive != 30*time.Second || cfg.Server.MaxBodyBytes != 4<<20 {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Notes.Protocol != "https" || cfg.Notes.Port != 27124 || !cfg.Notes.InsecureTLS {
		t.Fatalf("notes = %+v", cfg.Notes)
	}
	if cfg.OAuth.FetchTimeout != 10*time.Second || cfg.OAuth.Preferred {
		t.Fatalf("oauth = %+v", cfg.OAuth)
	}
	if cfg.NotesAPIKey() != "K" {
		t.Fatalf("NotesAPIKey = %q", cfg.NotesAPIKey())
	}
	if cfg.Server.MessagePath() != "/message" {
		t.Fatalf("MessagePath = %q", cfg.Server.MessagePath())
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("OAUTH_CLIENT_ID", "id")
	t.Setenv("OAUTH_CLIENT_SECRET", "secret")
	t.Setenv("OAUTH_TOKEN_URL", "https://idp.example/token")
	t.Setenv("OAUTH_SCOPES", "notes.read, notes.write")
	t.Setenv("OAUTH_PREFERRED", "true")
	t.Setenv("PORT", "8080")
	t.Setenv("PUBLIC_BASE_URL", "https://mcp.example/")
	t.Setenv("NOTES_API_KEY", "notes-key")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !cfg.OAuth.Complete() || !cfg.OAuth.Preferred {
		t.Fatalf("oauth = %+v", cfg.OAuth)
	}
	if got := cfg.OAuth.ScopeList(); len(got) != 2 || got[0] != "notes.read" || got[1] != "notes.write" {
		t.Fatalf("scopes = %q", got)
	}
	if cfg.Server.Port != 8080 || cfg.Server.MessagePath() != "https://mcp.example/message" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.NotesAPIKey() != "notes-key" {
		t.Fatalf("NotesAPIKey = %q", cfg.NotesAPIKey())
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			APIKey: "K",
			Server: ServerConfig{Host: "127.0.0.1", Port: 3000, MaxBodyBytes: 1024},
			Notes:  NotesConfig{Protocol: "https"},
			Log:    LogConfig{Level: "info", Format: "text"},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
		wantAny bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no credentials", mutate: func(c *Config) { c.APIKey = "" }, wantErr: ErrNoCredentials},
		{name: "partial oauth only", mutate: func(c *Config) {
			c.APIKey = ""
			c.OAuth = OAuthConfig{ClientID: "id", ClientSecret: "s"}
		}, wantErr: ErrNoCredentials},
		{name: "oauth via issuer", mutate: func(c *Config) {
			c.APIKey = ""
			c.OAuth = OAuthConfig{ClientID: "id", ClientSecret: "s", Issuer: "https://idp.example"}
		}},
		{name: "secret without id", mutate: func(c *Config) { c.OAuth.ClientSecret = "s" }, wantAny: true},
		{name: "bad protocol", mutate: func(c *Config) { c.Notes.Protocol = "ftp" }, wantAny: true},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantAny: true},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantAny: true},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantAny: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			case tt.wantAny:
				if err == nil {
					t.Fatalf("expected an error")
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}
		})
	}
}

func TestLoad_KeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("  from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MCP_API_KEY_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "from-file" {
		t.Fatalf("APIKey = %q", cfg.APIKey)
	}

	if err := os.WriteFile(path, []byte("\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); !errors.Is(err, ErrEmptyKeyFile) {
		t.Fatalf("err = %v, want ErrEmptyKeyFile", err)
	}
}

func TestKeyWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("one"), 0o600); err != nil {
		t.Fatal(err)
	}

	keys := make(chan string, 4)
	w := NewKeyWatcher(path, "one", func(k string) { keys <- k }, WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before the first write.
	time.Sleep(50 * time.Millisecond)

	// Rewriting the same key is not reported.
	if err := os.WriteFile(path, []byte("one\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// An empty file keeps the old key.
	time.Sleep(60 * time.Millisecond)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)

	// Atomic replace, as secret managers do.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte("two"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case k := <-keys:
		if k != "two" {
			t.Fatalf("reloaded key = %q, want two", k)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reload after key file replaced")
	}
	select {
	case k := <-keys:
		t.Fatalf("unexpected extra reload %q", k)
	case <-time.After(100 * time.Millisecond):
	}
}
