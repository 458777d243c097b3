package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/notesmcp/notes-mcp-server/auth"
	"github.com/notesmcp/notes-mcp-server/config"
	"github.com/notesmcp/notes-mcp-server/internal/engine"
	"github.com/notesmcp/notes-mcp-server/mcp"
	"github.com/notesmcp/notes-mcp-server/mcpservice"
	"github.com/notesmcp/notes-mcp-server/metrics"
	"github.com/notesmcp/notes-mcp-server/notesapi"
	"github.com/notesmcp/notes-mcp-server/notestools"
	"github.com/notesmcp/notes-mcp-server/sessions"
	"github.com/notesmcp/notes-mcp-server/ssehttp"
	"github.com/notesmcp/notes-mcp-server/tokens"
	"github.com/notesmcp/notes-mcp-server/tokens/redisstore"
)

const (
	shutdownTimeout = 10 * time.Second
	instructions    = "Tools for reading, searching and appending to notes in the local vault."
)

// app is the assembled server.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	handler  http.Handler
	sessions *sessions.Registry
	metrics  *metrics.Metrics
	gate     *auth.Gate
	tokens   *tokens.Manager
	closers  []func() error
}

// newApp wires every component from cfg. It performs the token discovery,
// cache restore and warm-up requests but binds no listener.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	var reg *sessions.Registry
	a.metrics = metrics.New(func() int {
		if reg == nil {
			return 0
		}
		return reg.Len()
	})

	if cfg.OAuth.Complete() {
		mgr, err := a.newTokenManager(ctx)
		if err != nil {
			a.close()
			return nil, err
		}
		a.tokens = mgr
	}

	var peeker auth.TokenPeeker
	var tokenSource notesapi.TokenSource
	if a.tokens != nil {
		peeker = a.tokens
		tokenSource = a.tokens
	}
	a.gate = auth.NewGate(cfg.APIKey, peeker,
		auth.WithLogger(log),
		auth.WithFailureHook(a.metrics.AuthFailed),
	)

	creds := notesapi.NewCredentialSource(cfg.NotesAPIKey(), tokenSource, cfg.OAuth.Preferred,
		notesapi.WithCredentialLogger(log))
	clientOpts := []notesapi.ClientOption{notesapi.WithLogger(log)}
	if cfg.Notes.InsecureTLS {
		clientOpts = append(clientOpts, notesapi.WithInsecureTLS())
	}
	client := notesapi.NewClient(notesapi.Endpoint{
		Protocol: cfg.Notes.Protocol,
		Host:     cfg.Notes.Host,
		Port:     cfg.Notes.Port,
	}, creds, clientOpts...)

	tools := mcpservice.NewToolRegistry(
		mcpservice.WithRegistryLogger(log),
		mcpservice.WithCallObserver(a.metrics.ObserveToolCall),
	)
	if err := notestools.Register(tools, client); err != nil {
		a.close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	eng := engine.NewEngine(tools,
		engine.WithServerInfo(mcp.ImplementationInfo{Name: "notes-mcp-server", Version: version}),
		engine.WithInstructions(instructions),
		engine.WithLogger(log),
	)
	reg = sessions.NewRegistry(eng,
		sessions.WithMessagePath(cfg.Server.MessagePath()),
		sessions.WithLogger(log),
	)
	a.sessions = reg

	a.handler = ssehttp.New(reg, a.gate,
		ssehttp.WithLogger(log),
		ssehttp.WithVersion(version),
		ssehttp.WithKeepAlive(cfg.Server.KeepAlive),
		ssehttp.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		ssehttp.WithMessageObserver(a.metrics.ObserveMessage),
	)
	return a, nil
}

func (a *app) newTokenManager(ctx context.Context) (*tokens.Manager, error) {
	oc := a.cfg.OAuth
	tokenURL := oc.TokenURL
	if tokenURL == "" {
		u, err := tokens.DiscoverTokenURL(ctx, oc.Issuer, nil)
		if err != nil {
			return nil, err
		}
		a.log.InfoContext(ctx, "token.discover.ok", slog.String("token_url", u))
		tokenURL = u
	}

	opts := []tokens.Option{
		tokens.WithLogger(a.log),
		tokens.WithFetchTimeout(oc.FetchTimeout),
		tokens.WithFetchObserver(a.metrics.ObserveTokenFetch),
	}
	if a.cfg.TokenCacheRedisAddr != "" {
		store, err := redisstore.NewFromEnv(ctx)
		if err != nil {
			return nil, fmt.Errorf("token cache: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		opts = append(opts, tokens.WithStore(store))
	}

	mgr, err := tokens.NewManager(tokens.ClientCredentials{
		ClientID:     oc.ClientID,
		ClientSecret: oc.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       oc.ScopeList(),
	}, opts...)
	if err != nil {
		return nil, err
	}

	if ok, err := mgr.Restore(ctx); err != nil {
		a.log.WarnContext(ctx, "token.restore.fail", slog.String("err", err.Error()))
	} else if ok {
		a.log.InfoContext(ctx, "token.restore.ok")
	}
	// A failed warm-up is not fatal: inbound OAuth credentials are rejected
	// until a later outbound call obtains a token.
	if _, err := mgr.Token(ctx); err != nil {
		a.log.WarnContext(ctx, "token.warmup.fail",
			slog.Bool("static_key_fallback", a.cfg.APIKey != ""),
			slog.String("err", err.Error()),
		)
	}
	return mgr, nil
}

// watchKeyFile reloads the static key into the gate until ctx ends.
func (a *app) watchKeyFile(ctx context.Context) {
	if a.cfg.APIKeyFile == "" {
		return
	}
	w := config.NewKeyWatcher(a.cfg.APIKeyFile, a.cfg.APIKey, a.gate.SetStaticKey,
		config.WithWatcherLogger(a.log))
	go func() {
		if err := w.Run(ctx); err != nil {
			a.log.WarnContext(ctx, "config.key_watch.fail", slog.String("err", err.Error()))
		}
	}()
}

func (a *app) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn("server.close.fail", slog.String("err", err.Error()))
		}
	}
}

// serve runs the server until ctx ends, then drains sessions and shuts the
// listeners down.
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	a.watchKeyFile(watchCtx)

	if cfg.MetricsAddr != "" {
		msrv, mln, err := a.metrics.Serve(cfg.MetricsAddr, log)
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "metrics.listen", slog.String("addr", mln.Addr().String()))
		defer msrv.Close()
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.InfoContext(ctx, "server.listen",
		slog.String("addr", ln.Addr().String()),
		slog.String("version", version),
		slog.Bool("static_key", cfg.APIKey != ""),
		slog.Bool("oauth", a.tokens != nil),
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	// Streams end once their sessions close, which lets Shutdown drain.
	closeErr := a.sessions.CloseAll(sctx)
	shutdownErr := srv.Shutdown(sctx)
	if err := errors.Join(closeErr, shutdownErr); err != nil {
		log.Warn("server.shutdown.fail", slog.String("err", err.Error()))
		return err
	}
	log.Info("server.shutdown.ok")
	return nil
}
