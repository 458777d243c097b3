package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/notesmcp/notes-mcp-server/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "notes-mcp-server",
		Short:        "MCP server exposing a notes vault over SSE",
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "notes-mcp-server version %s\n" .Version}}`)
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of notes-mcp-server",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "notes-mcp-server version %s\n", version)
		},
	}
}

type serveFlags struct {
	host        string
	port        int
	baseURL     string
	logLevel    string
	logFormat   string
	metricsAddr string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the SSE server",
		Long: `Start the SSE server. Settings are read from the environment
(MCP_API_KEY, OAUTH_*, NOTES_API_*, ...) and may be overridden by flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cfg.Log.NewLogger(cmd.ErrOrStderr()))
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.host, "host", "", "listen host (HOST)")
	fl.IntVar(&f.port, "port", 0, "listen port (PORT)")
	fl.StringVar(&f.baseURL, "public-base-url", "", "base URL announced to clients (PUBLIC_BASE_URL)")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	fl.StringVar(&f.logFormat, "log-format", "", "text or json (LOG_FORMAT)")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus listen address (METRICS_ADDR)")
	return cmd
}

// apply copies explicitly set flags over the environment configuration.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.Server.Host = f.host
	}
	if changed("port") {
		cfg.Server.Port = f.port
	}
	if changed("public-base-url") {
		cfg.Server.PublicBaseURL = f.baseURL
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
}
