package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/teemow/mailboxauth/internal/config"
	"github.com/teemow/mailboxauth/internal/instrumentation"
	"github.com/teemow/mailboxauth/internal/logging"
	"github.com/teemow/mailboxauth/internal/server"
	"github.com/teemow/mailboxauth/internal/tools/connection_tools"
)

const (
	transportStdio          = "stdio"
	transportStreamableHTTP = "streamable-http"

	shutdownTimeout = 30 * time.Second
)

type serveOptions struct {
	transport string
	yolo      bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the OAuth and MCP server",
		Long: `Start the server that completes Gmail authorizations and manages the
resulting connections.

Supports multiple transport types:
  - streamable-http: OAuth callback, connection API, health endpoints and the
    MCP endpoint at /mcp (default)
  - stdio: MCP over standard input/output. Authorizations are completed with
    the gmail_handle_oauth_callback tool.

Safety Mode:
  By default the MCP tools are read-only (list and check connections).
  Use --yolo to enable the tools that create and remove connections.

Required settings:
  MAILBOXAUTH_ENCRYPTION_KEY (see 'mailboxauth keygen')
  MAILBOXAUTH_GOOGLE_CLIENT_ID and MAILBOXAUTH_GOOGLE_CLIENT_SECRET`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.transport, "transport", transportStreamableHTTP, "Transport type: stdio or streamable-http")
	cmd.Flags().BoolVar(&opts.yolo, "yolo", false, "Enable MCP tools that connect and disconnect accounts. Default is read-only mode.")
	cmd.Flags().Bool("debug", false, "Enable debug logging")
	cmd.Flags().String("http-addr", ":8080", "HTTP server address. Can also use MAILBOXAUTH_HTTP_ADDR env var.")
	cmd.Flags().String("redirect-uri", "", "OAuth callback URI registered with Google. Can also use MAILBOXAUTH_REDIRECT_URI env var.")
	cmd.Flags().String("tls-cert-file", "", "Path to TLS certificate file (PEM format). If provided with --tls-key-file, enables HTTPS. Can also use MAILBOXAUTH_TLS_CERT_FILE env var.")
	cmd.Flags().String("tls-key-file", "", "Path to TLS private key file (PEM format). If provided with --tls-cert-file, enables HTTPS. Can also use MAILBOXAUTH_TLS_KEY_FILE env var.")
	cmd.Flags().Bool("metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use MAILBOXAUTH_METRICS_ENABLED env var.")
	cmd.Flags().String("metrics-addr", ":9090", "Metrics server address. Can also use MAILBOXAUTH_METRICS_ADDR env var.")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, opts serveOptions) error {
	if opts.transport != transportStdio && opts.transport != transportStreamableHTTP {
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http)", opts.transport)
	}

	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// stdout carries the MCP protocol on stdio, so logs always go to stderr.
	logger := newLogger(cfg, os.Stderr, opts.transport != transportStdio)
	slog.SetDefault(logger)

	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version
	instrConfig.Enabled = cfg.MetricsEnabled
	instrConfig.MetricsExporter = cfg.MetricsExporter

	provider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warn("instrumentation shutdown failed", logging.Err(err))
		}
	}()

	serverContext, err := newServerContext(ctx, cfg, provider.Metrics(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := serverContext.Shutdown(); err != nil {
			logger.Warn("server context shutdown failed", logging.Err(err))
		}
	}()
	serverContext.StartBackgroundJobs(cfg.SweepInterval, cfg.JanitorInterval)

	mcpSrv := mcpserver.NewMCPServer("mailboxauth", version,
		mcpserver.WithToolCapabilities(true),
	)

	readOnly := !opts.yolo
	if readOnly {
		logger.Info("MCP tools are read-only (use --yolo to enable connect and disconnect)")
	}
	if err := connection_tools.RegisterConnectionTools(mcpSrv, serverContext, readOnly); err != nil {
		return fmt.Errorf("failed to register connection tools: %w", err)
	}

	if opts.transport == transportStdio {
		return runStdioServer(mcpSrv)
	}
	return runStreamableHTTPServer(shutdownCtx, cfg, mcpSrv, serverContext, provider, logger)
}

func runStdioServer(mcpSrv *mcpserver.MCPServer) error {
	if err := mcpserver.ServeStdio(mcpSrv); err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func runStreamableHTTPServer(ctx context.Context, cfg *config.Config, mcpSrv *mcpserver.MCPServer, sc *server.ServerContext, provider *instrumentation.Provider, logger *slog.Logger) error {
	if cfg.MetricsEnabled && provider.Enabled() {
		metricsServer, err := server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    cfg.MetricsAddr,
			InstrumentationProvider: provider,
			Logger:                  logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
		if err := metricsServer.Listen(); err != nil {
			return fmt.Errorf("metrics server failed to start: %w", err)
		}
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server stopped", logging.Err(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(ctx); err != nil {
				logger.Warn("metrics server shutdown failed", logging.Err(err))
			}
		}()
		logger.Info("metrics server started", slog.String("addr", metricsServer.Addr()))
	}

	httpServer, err := server.NewHTTPServer(sc, server.HTTPConfig{
		Addr:           cfg.HTTPAddr,
		APIToken:       cfg.APIToken,
		RateLimit:      cfg.RateLimit,
		RateLimitBurst: cfg.RateLimitBurst,
		TrustProxy:     cfg.TrustProxy,
		MCPServer:      mcpSrv,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	if err := httpServer.Listen(); err != nil {
		return err
	}
	if cfg.APIToken == "" {
		logger.Warn("connection routes and /mcp are unauthenticated; set MAILBOXAUTH_API_TOKEN to protect them")
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- httpServer.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
		if err := <-serverDone; err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
	}

	logger.Info("HTTP server gracefully stopped")
	return nil
}
