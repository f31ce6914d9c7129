package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teemow/mailboxauth/internal/config"
	"github.com/teemow/mailboxauth/internal/connections"
	"github.com/teemow/mailboxauth/internal/encryption"
	"github.com/teemow/mailboxauth/internal/google"
	"github.com/teemow/mailboxauth/internal/instrumentation"
	"github.com/teemow/mailboxauth/internal/oauth"
	"github.com/teemow/mailboxauth/internal/server"
	"github.com/teemow/mailboxauth/internal/storage"
	"github.com/teemow/mailboxauth/internal/storage/postgres"
	"github.com/teemow/mailboxauth/internal/storage/sqlite"
	"github.com/teemow/mailboxauth/internal/tokens"
)

// loadConfig reads the environment and applies the flags the user set
// explicitly. Flags left at their defaults never override the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	stringFlags := map[string]*string{
		"storage-type":  &cfg.StorageType,
		"sqlite-path":   &cfg.SQLitePath,
		"postgres-dsn":  &cfg.PostgresDSN,
		"log-level":     &cfg.LogLevel,
		"http-addr":     &cfg.HTTPAddr,
		"metrics-addr":  &cfg.MetricsAddr,
		"redirect-uri":  &cfg.RedirectURI,
		"tls-cert-file": &cfg.TLSCertFile,
		"tls-key-file":  &cfg.TLSKeyFile,
	}
	for name, dst := range stringFlags {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	if flags.Changed("metrics-enabled") {
		cfg.MetricsEnabled, _ = flags.GetBool("metrics-enabled")
	}
	if flags.Changed("debug") {
		if debug, _ := flags.GetBool("debug"); debug {
			cfg.LogLevel = "debug"
		}
	}
	cfg.StorageType = strings.ToLower(strings.TrimSpace(cfg.StorageType))

	return cfg, nil
}

// newLogger builds the process logger. JSON output is used for long-running
// servers, text for interactive commands.
func newLogger(cfg *config.Config, w io.Writer, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openRepository opens and migrates the configured storage backend.
func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	switch cfg.StorageType {
	case config.StorageSQLite:
		repo, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return repo, nil
	case config.StoragePostgres:
		repo, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: sqlite, postgres)", cfg.StorageType)
	}
}

// newServerContext wires storage, the Google provider and the OAuth, token
// and connection components. The returned context owns the repository.
func newServerContext(ctx context.Context, cfg *config.Config, metrics *instrumentation.Metrics, logger *slog.Logger) (*server.ServerContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	enc, err := encryption.NewFromString(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	prov, err := google.New(google.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google provider: %w", err)
	}

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	scopes := cfg.DefaultScopes
	if len(scopes) == 0 {
		scopes = google.DefaultScopes
	}

	sc, err := func() (*server.ServerContext, error) {
		ctrl, err := oauth.NewController(repo, prov, enc, oauth.Config{
			RedirectURI:   cfg.RedirectURI,
			DefaultScopes: scopes,
			StateTTL:      cfg.StateTTL,
		}, metrics, logger)
		if err != nil {
			return nil, err
		}

		coord, err := tokens.NewCoordinator(repo, prov, enc, tokens.Config{
			RefreshBuffer:  cfg.RefreshBuffer,
			RefreshTimeout: cfg.RefreshTimeout,
			MaxAttempts:    cfg.RetryAttempts,
		}, metrics, logger)
		if err != nil {
			return nil, err
		}

		mgr, err := connections.NewManager(repo, prov, enc, coord, logger)
		if err != nil {
			return nil, err
		}

		return server.NewServerContext(ctx, server.Components{
			Repository:  repo,
			Controller:  ctrl,
			Coordinator: coord,
			Connections: mgr,
			Metrics:     metrics,
			Logger:      logger,
		})
	}()
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("failed to create server context: %w", err)
	}
	return sc, nil
}
