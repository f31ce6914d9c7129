// Package config loads mailboxauth settings from the environment.
//
// Variables carry the MAILBOXAUTH_ prefix. A .env file in the working
// directory is read first when present; real environment variables win.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/teemow/mailboxauth/internal/encryption"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "MAILBOXAUTH_"

// Storage backends.
const (
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Config holds runtime configuration.
type Config struct {
	// EncryptionKey seals tokens at rest: 32 bytes, hex or base64.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`

	// RedirectURI must match a redirect URI registered with Google.
	RedirectURI   string   `env:"REDIRECT_URI,default=http://localhost:8080/oauth/callback"`
	DefaultScopes []string `env:"DEFAULT_SCOPES"`

	StateTTL       time.Duration `env:"STATE_TTL,default=10m"`
	RefreshBuffer  time.Duration `env:"REFRESH_BUFFER,default=5m"`
	RefreshTimeout time.Duration `env:"REFRESH_TIMEOUT,default=30s"`
	RetryAttempts  uint          `env:"RETRY_ATTEMPTS,default=3"`

	StorageType string `env:"STORAGE_TYPE,default=sqlite"`
	SQLitePath  string `env:"SQLITE_PATH,default=mailboxauth.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	HTTPAddr string `env:"HTTP_ADDR,default=:8080"`
	// APIToken, when set, is required as a bearer token on the connection
	// management routes.
	APIToken string `env:"API_TOKEN"`
	// RateLimit is requests per second per client IP on the OAuth routes.
	RateLimit      float64 `env:"RATE_LIMIT,default=10"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST,default=20"`
	TrustProxy     bool    `env:"TRUST_PROXY,default=false"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	MetricsEnabled  bool   `env:"METRICS_ENABLED,default=true"`
	MetricsAddr     string `env:"METRICS_ADDR,default=:9090"`
	MetricsExporter string `env:"METRICS_EXPORTER,default=prometheus"`

	// SweepInterval is how often tokens close to expiry are refreshed in
	// the background. Zero disables the sweep.
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL,default=1m"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL,default=5m"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load reads an optional .env file and then the process environment.
func Load(ctx context.Context) (*Config, error) {
	// A missing .env is the normal case.
	_ = godotenv.Load()
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads configuration through lookuper, applying EnvPrefix.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.DefaultScopes = ParseList(strings.Join(cfg.DefaultScopes, ","))
	cfg.StorageType = strings.ToLower(strings.TrimSpace(cfg.StorageType))
	return &cfg, nil
}

// ValidateStorage checks the settings needed to open the repository and
// read stored tokens.
func (c *Config) ValidateStorage() error {
	var errs []error

	if c.EncryptionKey == "" {
		errs = append(errs, fmt.Errorf("%sENCRYPTION_KEY is required (generate one with `mailboxauth keygen`)", EnvPrefix))
	} else if _, err := encryption.ParseKey(c.EncryptionKey); err != nil {
		errs = append(errs, fmt.Errorf("%sENCRYPTION_KEY: %w", EnvPrefix, err))
	}

	switch c.StorageType {
	case StorageSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("%sSQLITE_PATH is required for sqlite storage", EnvPrefix))
		}
	case StoragePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("%sPOSTGRES_DSN is required for postgres storage", EnvPrefix))
		}
	default:
		errs = append(errs, fmt.Errorf("%sSTORAGE_TYPE %q is not supported (sqlite, postgres)", EnvPrefix, c.StorageType))
	}

	return errors.Join(errs...)
}

// Validate checks everything the server needs.
func (c *Config) Validate() error {
	errs := []error{c.ValidateStorage()}

	if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
		errs = append(errs, fmt.Errorf("%sGOOGLE_CLIENT_ID and %sGOOGLE_CLIENT_SECRET are required", EnvPrefix, EnvPrefix))
	}
	if c.RedirectURI == "" {
		errs = append(errs, fmt.Errorf("%sREDIRECT_URI is required", EnvPrefix))
	}
	if c.StateTTL <= 0 {
		errs = append(errs, fmt.Errorf("%sSTATE_TTL must be positive", EnvPrefix))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, fmt.Errorf("%sTLS_CERT_FILE and %sTLS_KEY_FILE must be set together", EnvPrefix, EnvPrefix))
	}
	if c.RefreshBuffer <= 0 {
		errs = append(errs, fmt.Errorf("%sREFRESH_BUFFER must be positive", EnvPrefix))
	}

	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// ParseList splits a comma separated list, trimming blanks and dropping
// empty entries. It returns nil when nothing is left.
func ParseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
