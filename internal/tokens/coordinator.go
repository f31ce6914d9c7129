package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/teemow/mailboxauth/internal/encryption"
	"github.com/teemow/mailboxauth/internal/instrumentation"
	"github.com/teemow/mailboxauth/internal/logging"
	"github.com/teemow/mailboxauth/internal/provider"
	"github.com/teemow/mailboxauth/internal/storage"
)

// Defaults for Config.
const (
	DefaultRefreshBuffer        = 5 * time.Minute
	DefaultRefreshTimeout       = 30 * time.Second
	DefaultMaxAttempts          = 3
	DefaultMaxRetryElapsed      = 5 * time.Second
	DefaultRetryInitialInterval = 250 * time.Millisecond
)

// Config tunes a Coordinator. Zero values take the defaults above.
type Config struct {
	// RefreshBuffer is how long before expiry a token is refreshed.
	RefreshBuffer time.Duration

	// RefreshTimeout bounds one refresh, retries included. It is independent
	// of any caller's context.
	RefreshTimeout time.Duration

	// MaxAttempts caps provider calls per refresh for transient failures.
	MaxAttempts uint

	// MaxRetryElapsed caps the time spent retrying.
	MaxRetryElapsed time.Duration

	// RetryInitialInterval is the first backoff delay.
	RetryInitialInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = DefaultRefreshBuffer
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxRetryElapsed <= 0 {
		c.MaxRetryElapsed = DefaultMaxRetryElapsed
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = DefaultRetryInitialInterval
	}
	return c
}

// ValidToken is an access token usable for at least the refresh buffer.
type ValidToken struct {
	AccessToken    string
	ExpiresAt      time.Time
	ConnectionID   string
	AccountAddress string
}

// Coordinator produces valid access tokens for connections.
type Coordinator struct {
	repo      storage.Repository
	provider  provider.Provider
	encryptor *encryption.Encryptor
	config    Config
	metrics   *instrumentation.Metrics
	logger    *slog.Logger

	flights singleflight.Group

	now func() time.Time
}

// NewCoordinator wires a Coordinator. metrics and logger may be nil.
func NewCoordinator(repo storage.Repository, prov provider.Provider, enc *encryption.Encryptor, cfg Config, metrics *instrumentation.Metrics, logger *slog.Logger) (*Coordinator, error) {
	if repo == nil || prov == nil || enc == nil {
		return nil, errors.New("token coordinator requires a repository, provider and encryptor")
	}
	return &Coordinator{
		repo:      repo,
		provider:  prov,
		encryptor: enc,
		config:    cfg.withDefaults(),
		metrics:   metrics,
		logger:    logging.WithComponent(logger, "tokens"),
		now:       storage.Now,
	}, nil
}

// RefreshBuffer returns the effective refresh buffer.
func (c *Coordinator) RefreshBuffer() time.Duration {
	return c.config.RefreshBuffer
}

// GetValidAccessToken returns an access token for the connection that is
// valid for at least the refresh buffer.
func (c *Coordinator) GetValidAccessToken(ctx context.Context, connectionID string) (string, error) {
	tok, err := c.GetValidToken(ctx, connectionID)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// GetValidToken is GetValidAccessToken with the token's metadata.
//
// It returns storage.ErrConnectionNotFound for unknown ids, a *TokenError
// when the token cannot be produced, and ErrWaitTimeout when ctx ends while
// waiting for a refresh started by someone else.
func (c *Coordinator) GetValidToken(ctx context.Context, connectionID string) (*ValidToken, error) {
	conn, err := c.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive {
		return nil, newTokenError(KindNeedsReauth, conn.ID, "connection is inactive", nil)
	}

	if c.isFresh(conn, c.now()) {
		tok, err := c.openStored(ctx, conn)
		if err != nil {
			return nil, err
		}
		c.touch(ctx, conn.ID)
		c.metrics.RecordTokenRequest(ctx, instrumentation.SourceCache)
		return tok, nil
	}

	return c.refresh(ctx, conn.ID, false)
}

// ForceRefresh refreshes the connection's token even when it is still fresh.
// It joins a refresh that is already running for the connection.
func (c *Coordinator) ForceRefresh(ctx context.Context, connectionID string) (*ValidToken, error) {
	return c.refresh(ctx, connectionID, true)
}

// isFresh reports whether the token outlives the refresh buffer. A token
// expiring exactly at now+buffer is not fresh.
func (c *Coordinator) isFresh(conn *storage.Connection, now time.Time) bool {
	return now.Before(conn.TokenExpiresAt.Add(-c.config.RefreshBuffer))
}

func (c *Coordinator) refresh(ctx context.Context, connectionID string, force bool) (*ValidToken, error) {
	var led bool
	ch := c.flights.DoChan(connectionID, func() (any, error) {
		led = true
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.RefreshTimeout)
		defer cancel()
		return c.runFlight(fctx, connectionID, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		source := instrumentation.SourceJoined
		if led {
			source = instrumentation.SourceRefresh
		}
		c.metrics.RecordTokenRequest(ctx, source)

		tok := *res.Val.(*ValidToken)
		return &tok, nil
	case <-ctx.Done():
		c.logger.Debug("caller stopped waiting for token refresh",
			logging.ConnectionID(connectionID), logging.Err(ctx.Err()))
		return nil, fmt.Errorf("%w: %w", ErrWaitTimeout, ctx.Err())
	}
}

// runFlight is the body of the single refresh for a connection. It re-reads
// the connection so callers that lost the race to a just finished refresh
// get the stored token.
func (c *Coordinator) runFlight(ctx context.Context, connectionID string, force bool) (*ValidToken, error) {
	logger := c.logger.With(logging.ConnectionID(connectionID))

	conn, err := c.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive {
		return nil, newTokenError(KindNeedsReauth, conn.ID, "connection is inactive", nil)
	}
	if !force && c.isFresh(conn, c.now()) {
		tok, err := c.openStored(ctx, conn)
		if err != nil {
			return nil, err
		}
		c.touch(ctx, conn.ID)
		return tok, nil
	}

	if !conn.HasRefreshToken() {
		c.deactivate(ctx, conn.ID, "no refresh token")
		return nil, newTokenError(KindNeedsReauth, conn.ID, "no refresh token stored", nil)
	}
	refreshToken, err := c.encryptor.DecryptString(conn.EncryptedRefreshToken)
	if err != nil {
		c.deactivate(ctx, conn.ID, "refresh token undecryptable")
		return nil, newTokenError(KindNeedsReauth, conn.ID, "stored refresh token cannot be decrypted", err)
	}

	start := time.Now()
	grant, err := c.refreshWithRetry(ctx, logger, refreshToken)
	if err != nil {
		if provider.IsInvalidGrant(err) {
			c.metrics.RecordTokenRefresh(ctx, string(KindNeedsReauth), time.Since(start))
			c.deactivate(ctx, conn.ID, "invalid grant")
			return nil, newTokenError(KindNeedsReauth, conn.ID, "provider rejected the refresh token", err)
		}
		c.metrics.RecordTokenRefresh(ctx, string(KindRefreshFailed), time.Since(start))
		logger.Warn("token refresh failed", logging.Err(err))
		return nil, newTokenError(KindRefreshFailed, conn.ID, "provider refresh failed", err)
	}

	encAccess, err := c.encryptor.EncryptString(grant.AccessToken)
	if err != nil {
		return nil, newTokenError(KindRefreshFailed, conn.ID, "cannot encrypt access token", err)
	}
	var encRefresh string
	if grant.RefreshToken != "" {
		if encRefresh, err = c.encryptor.EncryptString(grant.RefreshToken); err != nil {
			return nil, newTokenError(KindRefreshFailed, conn.ID, "cannot encrypt refresh token", err)
		}
	}

	now := c.now()
	expiresAt := grant.ExpiresAt(now)
	if err := c.repo.UpdateConnectionTokens(ctx, conn.ID, encAccess, encRefresh, expiresAt); err != nil {
		c.metrics.RecordTokenRefresh(ctx, string(KindRefreshFailed), time.Since(start))
		logger.Error("failed to persist refreshed token", logging.Err(err))
		return nil, newTokenError(KindRefreshFailed, conn.ID, "cannot persist refreshed token", err)
	}
	c.touch(ctx, conn.ID)

	c.metrics.RecordTokenRefresh(ctx, logging.StatusSuccess, time.Since(start))
	logger.Info("access token refreshed",
		slog.Time("expires_at", expiresAt),
		slog.Bool("rotated", encRefresh != ""),
		slog.Duration(logging.KeyDuration, time.Since(start)))

	return &ValidToken{
		AccessToken:    grant.AccessToken,
		ExpiresAt:      expiresAt,
		ConnectionID:   conn.ID,
		AccountAddress: conn.AccountAddress,
	}, nil
}

// refreshWithRetry calls the provider, retrying transient failures with
// exponential backoff. Any other failure stops immediately.
func (c *Coordinator) refreshWithRetry(ctx context.Context, logger *slog.Logger, refreshToken string) (*provider.Grant, error) {
	attempt := 0
	operation := func() (*provider.Grant, error) {
		attempt++
		grant, err := c.provider.Refresh(ctx, refreshToken)
		if err == nil {
			return grant, nil
		}
		if !provider.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		logger.Debug("transient refresh failure", logging.Attempt(attempt), logging.Err(err))
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryInitialInterval

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.config.MaxAttempts),
		backoff.WithMaxElapsedTime(c.config.MaxRetryElapsed),
	)
}

// openStored decrypts the stored access token. A connection whose token
// cannot be decrypted is deactivated.
func (c *Coordinator) openStored(ctx context.Context, conn *storage.Connection) (*ValidToken, error) {
	access, err := c.encryptor.DecryptString(conn.EncryptedAccessToken)
	if err != nil {
		c.deactivate(ctx, conn.ID, "access token undecryptable")
		return nil, newTokenError(KindNeedsReauth, conn.ID, "stored access token cannot be decrypted", err)
	}
	return &ValidToken{
		AccessToken:    access,
		ExpiresAt:      conn.TokenExpiresAt,
		ConnectionID:   conn.ID,
		AccountAddress: conn.AccountAddress,
	}, nil
}

func (c *Coordinator) deactivate(ctx context.Context, connectionID, reason string) {
	if err := c.repo.SetConnectionActive(ctx, connectionID, false); err != nil {
		c.logger.Error("failed to deactivate connection",
			logging.ConnectionID(connectionID), slog.String("reason", reason), logging.Err(err))
		return
	}
	c.logger.Warn("connection deactivated, reauthorization required",
		logging.ConnectionID(connectionID), slog.String("reason", reason))
}

func (c *Coordinator) touch(ctx context.Context, connectionID string) {
	if err := c.repo.TouchConnection(ctx, connectionID, c.now()); err != nil {
		c.logger.Debug("failed to record connection use", logging.ConnectionID(connectionID), logging.Err(err))
	}
}
