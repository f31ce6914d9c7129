package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/teemow/mailboxauth/internal/encryption"
	"github.com/teemow/mailboxauth/internal/instrumentation"
	"github.com/teemow/mailboxauth/internal/logging"
	"github.com/teemow/mailboxauth/internal/provider"
	"github.com/teemow/mailboxauth/internal/storage"
)

// DefaultStateTTL is how long an issued authorization URL stays usable.
const DefaultStateTTL = 600 * time.Second

// Config configures a Controller.
type Config struct {
	// RedirectURI is the registered callback used when a request does not
	// override it.
	RedirectURI string

	// DefaultScopes are requested when BeginAuthorization gets none.
	DefaultScopes []string

	// StateTTL bounds the time between BeginAuthorization and the callback.
	// Defaults to DefaultStateTTL.
	StateTTL time.Duration
}

// Controller runs the authorization-code flow.
type Controller struct {
	repo      storage.Repository
	provider  provider.Provider
	encryptor *encryption.Encryptor
	config    Config
	metrics   *instrumentation.Metrics
	logger    *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// AuthorizationRequest is returned by BeginAuthorization.
type AuthorizationRequest struct {
	URL        string    `json:"auth_url"`
	StateToken string    `json:"state"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// NewController wires a Controller. metrics and logger may be nil.
func NewController(repo storage.Repository, prov provider.Provider, enc *encryption.Encryptor, cfg Config, metrics *instrumentation.Metrics, logger *slog.Logger) (*Controller, error) {
	if repo == nil || prov == nil || enc == nil {
		return nil, errors.New("oauth controller requires a repository, provider and encryptor")
	}
	if cfg.RedirectURI == "" {
		return nil, errors.New("oauth controller requires a redirect URI")
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}

	return &Controller{
		repo:      repo,
		provider:  prov,
		encryptor: enc,
		config:    cfg,
		metrics:   metrics,
		logger:    logging.WithComponent(logger, "oauth"),
		now:       storage.Now,
	}, nil
}

// RedirectURI returns the configured callback URI.
func (c *Controller) RedirectURI() string { return c.config.RedirectURI }

// DefaultScopes returns a copy of the scopes requested by default.
func (c *Controller) DefaultScopes() []string { return slices.Clone(c.config.DefaultScopes) }

// BeginAuthorization creates the user if needed, persists a single-use
// state with a PKCE verifier and returns the consent URL.
func (c *Controller) BeginAuthorization(ctx context.Context, externalUserID string, scopes []string, redirectOverride string) (*AuthorizationRequest, error) {
	if externalUserID == "" {
		return nil, errors.New("external user id is required")
	}
	if len(scopes) == 0 {
		scopes = c.config.DefaultScopes
	}
	redirectURI := c.config.RedirectURI
	if redirectOverride != "" {
		redirectURI = redirectOverride
	}

	user, err := storage.EnsureUser(ctx, c.repo, externalUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	stateToken, err := GenerateStateToken()
	if err != nil {
		return nil, err
	}
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return nil, err
	}

	now := c.now()
	state := &storage.AuthorizationState{
		StateToken:   stateToken,
		UserID:       user.ID,
		Scopes:       scopes,
		RedirectURI:  redirectURI,
		CodeVerifier: verifier,
		ExpiresAt:    now.Add(c.config.StateTTL),
		CreatedAt:    now,
	}
	if err := c.repo.CreateAuthorizationState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to store authorization state: %w", err)
	}

	c.metrics.RecordAuthorization(ctx, "begin", logging.StatusSuccess)
	c.logger.Info("authorization started",
		logging.UserHash(externalUserID),
		logging.StateHash(stateToken),
		slog.Int("scopes", len(scopes)))

	return &AuthorizationRequest{
		URL:        c.provider.AuthCodeURL(stateToken, GenerateCodeChallenge(verifier), redirectURI, scopes),
		StateToken: stateToken,
		ExpiresAt:  state.ExpiresAt,
	}, nil
}

// CompleteAuthorization consumes the state, exchanges the code and stores
// the resulting connection. Errors are *AuthError except for storage and
// encryption failures, which are returned as is.
func (c *Controller) CompleteAuthorization(ctx context.Context, code, stateToken string) (*storage.Connection, error) {
	logger := c.logger.With(logging.StateHash(stateToken))

	state, err := c.repo.ConsumeAuthorizationState(ctx, stateToken, c.now())
	switch {
	case errors.Is(err, storage.ErrStateNotFound):
		c.metrics.RecordAuthorization(ctx, "complete", string(CodeInvalidState))
		logger.Warn("authorization callback with unknown state")
		return nil, newAuthError(CodeInvalidState, "unknown or already used state", nil)
	case errors.Is(err, storage.ErrStateExpired):
		c.metrics.RecordAuthorization(ctx, "complete", string(CodeStateExpired))
		logger.Warn("authorization callback with expired state")
		return nil, newAuthError(CodeStateExpired, "authorization took too long, start again", nil)
	case err != nil:
		return nil, err
	}

	if code == "" {
		c.metrics.RecordAuthorization(ctx, "complete", string(CodeOAuthFailed))
		return nil, newAuthError(CodeOAuthFailed, "missing authorization code", nil)
	}

	grant, err := c.provider.Exchange(ctx, code, state.CodeVerifier, state.RedirectURI)
	if err != nil {
		c.metrics.RecordAuthorization(ctx, "complete", string(CodeOAuthFailed))
		logger.Warn("code exchange failed", logging.Err(err))
		return nil, newAuthError(CodeOAuthFailed, "code exchange failed", err)
	}

	identity, err := c.provider.Identity(ctx, grant.AccessToken)
	if err != nil {
		c.metrics.RecordAuthorization(ctx, "complete", string(CodeOAuthFailed))
		logger.Warn("identity lookup failed", logging.Err(err))
		return nil, newAuthError(CodeOAuthFailed, "could not determine account", err)
	}

	if grant.RefreshToken == "" {
		// Without a refresh token the connection dies with its first access
		// token, unless an earlier authorization left one behind.
		existing, err := c.repo.ListConnections(ctx, storage.ConnectionFilter{
			UserID:          state.UserID,
			AccountAddress:  identity.AccountAddress,
			IncludeInactive: true,
		})
		if err != nil {
			return nil, err
		}
		if len(existing) == 0 || !existing[0].HasRefreshToken() {
			c.metrics.RecordAuthorization(ctx, "complete", string(CodeOAuthFailed))
			return nil, newAuthError(CodeOAuthFailed, "provider did not issue a refresh token", nil)
		}
	}

	encAccess, err := c.encryptor.EncryptString(grant.AccessToken)
	if err != nil {
		return nil, err
	}
	var encRefresh string
	if grant.RefreshToken != "" {
		if encRefresh, err = c.encryptor.EncryptString(grant.RefreshToken); err != nil {
			return nil, err
		}
	}

	scopes := grant.Scopes
	if len(scopes) == 0 {
		scopes = state.Scopes
	}

	conn, err := c.repo.CreateOrUpdateConnection(ctx, &storage.Connection{
		UserID:                state.UserID,
		AccountAddress:        identity.AccountAddress,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		TokenExpiresAt:        grant.ExpiresAt(c.now()),
		Scopes:                scopes,
		IsActive:              true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store connection: %w", err)
	}

	c.metrics.RecordAuthorization(ctx, "complete", logging.StatusSuccess)
	logger.Info("authorization completed",
		logging.ConnectionID(conn.ID),
		logging.AccountHash(conn.AccountAddress))

	return conn, nil
}

// PurgeExpiredStates deletes abandoned authorization states.
func (c *Controller) PurgeExpiredStates(ctx context.Context) (int64, error) {
	n, err := c.repo.PurgeExpiredStates(ctx, c.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.metrics.RecordStatesPurged(ctx, n)
		c.logger.Debug("purged expired authorization states", slog.Int64("count", n))
	}
	return n, nil
}

// RunStateJanitor purges expired states every interval until ctx is done.
func (c *Controller) RunStateJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.PurgeExpiredStates(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("failed to purge authorization states", logging.Err(err))
			}
		}
	}
}
