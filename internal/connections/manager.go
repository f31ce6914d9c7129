package connections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teemow/mailboxauth/internal/encryption"
	"github.com/teemow/mailboxauth/internal/logging"
	"github.com/teemow/mailboxauth/internal/provider"
	"github.com/teemow/mailboxauth/internal/storage"
	"github.com/teemow/mailboxauth/internal/tokens"
)

// Manager lists, checks and disconnects connections.
type Manager struct {
	repo        storage.Repository
	provider    provider.Provider
	encryptor   *encryption.Encryptor
	coordinator *tokens.Coordinator
	logger      *slog.Logger

	now func() time.Time
}

// NewManager wires a Manager. logger may be nil.
func NewManager(repo storage.Repository, prov provider.Provider, enc *encryption.Encryptor, coord *tokens.Coordinator, logger *slog.Logger) (*Manager, error) {
	if repo == nil || prov == nil || enc == nil || coord == nil {
		return nil, errors.New("connection manager requires a repository, provider, encryptor and coordinator")
	}
	return &Manager{
		repo:        repo,
		provider:    prov,
		encryptor:   enc,
		coordinator: coord,
		logger:      logging.WithComponent(logger, "connections"),
		now:         storage.Now,
	}, nil
}

// ConnectionInfo is a connection without its token material.
type ConnectionInfo struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	AccountAddress string     `json:"gmail_address"`
	Scopes         []string   `json:"scopes"`
	IsActive       bool       `json:"is_active"`
	TokenExpiresAt time.Time  `json:"token_expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

// ListConnections returns the connections of externalUserID, or of every
// user when externalUserID is empty. An unknown user has no connections.
func (m *Manager) ListConnections(ctx context.Context, externalUserID string, includeInactive bool) ([]ConnectionInfo, error) {
	filter := storage.ConnectionFilter{IncludeInactive: includeInactive}
	users := make(map[string]string)

	if externalUserID != "" {
		user, err := m.repo.FindUserByExternalID(ctx, externalUserID)
		if errors.Is(err, storage.ErrUserNotFound) {
			return []ConnectionInfo{}, nil
		}
		if err != nil {
			return nil, err
		}
		filter.UserID = user.ID
		users[user.ID] = user.ExternalUserID
	}

	conns, err := m.repo.ListConnections(ctx, filter)
	if err != nil {
		return nil, err
	}

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		external, ok := users[conn.UserID]
		if !ok {
			user, err := m.repo.GetUser(ctx, conn.UserID)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve owner of connection %s: %w", conn.ID, err)
			}
			external = user.ExternalUserID
			users[conn.UserID] = external
		}
		infos = append(infos, ConnectionInfo{
			ID:             conn.ID,
			UserID:         external,
			AccountAddress: conn.AccountAddress,
			Scopes:         conn.Scopes,
			IsActive:       conn.IsActive,
			TokenExpiresAt: conn.TokenExpiresAt,
			CreatedAt:      conn.CreatedAt,
			LastUsedAt:     conn.LastUsedAt,
		})
	}
	return infos, nil
}

// ConnectionStatus is the result of CheckConnection.
type ConnectionStatus struct {
	ConnectionID   string   `json:"connection_id"`
	Valid          bool     `json:"valid"`
	AccountAddress string   `json:"gmail_address"`
	Scopes         []string `json:"scopes"`
	// ExpiresIn is the remaining access token lifetime in whole seconds.
	ExpiresIn   int64  `json:"token_expires_in"`
	NeedsReauth bool   `json:"needs_reauth"`
	Error       string `json:"error,omitempty"`
}

// CheckConnection obtains a valid token for the connection, refreshing it if
// needed, and reports the outcome. Token failures are reported in the
// status; only lookup failures are returned as errors.
func (m *Manager) CheckConnection(ctx context.Context, connectionID string) (*ConnectionStatus, error) {
	conn, err := m.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	status := &ConnectionStatus{
		ConnectionID:   conn.ID,
		AccountAddress: conn.AccountAddress,
		Scopes:         conn.Scopes,
	}

	tok, err := m.coordinator.GetValidToken(ctx, conn.ID)
	if err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			return nil, err
		}
		status.NeedsReauth = tokens.NeedsReauth(err)
		status.Error = err.Error()
		return status, nil
	}

	status.Valid = true
	status.ExpiresIn = int64(max(tok.ExpiresAt.Sub(m.now()), 0) / time.Second)
	return status, nil
}

// DisconnectOption customizes Disconnect.
type DisconnectOption func(*disconnectOptions)

type disconnectOptions struct {
	purge bool
}

// WithPurge deletes the connection instead of deactivating it.
func WithPurge() DisconnectOption {
	return func(o *disconnectOptions) { o.purge = true }
}

// DisconnectResult describes what Disconnect did.
type DisconnectResult struct {
	ConnectionID   string `json:"connection_id"`
	AccountAddress string `json:"gmail_address"`
	Revoked        bool   `json:"revoked"`
	RevokeError    string `json:"revoke_error,omitempty"`
	Purged         bool   `json:"purged"`
}

// Disconnect deactivates the connection, or deletes it with WithPurge.
// When revokeAtProvider is set the grant is revoked first; a failed
// revocation is logged and reported in the result but does not stop the
// local disconnect.
func (m *Manager) Disconnect(ctx context.Context, connectionID string, revokeAtProvider bool, opts ...DisconnectOption) (*DisconnectResult, error) {
	var o disconnectOptions
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := m.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	logger := m.logger.With(logging.ConnectionID(conn.ID), logging.AccountHash(conn.AccountAddress))

	result := &DisconnectResult{ConnectionID: conn.ID, AccountAddress: conn.AccountAddress}

	if revokeAtProvider {
		if err := m.revoke(ctx, conn); err != nil {
			result.RevokeError = err.Error()
			logger.Warn("provider revocation failed, disconnecting locally", logging.Err(err))
		} else {
			result.Revoked = true
		}
	}

	if o.purge {
		if err := m.repo.DeleteConnection(ctx, conn.ID); err != nil {
			return nil, err
		}
		result.Purged = true
	} else if err := m.repo.SetConnectionActive(ctx, conn.ID, false); err != nil {
		return nil, err
	}

	logger.Info("connection disconnected",
		slog.Bool("revoked", result.Revoked),
		slog.Bool("purged", result.Purged))
	return result, nil
}

// revoke revokes the refresh token, which ends the whole grant. Connections
// without one fall back to the access token.
func (m *Manager) revoke(ctx context.Context, conn *storage.Connection) error {
	sealed := conn.EncryptedRefreshToken
	if sealed == "" {
		sealed = conn.EncryptedAccessToken
	}
	token, err := m.encryptor.DecryptString(sealed)
	if err != nil {
		return err
	}
	return m.provider.Revoke(ctx, token)
}
