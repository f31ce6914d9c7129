package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/teemow/mailboxauth/internal/storage"
)

const connectionColumns = `id, user_id, account_address, encrypted_access_token, encrypted_refresh_token,
	token_expires_at, scopes, is_active, created_at, updated_at, last_used_at`

// CreateOrUpdateConnection upserts on (user_id, account_address).
func (s *Store) CreateOrUpdateConnection(ctx context.Context, conn *storage.Connection) (*storage.Connection, error) {
	if conn.ID == "" {
		conn.ID = storage.NewID()
	}
	now := storage.Now()
	scopes := conn.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	var stored storage.Connection
	err := s.get(ctx, &stored, `
		INSERT INTO mailbox_connections (`+connectionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, NULL)
		ON CONFLICT (user_id, account_address) DO UPDATE SET
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			encrypted_refresh_token = CASE
				WHEN EXCLUDED.encrypted_refresh_token <> '' THEN EXCLUDED.encrypted_refresh_token
				ELSE mailbox_connections.encrypted_refresh_token
			END,
			token_expires_at = EXCLUDED.token_expires_at,
			scopes = EXCLUDED.scopes,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
		RETURNING `+connectionColumns,
		conn.ID, conn.UserID, conn.AccountAddress, conn.EncryptedAccessToken, conn.EncryptedRefreshToken,
		conn.TokenExpiresAt.UTC(), scopes, conn.IsActive, now)
	if err != nil {
		return nil, storage.Wrap("upsert connection", err)
	}
	return normalizeConnection(&stored), nil
}

// GetConnection loads a connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (*storage.Connection, error) {
	var conn storage.Connection
	err := s.get(ctx, &conn, `SELECT `+connectionColumns+` FROM mailbox_connections WHERE id = $1`, id)
	if isNoRows(err) {
		return nil, storage.ErrConnectionNotFound
	}
	if err != nil {
		return nil, storage.Wrap("get connection", err)
	}
	return normalizeConnection(&conn), nil
}

// UpdateConnectionTokens replaces token fields in a single statement.
func (s *Store) UpdateConnectionTokens(ctx context.Context, id, encryptedAccess, encryptedRefresh string, expiresAt time.Time) error {
	tag, err := s.exec(ctx, `
		UPDATE mailbox_connections SET
			encrypted_access_token = $2,
			encrypted_refresh_token = CASE WHEN $3 <> '' THEN $3 ELSE encrypted_refresh_token END,
			token_expires_at = $4,
			updated_at = $5
		WHERE id = $1`,
		id, encryptedAccess, encryptedRefresh, expiresAt.UTC(), storage.Now())
	return expectOne("update connection tokens", tag, err)
}

// TouchConnection records a use of the connection's access token.
func (s *Store) TouchConnection(ctx context.Context, id string, usedAt time.Time) error {
	tag, err := s.exec(ctx, `UPDATE mailbox_connections SET last_used_at = $2 WHERE id = $1`, id, usedAt.UTC())
	return expectOne("touch connection", tag, err)
}

// SetConnectionActive flips the active flag.
func (s *Store) SetConnectionActive(ctx context.Context, id string, active bool) error {
	tag, err := s.exec(ctx,
		`UPDATE mailbox_connections SET is_active = $2, updated_at = $3 WHERE id = $1`,
		id, active, storage.Now())
	return expectOne("set connection active", tag, err)
}

// DeleteConnection removes the connection row.
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	tag, err := s.exec(ctx, `DELETE FROM mailbox_connections WHERE id = $1`, id)
	return expectOne("delete connection", tag, err)
}

// ListConnections returns connections matching filter ordered by creation.
func (s *Store) ListConnections(ctx context.Context, filter storage.ConnectionFilter) ([]*storage.Connection, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != "" {
		where = append(where, "user_id = "+arg(filter.UserID))
	}
	if filter.AccountAddress != "" {
		where = append(where, "account_address = "+arg(filter.AccountAddress))
	}
	if !filter.IncludeInactive {
		where = append(where, "is_active")
	}
	if !filter.ExpiresBefore.IsZero() {
		where = append(where, "token_expires_at < "+arg(filter.ExpiresBefore.UTC()))
	}

	query := `SELECT ` + connectionColumns + ` FROM mailbox_connections`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	var conns []*storage.Connection
	if err := s.selectAll(ctx, &conns, query, args...); err != nil {
		return nil, storage.Wrap("list connections", err)
	}
	for _, c := range conns {
		normalizeConnection(c)
	}
	return conns, nil
}

func expectOne(op string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return storage.Wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConnectionNotFound
	}
	return nil
}

func normalizeConnection(c *storage.Connection) *storage.Connection {
	c.TokenExpiresAt = c.TokenExpiresAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if c.LastUsedAt != nil {
		t := c.LastUsedAt.UTC()
		c.LastUsedAt = &t
	}
	if c.Scopes == nil {
		c.Scopes = []string{}
	}
	return c
}
