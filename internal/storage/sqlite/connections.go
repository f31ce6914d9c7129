package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

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
	scopes, err := encodeScopes(conn.Scopes)
	if err != nil {
		return nil, storage.Wrap("upsert connection", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO mailbox_connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (user_id, account_address) DO UPDATE SET
			encrypted_access_token = excluded.encrypted_access_token,
			encrypted_refresh_token = CASE
				WHEN excluded.encrypted_refresh_token <> '' THEN excluded.encrypted_refresh_token
				ELSE mailbox_connections.encrypted_refresh_token
			END,
			token_expires_at = excluded.token_expires_at,
			scopes = excluded.scopes,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
		RETURNING `+connectionColumns,
		conn.ID, conn.UserID, conn.AccountAddress, conn.EncryptedAccessToken, conn.EncryptedRefreshToken,
		toMillis(conn.TokenExpiresAt), scopes, conn.IsActive, toMillis(now), toMillis(now))

	stored, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrConnectionNotFound
	}
	if err != nil {
		return nil, storage.Wrap("upsert connection", err)
	}
	return stored, nil
}

// GetConnection loads a connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (*storage.Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM mailbox_connections WHERE id = ?`, id)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrConnectionNotFound
	}
	if err != nil {
		return nil, storage.Wrap("get connection", err)
	}
	return conn, nil
}

// UpdateConnectionTokens replaces token fields in a single statement.
func (s *Store) UpdateConnectionTokens(ctx context.Context, id, encryptedAccess, encryptedRefresh string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailbox_connections SET
			encrypted_access_token = ?,
			encrypted_refresh_token = CASE WHEN ? <> '' THEN ? ELSE encrypted_refresh_token END,
			token_expires_at = ?,
			updated_at = ?
		WHERE id = ?`,
		encryptedAccess, encryptedRefresh, encryptedRefresh, toMillis(expiresAt), toMillis(storage.Now()), id)
	return s.expectOne("update connection tokens", res, err)
}

// TouchConnection records a use of the connection's access token.
func (s *Store) TouchConnection(ctx context.Context, id string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mailbox_connections SET last_used_at = ? WHERE id = ?`, toMillis(usedAt), id)
	return s.expectOne("touch connection", res, err)
}

// SetConnectionActive flips the active flag.
func (s *Store) SetConnectionActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mailbox_connections SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, toMillis(storage.Now()), id)
	return s.expectOne("set connection active", res, err)
}

// DeleteConnection removes the connection row.
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mailbox_connections WHERE id = ?`, id)
	return s.expectOne("delete connection", res, err)
}

// ListConnections returns connections matching filter ordered by creation.
func (s *Store) ListConnections(ctx context.Context, filter storage.ConnectionFilter) ([]*storage.Connection, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.AccountAddress != "" {
		where = append(where, "account_address = ?")
		args = append(args, filter.AccountAddress)
	}
	if !filter.IncludeInactive {
		where = append(where, "is_active = 1")
	}
	if !filter.ExpiresBefore.IsZero() {
		where = append(where, "token_expires_at < ?")
		args = append(args, toMillis(filter.ExpiresBefore))
	}

	query := `SELECT ` + connectionColumns + ` FROM mailbox_connections`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Wrap("list connections", err)
	}
	defer rows.Close()

	var out []*storage.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, storage.Wrap("list connections", err)
		}
		out = append(out, conn)
	}
	return out, storage.Wrap("list connections", rows.Err())
}

func (s *Store) expectOne(op string, res sql.Result, err error) error {
	if err != nil {
		return storage.Wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Wrap(op, err)
	}
	if n == 0 {
		return storage.ErrConnectionNotFound
	}
	return nil
}

func scanConnection(row scanner) (*storage.Connection, error) {
	var (
		conn      storage.Connection
		expiresAt int64
		scopesRaw string
		createdAt int64
		updatedAt int64
		lastUsed  sql.NullInt64
	)
	if err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.AccountAddress,
		&conn.EncryptedAccessToken,
		&conn.EncryptedRefreshToken,
		&expiresAt,
		&scopesRaw,
		&conn.IsActive,
		&createdAt,
		&updatedAt,
		&lastUsed,
	); err != nil {
		return nil, err
	}

	scopes, err := decodeScopes(scopesRaw)
	if err != nil {
		return nil, err
	}
	conn.Scopes = scopes
	conn.TokenExpiresAt = fromMillis(expiresAt)
	conn.CreatedAt = fromMillis(createdAt)
	conn.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		t := fromMillis(lastUsed.Int64)
		conn.LastUsedAt = &t
	}
	return &conn, nil
}
