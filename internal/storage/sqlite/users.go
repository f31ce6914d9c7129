package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/teemow/mailboxauth/internal/storage"
)

const userColumns = `id, external_user_id, email, created_at, updated_at`

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	if user.ID == "" {
		user.ID = storage.NewID()
	}
	now := storage.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.ExternalUserID, user.Email, toMillis(user.CreatedAt), toMillis(user.UpdatedAt))
	if isUniqueViolation(err) {
		return storage.ErrUserExists
	}
	return storage.Wrap("create user", err)
}

// GetUser loads a user by internal id.
func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return s.scanUser("get user", row)
}

// FindUserByExternalID loads a user by the caller-supplied id.
func (s *Store) FindUserByExternalID(ctx context.Context, externalUserID string) (*storage.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_user_id = ?`, externalUserID)
	return s.scanUser("find user", row)
}

func (s *Store) scanUser(op string, row scanner) (*storage.User, error) {
	var (
		user      storage.User
		email     sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&user.ID, &user.ExternalUserID, &email, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, storage.Wrap(op, err)
	}
	if email.Valid {
		user.Email = &email.String
	}
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return &user, nil
}
