package postgres

import (
	"context"

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

	_, err := s.exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.ExternalUserID, user.Email, user.CreatedAt, user.UpdatedAt)
	if isUniqueViolation(err) {
		return storage.ErrUserExists
	}
	return storage.Wrap("create user", err)
}

// GetUser loads a user by internal id.
func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	return s.getUser(ctx, "get user", `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// FindUserByExternalID loads a user by the caller-supplied id.
func (s *Store) FindUserByExternalID(ctx context.Context, externalUserID string) (*storage.User, error) {
	return s.getUser(ctx, "find user", `SELECT `+userColumns+` FROM users WHERE external_user_id = $1`, externalUserID)
}

func (s *Store) getUser(ctx context.Context, op, query string, args ...any) (*storage.User, error) {
	var user storage.User
	err := s.get(ctx, &user, query, args...)
	if isNoRows(err) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, storage.Wrap(op, err)
	}
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return &user, nil
}
