package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/teemow/mailboxauth/internal/storage"
)

const stateColumns = `id, state_token, user_id, scopes, redirect_uri, code_verifier, expires_at, created_at`

// CreateAuthorizationState persists a new one-time state.
func (s *Store) CreateAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	if state.ID == "" {
		state.ID = storage.NewID()
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = storage.Now()
	}
	scopes, err := encodeScopes(state.Scopes)
	if err != nil {
		return storage.Wrap("create state", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO oauth_states (`+stateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ID, state.StateToken, state.UserID, scopes, state.RedirectURI, state.CodeVerifier,
		toMillis(state.ExpiresAt), toMillis(state.CreatedAt))
	if isUniqueViolation(err) {
		return storage.ErrStateExists
	}
	return storage.Wrap("create state", err)
}

// ConsumeAuthorizationState deletes the state row and returns it. The
// DELETE ... RETURNING statement is the single point of arbitration between
// concurrent callers.
func (s *Store) ConsumeAuthorizationState(ctx context.Context, stateToken string, now time.Time) (*storage.AuthorizationState, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM oauth_states WHERE state_token = ? RETURNING `+stateColumns, stateToken)

	var (
		state     storage.AuthorizationState
		scopesRaw string
		expiresAt int64
		createdAt int64
	)
	err := row.Scan(&state.ID, &state.StateToken, &state.UserID, &scopesRaw,
		&state.RedirectURI, &state.CodeVerifier, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrStateNotFound
	}
	if err != nil {
		return nil, storage.Wrap("consume state", err)
	}

	if state.Scopes, err = decodeScopes(scopesRaw); err != nil {
		return nil, storage.Wrap("consume state", err)
	}
	state.ExpiresAt = fromMillis(expiresAt)
	state.CreatedAt = fromMillis(createdAt)

	if state.IsExpired(now) {
		return nil, storage.ErrStateExpired
	}
	return &state, nil
}

// PurgeExpiredStates deletes every state expired at now.
func (s *Store) PurgeExpiredStates(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, storage.Wrap("purge states", err)
	}
	n, err := res.RowsAffected()
	return n, storage.Wrap("purge states", err)
}
