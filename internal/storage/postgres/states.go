package postgres

import (
	"context"
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
	scopes := state.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	_, err := s.exec(ctx,
		`INSERT INTO oauth_states (`+stateColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		state.ID, state.StateToken, state.UserID, scopes, state.RedirectURI, state.CodeVerifier,
		state.ExpiresAt.UTC(), state.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return storage.ErrStateExists
	}
	return storage.Wrap("create state", err)
}

// ConsumeAuthorizationState deletes the state row and returns it. Under
// concurrent deletes of one row PostgreSQL lets exactly one statement return
// it; the others affect zero rows.
func (s *Store) ConsumeAuthorizationState(ctx context.Context, stateToken string, now time.Time) (*storage.AuthorizationState, error) {
	var state storage.AuthorizationState
	err := s.get(ctx, &state,
		`DELETE FROM oauth_states WHERE state_token = $1 RETURNING `+stateColumns, stateToken)
	if isNoRows(err) {
		return nil, storage.ErrStateNotFound
	}
	if err != nil {
		return nil, storage.Wrap("consume state", err)
	}

	state.ExpiresAt = state.ExpiresAt.UTC()
	state.CreatedAt = state.CreatedAt.UTC()
	if state.IsExpired(now) {
		return nil, storage.ErrStateExpired
	}
	return &state, nil
}

// PurgeExpiredStates deletes every state expired at now.
func (s *Store) PurgeExpiredStates(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.exec(ctx, `DELETE FROM oauth_states WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, storage.Wrap("purge states", err)
	}
	return tag.RowsAffected(), nil
}
