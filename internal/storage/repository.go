package storage

import (
	"context"
	"time"
)

// Repository is the persistence contract shared by all backends.
//
// Implementations assign IDs and timestamps when they are empty, return the
// sentinel errors of this package for expected outcomes and wrap everything
// else in *StorageError.
type Repository interface {
	// CreateUser inserts a user. It returns ErrUserExists when the external
	// id is taken.
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	FindUserByExternalID(ctx context.Context, externalUserID string) (*User, error)

	// CreateOrUpdateConnection inserts conn or, when a connection for the
	// same (UserID, AccountAddress) exists, replaces its tokens, expiry,
	// scopes and active flag in place. An empty EncryptedRefreshToken keeps
	// the stored one. The stored row is returned.
	CreateOrUpdateConnection(ctx context.Context, conn *Connection) (*Connection, error)
	GetConnection(ctx context.Context, id string) (*Connection, error)

	// UpdateConnectionTokens replaces the token fields in one atomic write.
	// An empty encryptedRefresh keeps the stored refresh token.
	UpdateConnectionTokens(ctx context.Context, id, encryptedAccess, encryptedRefresh string, expiresAt time.Time) error
	TouchConnection(ctx context.Context, id string, usedAt time.Time) error
	SetConnectionActive(ctx context.Context, id string, active bool) error
	DeleteConnection(ctx context.Context, id string) error
	ListConnections(ctx context.Context, filter ConnectionFilter) ([]*Connection, error)

	// CreateAuthorizationState persists a new state. It returns
	// ErrStateExists when the token is already live.
	CreateAuthorizationState(ctx context.Context, state *AuthorizationState) error

	// ConsumeAuthorizationState atomically deletes the state and returns it.
	// Concurrent callers for one token see exactly one success; the rest get
	// ErrStateNotFound. A state past its expiry is deleted and reported as
	// ErrStateExpired.
	ConsumeAuthorizationState(ctx context.Context, stateToken string, now time.Time) (*AuthorizationState, error)

	// PurgeExpiredStates deletes states expired at now and returns how many
	// were removed.
	PurgeExpiredStates(ctx context.Context, now time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
