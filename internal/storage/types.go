package storage

import "time"

// User is an application user identified by a caller-supplied external id.
type User struct {
	ID             string    `db:"id"`
	ExternalUserID string    `db:"external_user_id"`
	Email          *string   `db:"email"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Connection links a User to one mailbox account and holds its encrypted
// OAuth tokens.
type Connection struct {
	ID                    string     `db:"id"`
	UserID                string     `db:"user_id"`
	AccountAddress        string     `db:"account_address"`
	EncryptedAccessToken  string     `db:"encrypted_access_token"`
	EncryptedRefreshToken string     `db:"encrypted_refresh_token"`
	TokenExpiresAt        time.Time  `db:"token_expires_at"`
	Scopes                []string   `db:"scopes"`
	IsActive              bool       `db:"is_active"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
	LastUsedAt            *time.Time `db:"last_used_at"`
}

// HasRefreshToken reports whether the connection can be refreshed without
// user interaction.
func (c *Connection) HasRefreshToken() bool {
	return c.EncryptedRefreshToken != ""
}

// AuthorizationState correlates an authorization request with its callback.
// It is single use and expires at ExpiresAt.
type AuthorizationState struct {
	ID           string    `db:"id"`
	StateToken   string    `db:"state_token"`
	UserID       string    `db:"user_id"`
	Scopes       []string  `db:"scopes"`
	RedirectURI  string    `db:"redirect_uri"`
	CodeVerifier string    `db:"code_verifier"`
	ExpiresAt    time.Time `db:"expires_at"`
	CreatedAt    time.Time `db:"created_at"`
}

// IsExpired reports whether the state can no longer be consumed at now.
// A state is expired from the instant ExpiresAt is reached.
func (s *AuthorizationState) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ConnectionFilter narrows ListConnections. Zero values do not filter.
type ConnectionFilter struct {
	// UserID restricts results to one user's connections.
	UserID string

	// AccountAddress restricts results to one mailbox address.
	AccountAddress string

	// IncludeInactive also returns deactivated connections.
	IncludeInactive bool

	// ExpiresBefore restricts results to connections whose access token
	// expires strictly before the given instant.
	ExpiresBefore time.Time
}
