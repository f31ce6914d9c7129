// Package provider defines the OAuth provider collaborator used by the flow
// controller, the refresh coordinator and the lifecycle manager.
//
// Implementations translate provider responses into the typed outcomes of
// this package so callers can decide between retrying, deactivating a
// connection and giving up.
package provider

import (
	"context"
	"time"
)

// Provider is an OAuth 2.0 authorization server that issues mailbox
// credentials.
type Provider interface {
	// AuthCodeURL builds the consent URL for one authorization attempt.
	// challenge is the S256 PKCE challenge of the attempt's verifier.
	AuthCodeURL(state, challenge, redirectURI string, scopes []string) string

	// Exchange trades an authorization code and its PKCE verifier for tokens.
	Exchange(ctx context.Context, code, verifier, redirectURI string) (*Grant, error)

	// Refresh obtains a new access token. Grant.RefreshToken is empty unless
	// the provider rotated the refresh token.
	Refresh(ctx context.Context, refreshToken string) (*Grant, error)

	// Revoke invalidates a token at the provider.
	Revoke(ctx context.Context, token string) error

	// Identity returns the mailbox account the access token belongs to.
	Identity(ctx context.Context, accessToken string) (*Identity, error)
}

// Grant is the result of a successful token request.
type Grant struct {
	AccessToken  string
	RefreshToken string

	// ExpiresIn is the lifetime the provider reported for AccessToken.
	ExpiresIn time.Duration

	// Scopes are the scopes actually granted, when the provider reports them.
	Scopes []string
}

// ExpiresAt returns the absolute expiry of the access token relative to now.
func (g *Grant) ExpiresAt(now time.Time) time.Time {
	return now.Add(g.ExpiresIn)
}

// Identity identifies the account behind an access token.
type Identity struct {
	AccountAddress string
}
