// Package providertest provides an in-memory provider.Provider for tests.
package providertest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teemow/mailboxauth/internal/provider"
)

// Fake is a scriptable provider.Provider that counts every call.
//
// By default Exchange and Refresh succeed with numbered tokens that live for
// Lifetime. Set the *Func fields to script failures.
type Fake struct {
	// Lifetime is reported as expires_in. Defaults to one hour.
	Lifetime time.Duration

	// Account is returned by Identity. Defaults to "user@example.com".
	Account string

	// RefreshDelay blocks each Refresh call, simulating network latency.
	RefreshDelay time.Duration

	ExchangeFunc func(ctx context.Context, code, verifier, redirectURI string) (*provider.Grant, error)
	RefreshFunc  func(ctx context.Context, refreshToken string) (*provider.Grant, error)
	RevokeFunc   func(ctx context.Context, token string) error
	IdentityFunc func(ctx context.Context, accessToken string) (*provider.Identity, error)

	ExchangeCalls atomic.Int32
	RefreshCalls  atomic.Int32
	RevokeCalls   atomic.Int32
	IdentityCalls atomic.Int32

	seq atomic.Int64

	mu      sync.Mutex
	revoked []string
}

var _ provider.Provider = (*Fake)(nil)

func (f *Fake) lifetime() time.Duration {
	if f.Lifetime == 0 {
		return time.Hour
	}
	return f.Lifetime
}

// AuthCodeURL returns a URL carrying every parameter for inspection.
func (f *Fake) AuthCodeURL(state, challenge, redirectURI string, scopes []string) string {
	q := url.Values{
		"client_id":             {"fake-client"},
		"response_type":         {"code"},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"redirect_uri":          {redirectURI},
		"scope":                 {strings.Join(scopes, " ")},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
	}
	return "https://provider.test/auth?" + q.Encode()
}

// Exchange returns fresh tokens unless ExchangeFunc says otherwise.
func (f *Fake) Exchange(ctx context.Context, code, verifier, redirectURI string) (*provider.Grant, error) {
	f.ExchangeCalls.Add(1)
	if f.ExchangeFunc != nil {
		return f.ExchangeFunc(ctx, code, verifier, redirectURI)
	}
	n := f.seq.Add(1)
	return &provider.Grant{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		ExpiresIn:    f.lifetime(),
	}, nil
}

// Refresh returns a new access token unless RefreshFunc says otherwise.
func (f *Fake) Refresh(ctx context.Context, refreshToken string) (*provider.Grant, error) {
	f.RefreshCalls.Add(1)
	if f.RefreshDelay > 0 {
		select {
		case <-time.After(f.RefreshDelay):
		case <-ctx.Done():
			return nil, &provider.Error{Op: "refresh", Kind: provider.ErrTransient, Err: ctx.Err()}
		}
	}
	if f.RefreshFunc != nil {
		return f.RefreshFunc(ctx, refreshToken)
	}
	n := f.seq.Add(1)
	return &provider.Grant{
		AccessToken: fmt.Sprintf("refreshed-%d", n),
		ExpiresIn:   f.lifetime(),
	}, nil
}

// Revoke records the token.
func (f *Fake) Revoke(ctx context.Context, token string) error {
	f.RevokeCalls.Add(1)
	if f.RevokeFunc != nil {
		if err := f.RevokeFunc(ctx, token); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.revoked = append(f.revoked, token)
	f.mu.Unlock()
	return nil
}

// Revoked returns every token passed to a successful Revoke.
func (f *Fake) Revoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

// Identity returns Account.
func (f *Fake) Identity(ctx context.Context, accessToken string) (*provider.Identity, error) {
	f.IdentityCalls.Add(1)
	if f.IdentityFunc != nil {
		return f.IdentityFunc(ctx, accessToken)
	}
	account := f.Account
	if account == "" {
		account = "user@example.com"
	}
	return &provider.Identity{AccountAddress: account}, nil
}

// InvalidGrant returns the error a provider reports for a revoked token.
func InvalidGrant(op string) error {
	return &provider.Error{Op: op, Kind: provider.ErrInvalidGrant, Code: "invalid_grant", Status: 400}
}

// Transient returns a retryable provider error.
func Transient(op string) error {
	return &provider.Error{Op: op, Kind: provider.ErrTransient, Status: 503}
}
