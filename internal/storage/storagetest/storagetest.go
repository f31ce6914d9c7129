// Package storagetest provides the conformance suite every
// storage.Repository implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/mailboxauth/internal/storage"
)

// Factory returns an empty, migrated repository. The suite closes it.
type Factory func(t *testing.T) storage.Repository

// Run executes the conformance suite against repositories from newRepo.
func Run(t *testing.T, newRepo Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, repo storage.Repository)
	}{
		{"Users", testUsers},
		{"EnsureUser", testEnsureUser},
		{"UpsertConnection", testUpsertConnection},
		{"UpsertKeepsRefreshToken", testUpsertKeepsRefreshToken},
		{"GetConnectionNotFound", testGetConnectionNotFound},
		{"UpdateConnectionTokens", testUpdateConnectionTokens},
		{"UpdateConnectionTokensAtomic", testUpdateConnectionTokensAtomic},
		{"ActiveFlagAndListing", testActiveFlagAndListing},
		{"ListExpiring", testListExpiring},
		{"TouchAndDelete", testTouchAndDelete},
		{"StateLifecycle", testStateLifecycle},
		{"StateExpired", testStateExpired},
		{"StateConsumeExactlyOnce", testStateConsumeExactlyOnce},
		{"PurgeExpiredStates", testPurgeExpiredStates},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newRepo(t)
			t.Cleanup(func() { _ = repo.Close() })
			tt.fn(t, repo)
		})
	}
}

func mustUser(t *testing.T, repo storage.Repository, externalID string) *storage.User {
	t.Helper()
	user, err := storage.EnsureUser(context.Background(), repo, externalID)
	require.NoError(t, err)
	return user
}

func mustConnection(t *testing.T, repo storage.Repository, userID, address string, expiresAt time.Time) *storage.Connection {
	t.Helper()
	conn, err := repo.CreateOrUpdateConnection(context.Background(), &storage.Connection{
		UserID:                userID,
		AccountAddress:        address,
		EncryptedAccessToken:  "enc-access-" + address,
		EncryptedRefreshToken: "enc-refresh-" + address,
		TokenExpiresAt:        expiresAt,
		Scopes:                []string{"https://www.googleapis.com/auth/gmail.readonly"},
		IsActive:              true,
	})
	require.NoError(t, err)
	return conn
}

func testUsers(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	email := "jane@example.com"

	user := &storage.User{ExternalUserID: "ext-1", Email: &email}
	require.NoError(t, repo.CreateUser(ctx, user))
	assert.NotEmpty(t, user.ID)

	found, err := repo.FindUserByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)
	require.NotNil(t, found.Email)
	assert.Equal(t, email, *found.Email)

	byID, err := repo.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", byID.ExternalUserID)

	err = repo.CreateUser(ctx, &storage.User{ExternalUserID: "ext-1"})
	assert.ErrorIs(t, err, storage.ErrUserExists)

	_, err = repo.FindUserByExternalID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)

	_, err = repo.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func testEnsureUser(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	first, err := storage.EnsureUser(ctx, repo, "ext-2")
	require.NoError(t, err)
	second, err := storage.EnsureUser(ctx, repo, "ext-2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var (
		wg  sync.WaitGroup
		ids sync.Map
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := storage.EnsureUser(ctx, repo, "ext-race")
			if assert.NoError(t, err) {
				ids.Store(u.ID, true)
			}
		}()
	}
	wg.Wait()

	count := 0
	ids.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 1, count, "concurrent EnsureUser must converge on one user")
}

func testUpsertConnection(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	user := mustUser(t, repo, "ext-upsert")
	expires := storage.Now().Add(time.Hour)

	created := mustConnection(t, repo, user.ID, "jane@example.com", expires)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.IsActive)
	assert.WithinDuration(t, expires, created.TokenExpiresAt, time.Millisecond)
	assert.Nil(t, created.LastUsedAt)

	require.NoError(t, repo.SetConnectionActive(ctx, created.ID, false))

	newExpiry := expires.Add(time.Hour)
	updated, err := repo.CreateOrUpdateConnection(ctx, &storage.Connection{
		UserID:                user.ID,
		AccountAddress:        "jane@example.com",
		EncryptedAccessToken:  "enc-access-2",
		EncryptedRefreshToken: "enc-refresh-2",
		TokenExpiresAt:        newExpiry,
		Scopes:                []string{"a", "b"},
		IsActive:              true,
	})
	require.NoError(t, err)

	assert.Equal(t, created.ID, updated.ID, "upsert must keep the existing row")
	assert.Equal(t, "enc-access-2", updated.EncryptedAccessToken)
	assert.Equal(t, "enc-refresh-2", updated.EncryptedRefreshToken)
	assert.Equal(t, []string{"a", "b"}, updated.Scopes)
	assert.True(t, updated.IsActive)
	assert.WithinDuration(t, newExpiry, updated.TokenExpiresAt, time.Millisecond)

	all, err := repo.ListConnections(ctx, storage.ConnectionFilter{UserID: user.ID, IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	other := mustConnection(t, repo, user.ID, "work@example.com", expires)
	assert.NotEqual(t, created.ID, other.ID)
}

func testUpsertKeepsRefreshToken(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	user := mustUser(t, repo, "ext-keep")
	conn := mustConnection(t, repo, user.ID, "jane@example.com", storage.Now().Add(time.Hour))

	updated, err := repo.CreateOrUpdateConnection(ctx, &storage.Connection{
		UserID:               user.ID,
		AccountAddress:       "jane@example.com",
		EncryptedAccessToken: "enc-access-2",
		TokenExpiresAt:       storage.Now().Add(time.Hour),
		IsActive:             true,
	})
	require.NoError(t, err)
	assert.Equal(t, conn.EncryptedRefreshToken, updated.EncryptedRefreshToken)
	assert.Empty(t, updated.Scopes)
}

func testGetConnectionNotFound(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	_, err := repo.GetConnection(ctx, storage.NewID())
	assert.ErrorIs(t, err, storage.ErrConnectionNotFound)

	err = repo.UpdateConnectionTokens(ctx, storage.NewID(), "a", "r", storage.Now())
	assert.ErrorIs(t, err, storage.ErrConnectionNotFound)

	err = repo.SetConnectionActive(ctx, storage.NewID(), false)
	assert.ErrorIs(t, err, storage.ErrConnectionNotFound)

	err = repo.DeleteConnection(ctx, storage.NewID())
	assert.ErrorIs(t, err, storage.ErrConnectionNotFound)
}

func testUpdateConnectionTokens(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	user := mustUser(t, repo, "ext-tokens")
	conn := mustConnection(t, repo, user.ID, "jane@example.com", storage.Now())

	expires := storage.Now().Add(time.Hour)
	require.NoError(t, repo.UpdateConnectionTokens(ctx, conn.ID, "new-access", "new-refresh", expires))

	got, err := repo.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.EncryptedAccessToken)
	assert.Equal(t, "new-refresh", got.EncryptedRefreshToken)
	assert.WithinDuration(t, expires, got.TokenExpiresAt, time.Millisecond)

	// No rotation: the stored refresh token survives.
	require.NoError(t, repo.UpdateConnectionTokens(ctx, conn.ID, "newer-access", "", expires.Add(time.Hour)))
	got, err = repo.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "newer-access", got.EncryptedAccessToken)
	assert.Equal(t, "new-refresh", got.EncryptedRefreshToken)
}

func testUpdateConnectionTokensAtomic(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	user := mustUser(t, repo, "ext-atomic")
	conn := mustConnection(t, repo, user.ID, "jane@example.com", storage.Now())

	base := storage.Now().Add(time.Hour)
	const writers = 16

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.UpdateConnectionTokens(ctx, conn.ID,
				fmt.Sprintf("access-%d", i), fmt.Sprintf("refresh-%d", i),
				base.Add(time.Duration(i)*time.Second))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := repo.GetConnection(ctx, conn.ID)
	require.NoError(t, err)

	var winner int
	_, err = fmt.Sscanf(got.EncryptedAccessToken, "access-%d", &winner)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("refresh-%d", winner), got.EncryptedRefreshToken)
	assert.WithinDuration(t, base.Add(time.Duration(winner)*time.Second), got.TokenExpiresAt, time.Millisecond)
}

func testActiveFlagAndListing(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	alice := mustUser(t, repo, "alice")
	bob := mustUser(t, repo, "bob")
	expires := storage.Now().Add(time.Hour)

	a1 := mustConnection(t, repo, alice.ID, "alice@example.com", expires)
	a2 := mustConnection(t, repo, alice.ID, "alice@work.example.com", expires)
	mustConnection(t, repo, bob.ID, "bob@example.com", expires)

	require.NoError(t, repo.SetConnectionActive(ctx, a2.ID, false))

	got, err := repo.GetConnection(ctx, a2.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	active, err := repo.ListConnections(ctx, storage.ConnectionFilter{UserID: alice.ID})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a1.ID, active[0].ID)

	all, err := repo.ListConnections(ctx, storage.ConnectionFilter{UserID: alice.ID, IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	everyone, err := repo.ListConnections(ctx, storage.ConnectionFilter{IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, everyone, 3)

	byAddress, err := repo.ListConnections(ctx, storage.ConnectionFilter{AccountAddress: "bob@example.com"})
	require.NoError(t, err)
	require.Len(t, byAddress, 1)
	assert.Equal(t, bob.ID, byAddress[0].UserID)
}

func testListExpiring(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	user := mustUser(t, repo, "ext-expiring")
	now := storage.Now()

	soon := mustConnection(t, repo, user.ID, "soon@example.com", now.Add(time.Minute))
	mustConnection(t, repo, user.ID, "later@example.com", now.Add(time.Hour))
	dead := mustConnection(t, repo, user.ID, "dead@example.com", now.Add(time.Minute))
	require.NoError(t, repo.SetConnectionActive(ctx, dead.ID, false))

	expiring, err := repo.ListConnections(ctx, storage.ConnectionFilter{ExpiresBefore: now.Add(5 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, soon.ID, expiring[0].ID)
}

func testTouchAndDelete(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	user := mustUser(t, repo, "ext-touch")
	conn := mustConnection(t, repo, user.ID, "jane@example.com", storage.Now().Add(time.Hour))

	usedAt := storage.Now()
	require.NoError(t, repo.TouchConnection(ctx, conn.ID, usedAt))

	got, err := repo.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.WithinDuration(t, usedAt, *got.LastUsedAt, time.Millisecond)

	require.NoError(t, repo.DeleteConnection(ctx, conn.ID))
	_, err = repo.GetConnection(ctx, conn.ID)
	assert.ErrorIs(t, err, storage.ErrConnectionNotFound)
}

func newState(userID, token string, expiresAt time.Time) *storage.AuthorizationState {
	return &storage.AuthorizationState{
		StateToken:   token,
		UserID:       userID,
		Scopes:       []string{"openid", "email"},
		RedirectURI:  "http://localhost:8080/oauth/callback",
		CodeVerifier: "verifier-" + token,
		ExpiresAt:    expiresAt,
	}
}

func testStateLifecycle(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	user := mustUser(t, repo, "ext-state")
	now := storage.Now()

	state := newState(user.ID, "state-1", now.Add(10*time.Minute))
	require.NoError(t, repo.CreateAuthorizationState(ctx, state))
	assert.NotEmpty(t, state.ID)

	err := repo.CreateAuthorizationState(ctx, newState(user.ID, "state-1", now.Add(10*time.Minute)))
	assert.ErrorIs(t, err, storage.ErrStateExists)

	consumed, err := repo.ConsumeAuthorizationState(ctx, "state-1", now)
	require.NoError(t, err)
	assert.Equal(t, state.ID, consumed.ID)
	assert.Equal(t, user.ID, consumed.UserID)
	assert.Equal(t, []string{"openid", "email"}, consumed.Scopes)
	assert.Equal(t, "http://localhost:8080/oauth/callback", consumed.RedirectURI)
	assert.Equal(t, "verifier-state-1", consumed.CodeVerifier)

	_, err = repo.ConsumeAuthorizationState(ctx, "state-1", now)
	assert.ErrorIs(t, err, storage.ErrStateNotFound, "a consumed state must be unobservable")

	_, err = repo.ConsumeAuthorizationState(ctx, "never-issued", now)
	assert.ErrorIs(t, err, storage.ErrStateNotFound)
}

func testStateExpired(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	user := mustUser(t, repo, "ext-expired")
	issued := storage.Now()

	require.NoError(t, repo.CreateAuthorizationState(ctx, newState(user.ID, "state-ttl", issued.Add(600*time.Second))))

	_, err := repo.ConsumeAuthorizationState(ctx, "state-ttl", issued.Add(601*time.Second))
	assert.ErrorIs(t, err, storage.ErrStateExpired)

	_, err = repo.ConsumeAuthorizationState(ctx, "state-ttl", issued)
	assert.ErrorIs(t, err, storage.ErrStateNotFound, "an expired state is removed when consumed")
}

func testStateConsumeExactlyOnce(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	user := mustUser(t, repo, "ext-race")
	now := storage.Now()

	require.NoError(t, repo.CreateAuthorizationState(ctx, newState(user.ID, "state-race", now.Add(time.Minute))))

	const callers = 24
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		successes atomic.Int32
		notFound  atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := repo.ConsumeAuthorizationState(ctx, "state-race", now)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, storage.ErrStateNotFound):
				notFound.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(callers-1), notFound.Load())
}

func testPurgeExpiredStates(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	user := mustUser(t, repo, "ext-purge")
	now := storage.Now()

	require.NoError(t, repo.CreateAuthorizationState(ctx, newState(user.ID, "old-1", now.Add(-time.Minute))))
	require.NoError(t, repo.CreateAuthorizationState(ctx, newState(user.ID, "old-2", now.Add(-time.Second))))
	require.NoError(t, repo.CreateAuthorizationState(ctx, newState(user.ID, "live", now.Add(time.Minute))))

	n, err := repo.PurgeExpiredStates(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = repo.ConsumeAuthorizationState(ctx, "old-1", now.Add(-time.Hour))
	assert.ErrorIs(t, err, storage.ErrStateNotFound)

	_, err = repo.ConsumeAuthorizationState(ctx, "live", now)
	assert.NoError(t, err)
}
