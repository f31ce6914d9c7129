package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/mailboxauth/internal/encryption"
	"github.com/teemow/mailboxauth/internal/provider"
	"github.com/teemow/mailboxauth/internal/provider/providertest"
	"github.com/teemow/mailboxauth/internal/storage"
	"github.com/teemow/mailboxauth/internal/storage/sqlite"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	coord *Coordinator
	repo  storage.Repository
	fake  *providertest.Fake
	enc   *encryption.Encryptor
	user  *storage.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	repo, err := sqlite.Open(ctx, sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	enc, err := encryption.New(key)
	require.NoError(t, err)

	fake := &providertest.Fake{}
	coord, err := NewCoordinator(repo, fake, enc, Config{RetryInitialInterval: time.Millisecond}, nil, nil)
	require.NoError(t, err)
	coord.now = func() time.Time { return testNow }

	user, err := storage.EnsureUser(ctx, repo, "user-1")
	require.NoError(t, err)

	return &testEnv{coord: coord, repo: repo, fake: fake, enc: enc, user: user}
}

// connect stores an active connection whose access token expires at expiresAt.
func (e *testEnv) connect(t *testing.T, account string, expiresAt time.Time) *storage.Connection {
	t.Helper()

	access, err := e.enc.EncryptString("stored-access-" + account)
	require.NoError(t, err)
	refresh, err := e.enc.EncryptString("stored-refresh-" + account)
	require.NoError(t, err)

	conn, err := e.repo.CreateOrUpdateConnection(context.Background(), &storage.Connection{
		UserID:                e.user.ID,
		AccountAddress:        account,
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		TokenExpiresAt:        expiresAt,
		Scopes:                []string{"scope.a"},
		IsActive:              true,
	})
	require.NoError(t, err)
	return conn
}

func (e *testEnv) reload(t *testing.T, id string) *storage.Connection {
	t.Helper()
	conn, err := e.repo.GetConnection(context.Background(), id)
	require.NoError(t, err)
	return conn
}

func TestGetValidToken_FreshTokenMakesNoProviderCall(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "a@example.com", testNow.Add(time.Hour))

	tok, err := env.coord.GetValidToken(context.Background(), conn.ID)
	require.NoError(t, err)

	assert.Equal(t, "stored-access-a@example.com", tok.AccessToken)
	assert.Equal(t, conn.TokenExpiresAt, tok.ExpiresAt)
	assert.Equal(t, "a@example.com", tok.AccountAddress)
	assert.Zero(t, env.fake.RefreshCalls.Load())

	reloaded := env.reload(t, conn.ID)
	require.NotNil(t, reloaded.LastUsedAt)
	assert.Equal(t, testNow, *reloaded.LastUsedAt)
}

func TestGetValidToken_RefreshBoundary(t *testing.T) {
	tests := []struct {
		name        string
		untilExpiry time.Duration
		wantCalls   int32
	}{
		{name: "well within lifetime", untilExpiry: time.Hour, wantCalls: 0},
		{name: "just outside buffer", untilExpiry: DefaultRefreshBuffer + time.Millisecond, wantCalls: 0},
		{name: "exactly at buffer", untilExpiry: DefaultRefreshBuffer, wantCalls: 1},
		{name: "inside buffer", untilExpiry: time.Minute, wantCalls: 1},
		{name: "already expired", untilExpiry: -time.Hour, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			conn := env.connect(t, "a@example.com", testNow.Add(tt.untilExpiry))

			_, err := env.coord.GetValidAccessToken(context.Background(), conn.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls, env.fake.RefreshCalls.Load())
		})
	}
}

func TestGetValidToken_RefreshPersistsBeforeReturning(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "a@example.com", testNow.Add(-time.Minute))

	tok, err := env.coord.GetValidToken(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", tok.AccessToken)
	assert.Equal(t, testNow.Add(time.Hour), tok.ExpiresAt)

	reloaded := env.reload(t, conn.ID)
	access, err := env.enc.DecryptString(reloaded.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", access)
	assert.Equal(t, testNow.Add(time.Hour), reloaded.TokenExpiresAt)

	// No rotation: the original refresh token is kept.
	refresh, err := env.enc.DecryptString(reloaded.EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "stored-refresh-a@example.com", refresh)
}

func TestGetValidToken_RotatedRefreshTokenIsStored(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "a@example.com", testNow.Add(-time.Minute))

	env.fake.RefreshFunc = func(_ context.Context, refreshToken string) (*provider.Grant, error) {
		assert.Equal(t, "stored-refresh-a@example.com", refreshToken)
		return &provider.Grant{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: time.Hour}, nil
	}

	_, err := env.coord.GetValidToken(context.Background(), conn.ID)
	require.NoError(t, err)

	refresh, err := env.enc.DecryptString(env.reload(t, conn.ID).EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "new-refresh", refresh)
}

func TestGetValidToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.fake.RefreshDelay = 50 * time.Millisecond
	conn := env.connect(t, "a@example.com", testNow.Add(-time.Minute))

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tokens[i], errs[i] = env.coord.GetValidAccessToken(context.Background(), conn.ID)
		}()
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
	assert.Equal(t, "refreshed-1", tokens[0])
	assert.Equal(t, int32(1), env.fake.RefreshCalls.Load())
}

func TestGetValidToken_ConnectionsRefreshIndependently(t *testing.T) {
	env := newTestEnv(t)
	env.fake.RefreshDelay = 20 * time.Millisecond
	a := env.connect(t, "a@example.com", testNow.Add(-time.Minute))
	b := env.connect(t, "b@example.com", testNow.Add(-time.Minute))

	var wg sync.WaitGroup
	for _, id := range []string{a.ID, b.ID, a.ID, b.ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.coord.GetValidAccessToken(context.Background(), id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), env.fake.RefreshCalls.Load())
}

func TestGetValidToken_InvalidGrantDeactivates(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "a@example.com", testNow.Add(-time.Minute))
	env.fake.RefreshFunc = func(context.Context, string) (*provider.Grant, error) {
		return nil, providertest.InvalidGrant("refresh")
	}

	_, err := env.coord.GetValidToken(context.Background(), conn.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNeedsReauth)
	assert.ErrorIs(t, err, provider.ErrInvalidGrant)
	assert.Equal(t, int32(1), env.fake.RefreshCalls.Load(), "invalid_grant is never retried")
	assert.False(t, env.reload(t, conn.ID).IsActive)

	// Later calls fail without contacting the provider.
	_, err = env.coord.GetValidToken(context.Background(), conn.ID)
	assert.ErrorIs(t, err, ErrNeedsReauth)
	assert.Equal(t, int32(1), env.fake.RefreshCalls.Load())
}

func TestGetValidToken_TransientFailuresAreRetried(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "a@example.com", testNow.Add(-time.Minute))
	env.fake.RefreshFunc = func(context.Context, string) (*provider.Grant, error) {
		return nil, providertest.Transient("refresh")
	}

	_, err := env.coord.GetValidToken(context.Background(), conn.ID)
	require.Error(t, err)

	te, ok := AsTokenError(err)
	require.True(t, ok)
	assert.Equal(t, KindRefreshFailed, te.Kind)
	assert.True(t, te.Kind.Retryable())
	assert.Equal(t, conn.ID, te.ConnectionID)

	assert.Equal(t, int32(DefaultMaxAttempts), env.fake.RefreshCalls.Load())
	assert.True(t, env.reload(t, conn.ID).IsActive, "transient failures keep the connection")
}

func TestGetValidToken_RecoversAfterTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "a@example.com", testNow.Add(-time.Minute))

	var mu sync.Mutex
	calls := 0
	env.fake.RefreshFunc = func(context.Context, string) (*provider.Grant, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, providertest.Transient("refresh")
		}
		return &provider.Grant{AccessToken: "third-time", ExpiresIn: time.Hour}, nil
	}

	tok, err := env.coord.GetValidAccessToken(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "third-time", tok)
	assert.Equal(t, int32(3), env.fake.RefreshCalls.Load())
}

func TestGetValidToken_RejectedIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "a@example.com", testNow.Add(-time.Minute))
	env.fake.RefreshFunc = func(context.Context, string) (*provider.Grant, error) {
		return nil, &provider.Error{Op: "refresh", Kind: provider.ErrRejected, Code: "invalid_client", Status: 401}
	}

	_, err := env.coord.GetValidToken(context.Background(), conn.ID)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Equal(t, int32(1), env.fake.RefreshCalls.Load())
	assert.True(t, env.reload(t, conn.ID).IsActive)
}

func TestGetValidToken_WaiterTimeoutDoesNotCancelRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.fake.RefreshDelay = 200 * time.Millisecond
	conn := env.connect(t, "a@example.com", testNow.Add(-time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := env.coord.GetValidToken(ctx, conn.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The refresh keeps running and its result is available to the next caller.
	tok, err := env.coord.GetValidAccessToken(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", tok)
	assert.Equal(t, int32(1), env.fake.RefreshCalls.Load())
}

func TestGetValidToken_InactiveConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "a@example.com", testNow.Add(time.Hour))
	require.NoError(t, env.repo.SetConnectionActive(context.Background(), conn.ID, false))

	_, err := env.coord.GetValidToken(context.Background(), conn.ID)
	assert.ErrorIs(t, err, ErrNeedsReauth)
	assert.Zero(t, env.fake.RefreshCalls.Load())
}

func TestGetValidToken_UnknownConnection(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.coord.GetValidToken(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, storage.ErrConnectionNotFound)
}

func TestGetValidToken_UndecryptableTokens(t *testing.T) {
	otherKey, err := encryption.GenerateKey()
	require.NoError(t, err)
	other, err := encryption.New(otherKey)
	require.NoError(t, err)

	tests := []struct {
		name      string
		expiresIn time.Duration
	}{
		{name: "fresh access token", expiresIn: time.Hour},
		{name: "expired, refresh token", expiresIn: -time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()

			foreign, err := other.EncryptString("secret")
			require.NoError(t, err)
			conn, err := env.repo.CreateOrUpdateConnection(ctx, &storage.Connection{
				UserID:                env.user.ID,
				AccountAddress:        "a@example.com",
				EncryptedAccessToken:  foreign,
				EncryptedRefreshToken: foreign,
				TokenExpiresAt:        testNow.Add(tt.expiresIn),
				IsActive:              true,
			})
			require.NoError(t, err)

			_, err = env.coord.GetValidToken(ctx, conn.ID)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNeedsReauth)
			assert.True(t, encryption.IsDecryptionError(err))
			assert.False(t, env.reload(t, conn.ID).IsActive)
			assert.Zero(t, env.fake.RefreshCalls.Load())
		})
	}
}

func TestForceRefresh(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "a@example.com", testNow.Add(time.Hour))

	tok, err := env.coord.ForceRefresh(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", tok.AccessToken)
	assert.Equal(t, int32(1), env.fake.RefreshCalls.Load())
}

func TestRefreshExpiring(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.connect(t, "fresh@example.com", testNow.Add(time.Hour))
	env.connect(t, "expiring@example.com", testNow.Add(time.Minute))
	revoked := env.connect(t, "revoked@example.com", testNow.Add(-time.Minute))
	inactive := env.connect(t, "inactive@example.com", testNow.Add(-time.Minute))
	require.NoError(t, env.repo.SetConnectionActive(ctx, inactive.ID, false))

	env.fake.RefreshFunc = func(_ context.Context, refreshToken string) (*provider.Grant, error) {
		if refreshToken == "stored-refresh-revoked@example.com" {
			return nil, providertest.InvalidGrant("refresh")
		}
		return &provider.Grant{AccessToken: fmt.Sprintf("swept-%s", refreshToken), ExpiresIn: time.Hour}, nil
	}

	res, err := env.coord.RefreshExpiring(ctx)
	require.NoError(t, err)
	assert.Equal(t, &SweepResult{Checked: 2, Refreshed: 1, NeedsReauth: 1}, res)
	assert.False(t, env.reload(t, revoked.ID).IsActive)

	// Nothing left to do on a second pass.
	res, err = env.coord.RefreshExpiring(ctx)
	require.NoError(t, err)
	assert.Equal(t, &SweepResult{}, res)
}

func TestTokenSource(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "a@example.com", testNow.Add(time.Hour))

	tok, err := env.coord.TokenSource(context.Background(), conn.ID).Token()
	require.NoError(t, err)
	assert.Equal(t, "stored-access-a@example.com", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, conn.TokenExpiresAt, tok.Expiry)
}

func TestTokenError(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", newTokenError(KindNeedsReauth, "conn-1", "revoked", cause))

	assert.ErrorIs(t, err, ErrNeedsReauth)
	assert.NotErrorIs(t, err, ErrRefreshFailed)
	assert.ErrorIs(t, err, cause)
	assert.True(t, NeedsReauth(err))
	assert.Contains(t, err.Error(), "connection conn-1: needs_reauth: revoked: boom")

	assert.False(t, KindNeedsReauth.Retryable())
	assert.True(t, KindRefreshFailed.Retryable())
}
