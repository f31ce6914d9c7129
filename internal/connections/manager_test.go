package connections

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/mailboxauth/internal/encryption"
	"github.com/teemow/mailboxauth/internal/provider"
	"github.com/teemow/mailboxauth/internal/provider/providertest"
	"github.com/teemow/mailboxauth/internal/storage"
	"github.com/teemow/mailboxauth/internal/storage/sqlite"
	"github.com/teemow/mailboxauth/internal/tokens"
)

type testEnv struct {
	mgr  *Manager
	repo storage.Repository
	fake *providertest.Fake
	enc  *encryption.Encryptor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := sqlite.Open(context.Background(), sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	enc, err := encryption.New(key)
	require.NoError(t, err)

	fake := &providertest.Fake{}
	coord, err := tokens.NewCoordinator(repo, fake, enc, tokens.Config{RetryInitialInterval: time.Millisecond}, nil, nil)
	require.NoError(t, err)

	mgr, err := NewManager(repo, fake, enc, coord, nil)
	require.NoError(t, err)

	return &testEnv{mgr: mgr, repo: repo, fake: fake, enc: enc}
}

func (e *testEnv) connect(t *testing.T, externalUserID, account string, expiresIn time.Duration) *storage.Connection {
	t.Helper()
	ctx := context.Background()

	user, err := storage.EnsureUser(ctx, e.repo, externalUserID)
	require.NoError(t, err)

	access, err := e.enc.EncryptString("access-" + account)
	require.NoError(t, err)
	refresh, err := e.enc.EncryptString("refresh-" + account)
	require.NoError(t, err)

	conn, err := e.repo.CreateOrUpdateConnection(ctx, &storage.Connection{
		UserID:                user.ID,
		AccountAddress:        account,
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		TokenExpiresAt:        storage.Now().Add(expiresIn),
		Scopes:                []string{"https://www.googleapis.com/auth/gmail.readonly"},
		IsActive:              true,
	})
	require.NoError(t, err)
	return conn
}

func TestListConnections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.connect(t, "alice", "alice@example.com", time.Hour)
	env.connect(t, "alice", "alice@work.example.com", time.Hour)
	env.connect(t, "bob", "bob@example.com", time.Hour)
	require.NoError(t, env.repo.SetConnectionActive(ctx, a.ID, false))

	tests := []struct {
		name            string
		externalUserID  string
		includeInactive bool
		wantAccounts    []string
	}{
		{name: "active for user", externalUserID: "alice", wantAccounts: []string{"alice@work.example.com"}},
		{name: "all for user", externalUserID: "alice", includeInactive: true, wantAccounts: []string{"alice@example.com", "alice@work.example.com"}},
		{name: "every user", wantAccounts: []string{"alice@work.example.com", "bob@example.com"}},
		{name: "unknown user", externalUserID: "mallory", wantAccounts: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			infos, err := env.mgr.ListConnections(ctx, tt.externalUserID, tt.includeInactive)
			require.NoError(t, err)
			require.NotNil(t, infos)

			accounts := make([]string, 0, len(infos))
			for _, info := range infos {
				accounts = append(accounts, info.AccountAddress)
				if tt.externalUserID != "" {
					assert.Equal(t, tt.externalUserID, info.UserID)
				}
			}
			assert.ElementsMatch(t, tt.wantAccounts, accounts)
		})
	}
}

func TestCheckConnection_Valid(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "alice", "alice@example.com", time.Hour)

	status, err := env.mgr.CheckConnection(context.Background(), conn.ID)
	require.NoError(t, err)

	assert.True(t, status.Valid)
	assert.False(t, status.NeedsReauth)
	assert.Empty(t, status.Error)
	assert.Equal(t, "alice@example.com", status.AccountAddress)
	assert.Equal(t, conn.Scopes, status.Scopes)
	assert.InDelta(t, 3600, status.ExpiresIn, 5)
	assert.Zero(t, env.fake.RefreshCalls.Load())
}

func TestCheckConnection_RefreshesExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "alice", "alice@example.com", -time.Minute)

	status, err := env.mgr.CheckConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.True(t, status.Valid)
	assert.Equal(t, int32(1), env.fake.RefreshCalls.Load())
}

func TestCheckConnection_RevokedGrant(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "alice", "alice@example.com", -time.Minute)
	env.fake.RefreshFunc = func(context.Context, string) (*provider.Grant, error) {
		return nil, providertest.InvalidGrant("refresh")
	}

	status, err := env.mgr.CheckConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.False(t, status.Valid)
	assert.True(t, status.NeedsReauth)
	assert.NotEmpty(t, status.Error)
}

func TestCheckConnection_TransientFailure(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "alice", "alice@example.com", -time.Minute)
	env.fake.RefreshFunc = func(context.Context, string) (*provider.Grant, error) {
		return nil, providertest.Transient("refresh")
	}

	status, err := env.mgr.CheckConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.False(t, status.Valid)
	assert.False(t, status.NeedsReauth)
	assert.Contains(t, status.Error, "refresh_failed")
}

func TestCheckConnection_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CheckConnection(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrConnectionNotFound)
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t, "alice", "alice@example.com", time.Hour)

	result, err := env.mgr.Disconnect(ctx, conn.ID, true)
	require.NoError(t, err)
	assert.True(t, result.Revoked)
	assert.False(t, result.Purged)
	assert.Equal(t, []string{"refresh-alice@example.com"}, env.fake.Revoked())

	stored, err := env.repo.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	status, err := env.mgr.CheckConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, status.NeedsReauth)
}

func TestDisconnect_WithoutRevoke(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connect(t, "alice", "alice@example.com", time.Hour)

	result, err := env.mgr.Disconnect(context.Background(), conn.ID, false)
	require.NoError(t, err)
	assert.False(t, result.Revoked)
	assert.Zero(t, env.fake.RevokeCalls.Load())
}

func TestDisconnect_RevokeFailureStillDisconnects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t, "alice", "alice@example.com", time.Hour)
	env.fake.RevokeFunc = func(context.Context, string) error {
		return errors.New("provider unreachable")
	}

	result, err := env.mgr.Disconnect(ctx, conn.ID, true)
	require.NoError(t, err)
	assert.False(t, result.Revoked)
	assert.Contains(t, result.RevokeError, "provider unreachable")

	stored, err := env.repo.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestDisconnect_Purge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t, "alice", "alice@example.com", time.Hour)

	result, err := env.mgr.Disconnect(ctx, conn.ID, false, WithPurge())
	require.NoError(t, err)
	assert.True(t, result.Purged)

	_, err = env.repo.GetConnection(ctx, conn.ID)
	assert.ErrorIs(t, err, storage.ErrConnectionNotFound)
}

func TestDisconnect_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.Disconnect(context.Background(), "missing", true)
	assert.ErrorIs(t, err, storage.ErrConnectionNotFound)
}
