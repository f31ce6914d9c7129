package oauth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
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

const testRedirect = "https://app.example.com/oauth/callback"

type testEnv struct {
	ctrl  *Controller
	repo  storage.Repository
	fake  *providertest.Fake
	enc   *encryption.Encryptor
	clock *time.Time
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

	fake := &providertest.Fake{Account: "alice@example.com"}

	ctrl, err := NewController(repo, fake, enc, Config{
		RedirectURI:   testRedirect,
		DefaultScopes: []string{"scope.a", "scope.b"},
	}, nil, nil)
	require.NoError(t, err)

	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{ctrl: ctrl, repo: repo, fake: fake, enc: enc, clock: &clock}
	ctrl.now = func() time.Time { return *env.clock }
	return env
}

func (e *testEnv) advance(d time.Duration) {
	*e.clock = e.clock.Add(d)
}

func TestNewController_Validation(t *testing.T) {
	enc, err := encryption.New(make([]byte, encryption.KeySize))
	require.NoError(t, err)
	repo, err := sqlite.Open(context.Background(), sqlite.MemoryPath)
	require.NoError(t, err)
	defer repo.Close()

	_, err = NewController(nil, &providertest.Fake{}, enc, Config{RedirectURI: testRedirect}, nil, nil)
	assert.Error(t, err)

	_, err = NewController(repo, &providertest.Fake{}, enc, Config{}, nil, nil)
	assert.Error(t, err)

	ctrl, err := NewController(repo, &providertest.Fake{}, enc, Config{RedirectURI: testRedirect}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultStateTTL, ctrl.config.StateTTL)
}

func TestBeginAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.ctrl.BeginAuthorization(ctx, "user-1", nil, "")
	require.NoError(t, err)

	assert.NotEmpty(t, req.StateToken)
	assert.Equal(t, env.clock.Add(DefaultStateTTL), req.ExpiresAt)

	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, req.StateToken, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, testRedirect, q.Get("redirect_uri"))
	assert.Equal(t, "scope.a scope.b", q.Get("scope"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))

	user, err := env.repo.FindUserByExternalID(ctx, "user-1")
	require.NoError(t, err)

	state, err := env.repo.ConsumeAuthorizationState(ctx, req.StateToken, *env.clock)
	require.NoError(t, err)
	assert.Equal(t, user.ID, state.UserID)
	assert.Equal(t, GenerateCodeChallenge(state.CodeVerifier), q.Get("code_challenge"))
}

func TestBeginAuthorization_Overrides(t *testing.T) {
	env := newTestEnv(t)

	req, err := env.ctrl.BeginAuthorization(context.Background(), "user-1", []string{"custom"}, "http://localhost:9999/cb")
	require.NoError(t, err)

	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	assert.Equal(t, "custom", u.Query().Get("scope"))
	assert.Equal(t, "http://localhost:9999/cb", u.Query().Get("redirect_uri"))
}

func TestBeginAuthorization_RequiresUser(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ctrl.BeginAuthorization(context.Background(), "", nil, "")
	assert.Error(t, err)
}

func TestBeginAuthorization_ReusesUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.ctrl.BeginAuthorization(ctx, "user-1", nil, "")
		require.NoError(t, err)
	}

	user, err := env.repo.FindUserByExternalID(ctx, "user-1")
	require.NoError(t, err)
	conns, err := env.repo.ListConnections(ctx, storage.ConnectionFilter{UserID: user.ID, IncludeInactive: true})
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestCompleteAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var gotVerifier, gotRedirect string
	env.fake.ExchangeFunc = func(_ context.Context, code, verifier, redirectURI string) (*provider.Grant, error) {
		assert.Equal(t, "auth-code", code)
		gotVerifier, gotRedirect = verifier, redirectURI
		return &provider.Grant{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresIn: time.Hour}, nil
	}

	req, err := env.ctrl.BeginAuthorization(ctx, "user-1", nil, "")
	require.NoError(t, err)

	conn, err := env.ctrl.CompleteAuthorization(ctx, "auth-code", req.StateToken)
	require.NoError(t, err)

	u, _ := url.Parse(req.URL)
	assert.Equal(t, u.Query().Get("code_challenge"), GenerateCodeChallenge(gotVerifier))
	assert.Equal(t, testRedirect, gotRedirect)

	assert.Equal(t, "alice@example.com", conn.AccountAddress)
	assert.True(t, conn.IsActive)
	assert.Equal(t, []string{"scope.a", "scope.b"}, conn.Scopes)
	assert.Equal(t, env.clock.Add(time.Hour), conn.TokenExpiresAt)

	// Tokens are stored encrypted.
	assert.NotEqual(t, "at-1", conn.EncryptedAccessToken)
	access, err := env.enc.DecryptString(conn.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "at-1", access)
	refresh, err := env.enc.DecryptString(conn.EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", refresh)
}

func TestCompleteAuthorization_StateIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.ctrl.BeginAuthorization(ctx, "user-1", nil, "")
	require.NoError(t, err)

	_, err = env.ctrl.CompleteAuthorization(ctx, "code", req.StateToken)
	require.NoError(t, err)

	_, err = env.ctrl.CompleteAuthorization(ctx, "code", req.StateToken)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int32(1), env.fake.ExchangeCalls.Load())
}

func TestCompleteAuthorization_ConcurrentCallbacks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.ctrl.BeginAuthorization(ctx, "user-1", nil, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var succeeded, rejected atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ctrl.CompleteAuthorization(ctx, "code", req.StateToken)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInvalidState):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(9), rejected.Load())
	assert.Equal(t, int32(1), env.fake.ExchangeCalls.Load())
}

func TestCompleteAuthorization_StateExpiry(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		wantErr error
	}{
		{name: "just before expiry", elapsed: DefaultStateTTL - time.Millisecond},
		{name: "at expiry", elapsed: DefaultStateTTL, wantErr: ErrStateExpired},
		{name: "after expiry", elapsed: DefaultStateTTL + time.Second, wantErr: ErrStateExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()

			req, err := env.ctrl.BeginAuthorization(ctx, "user-1", nil, "")
			require.NoError(t, err)

			env.advance(tt.elapsed)
			_, err = env.ctrl.CompleteAuthorization(ctx, "code", req.StateToken)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, env.fake.ExchangeCalls.Load())

			// The expired state is gone.
			_, err = env.ctrl.CompleteAuthorization(ctx, "code", req.StateToken)
			assert.ErrorIs(t, err, ErrInvalidState)
		})
	}
}

func TestCompleteAuthorization_Failures(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		setup func(f *providertest.Fake)
	}{
		{
			name: "missing code",
			code: "",
		},
		{
			name: "exchange rejected",
			code: "code",
			setup: func(f *providertest.Fake) {
				f.ExchangeFunc = func(context.Context, string, string, string) (*provider.Grant, error) {
					return nil, providertest.InvalidGrant("exchange")
				}
			},
		},
		{
			name: "identity failed",
			code: "code",
			setup: func(f *providertest.Fake) {
				f.IdentityFunc = func(context.Context, string) (*provider.Identity, error) {
					return nil, providertest.Transient("identity")
				}
			},
		},
		{
			name: "no refresh token for new account",
			code: "code",
			setup: func(f *providertest.Fake) {
				f.ExchangeFunc = func(context.Context, string, string, string) (*provider.Grant, error) {
					return &provider.Grant{AccessToken: "at", ExpiresIn: time.Hour}, nil
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			if tt.setup != nil {
				tt.setup(env.fake)
			}

			req, err := env.ctrl.BeginAuthorization(ctx, "user-1", nil, "")
			require.NoError(t, err)

			_, err = env.ctrl.CompleteAuthorization(ctx, tt.code, req.StateToken)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrOAuthFailed)

			conns, err := env.repo.ListConnections(ctx, storage.ConnectionFilter{IncludeInactive: true})
			require.NoError(t, err)
			assert.Empty(t, conns)
		})
	}
}

func TestCompleteAuthorization_ReauthorizationUpdatesInPlace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.ctrl.BeginAuthorization(ctx, "user-1", nil, "")
	require.NoError(t, err)
	first, err := env.ctrl.CompleteAuthorization(ctx, "code", req.StateToken)
	require.NoError(t, err)

	require.NoError(t, env.repo.SetConnectionActive(ctx, first.ID, false))

	// The provider omits the refresh token on the second consent; the stored
	// one is kept and the connection comes back.
	env.fake.ExchangeFunc = func(context.Context, string, string, string) (*provider.Grant, error) {
		return &provider.Grant{AccessToken: "at-2", ExpiresIn: time.Hour}, nil
	}
	env.advance(time.Minute)

	req, err = env.ctrl.BeginAuthorization(ctx, "user-1", nil, "")
	require.NoError(t, err)
	second, err := env.ctrl.CompleteAuthorization(ctx, "code", req.StateToken)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.IsActive)
	assert.Equal(t, first.EncryptedRefreshToken, second.EncryptedRefreshToken)

	access, err := env.enc.DecryptString(second.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "at-2", access)
}

func TestPurgeExpiredStates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.ctrl.BeginAuthorization(ctx, "user-1", nil, "")
		require.NoError(t, err)
	}

	n, err := env.ctrl.PurgeExpiredStates(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.advance(DefaultStateTTL)
	n, err = env.ctrl.PurgeExpiredStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRunStateJanitor_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		env.ctrl.RunStateJanitor(ctx, 10*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}
