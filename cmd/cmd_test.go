package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/mailboxauth/internal/connections"
	"github.com/teemow/mailboxauth/internal/encryption"
	"github.com/teemow/mailboxauth/internal/oauth"
	"github.com/teemow/mailboxauth/internal/server/servertest"
	"github.com/teemow/mailboxauth/internal/storage"
	"github.com/teemow/mailboxauth/internal/storage/sqlite"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "connect", "connections", "states", "keygen", "generate-docs", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mailboxauth version "+version+"\n", out)
}

func TestKeygen(t *testing.T) {
	out, err := execute(t, "keygen")
	require.NoError(t, err)

	key, err := encryption.ParseKey(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, key, encryption.KeySize)

	other, err := execute(t, "keygen")
	require.NoError(t, err)
	assert.NotEqual(t, out, other)
}

func TestGenerateDocs(t *testing.T) {
	out, err := execute(t, "generate-docs")
	require.NoError(t, err)

	for _, tool := range []string{
		"gmail_get_auth_url",
		"gmail_handle_oauth_callback",
		"gmail_list_connections",
		"gmail_check_connection",
		"gmail_check_setup",
		"gmail_disconnect",
	} {
		assert.Contains(t, out, "## "+tool)
	}
	assert.Contains(t, out, "## gmail_disconnect (write)")
	assert.Contains(t, out, "## gmail_check_setup\n")
	assert.Contains(t, out, "_No arguments._")
	assert.Contains(t, out, "- `connection_id` (string, required)")

	path := filepath.Join(t.TempDir(), "tools.md")
	_, err = execute(t, "generate-docs", "-o", path)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	t.Setenv("MAILBOXAUTH_HTTP_ADDR", ":7000")
	t.Setenv("MAILBOXAUTH_METRICS_ADDR", ":7001")
	t.Setenv("MAILBOXAUTH_METRICS_ENABLED", "false")
	t.Setenv("MAILBOXAUTH_STORAGE_TYPE", "SQLite")

	c := &cobra.Command{}
	c.SetContext(context.Background())
	c.Flags().String("http-addr", ":8080", "")
	c.Flags().String("metrics-addr", ":9090", "")
	c.Flags().Bool("metrics-enabled", true, "")
	c.Flags().Bool("debug", false, "")
	require.NoError(t, c.Flags().Set("http-addr", ":9999"))
	require.NoError(t, c.Flags().Set("debug", "true"))

	cfg, err := loadConfig(c)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTPAddr, "explicit flag wins")
	assert.Equal(t, ":7001", cfg.MetricsAddr, "default flag does not override env")
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.StorageType)
}

func TestServe_RejectsUnknownTransport(t *testing.T) {
	_, err := execute(t, "serve", "--transport", "carrier-pigeon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport")
}

func TestServe_RequiresConfiguration(t *testing.T) {
	t.Setenv("MAILBOXAUTH_ENCRYPTION_KEY", "")
	t.Setenv("MAILBOXAUTH_METRICS_ENABLED", "false")
	t.Setenv("MAILBOXAUTH_SQLITE_PATH", filepath.Join(t.TempDir(), "test.db"))

	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENCRYPTION_KEY")
}

func TestStatesPurge(t *testing.T) {
	t.Setenv("MAILBOXAUTH_SQLITE_PATH", filepath.Join(t.TempDir(), "missing", "dir", "env.db"))
	path := filepath.Join(t.TempDir(), "flag.db")

	out, err := execute(t, "states", "purge", "--sqlite-path", path)
	require.NoError(t, err)
	assert.Equal(t, "Purged 0 expired authorization states\n", out)
}

// seedConnection configures the environment for a sqlite database holding
// one fresh connection and returns its id.
func seedConnection(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	enc, err := encryption.New(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "mailboxauth.db")
	t.Setenv("MAILBOXAUTH_ENCRYPTION_KEY", encryption.KeyToBase64(key))
	t.Setenv("MAILBOXAUTH_GOOGLE_CLIENT_ID", "client-id")
	t.Setenv("MAILBOXAUTH_GOOGLE_CLIENT_SECRET", "client-secret")
	t.Setenv("MAILBOXAUTH_STORAGE_TYPE", "sqlite")
	t.Setenv("MAILBOXAUTH_SQLITE_PATH", path)

	repo, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer repo.Close()

	user, err := storage.EnsureUser(ctx, repo, "u1")
	require.NoError(t, err)

	access, err := enc.EncryptString("access-token")
	require.NoError(t, err)
	refresh, err := enc.EncryptString("refresh-token")
	require.NoError(t, err)

	conn, err := repo.CreateOrUpdateConnection(ctx, &storage.Connection{
		UserID:                user.ID,
		AccountAddress:        "alice@example.com",
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		TokenExpiresAt:        time.Now().Add(time.Hour),
		Scopes:                []string{"https://www.googleapis.com/auth/gmail.readonly"},
		IsActive:              true,
	})
	require.NoError(t, err)
	return conn.ID
}

func TestConnectionsList(t *testing.T) {
	id := seedConnection(t)

	out, err := execute(t, "connections", "list", "--user", "u1", "-o", "json")
	require.NoError(t, err)

	var infos []connections.ConnectionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID)
	assert.Equal(t, "u1", infos[0].UserID)
	assert.NotContains(t, out, "token\":")

	out, err = execute(t, "connections", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ACCOUNT")
	assert.Contains(t, out, "alice@example.com")

	_, err = execute(t, "connections", "list", "-o", "yaml")
	assert.Error(t, err)
}

func TestConnectionsCheck(t *testing.T) {
	id := seedConnection(t)

	out, err := execute(t, "connections", "check", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Status:     valid")

	_, err = execute(t, "connections", "check", "missing")
	assert.ErrorIs(t, err, storage.ErrConnectionNotFound)
}

func TestConnectionsDisconnect(t *testing.T) {
	id := seedConnection(t)

	out, err := execute(t, "connections", "disconnect", id, "--no-revoke", "--purge")
	require.NoError(t, err)
	assert.Equal(t, "Deleted "+id+" (alice@example.com)\n", out)

	out, err = execute(t, "connections", "list", "--all", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

// followConsent plays the browser: it sends the consent URL's state and a
// code to the loopback redirect URI.
func followConsent(statuses chan<- int) func(context.Context, string) error {
	return func(_ context.Context, authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		cb, err := url.Parse(u.Query().Get("redirect_uri"))
		if err != nil {
			return err
		}
		cb.Host = net.JoinHostPort("127.0.0.1", cb.Port())
		cb.RawQuery = url.Values{"state": {u.Query().Get("state")}, "code": {"code"}}.Encode()

		go func() {
			resp, err := http.Get(cb.String())
			if err != nil {
				statuses <- 0
				return
			}
			resp.Body.Close()
			statuses <- resp.StatusCode
		}()
		return nil
	}
}

func TestRunConnect(t *testing.T) {
	sc, fake := servertest.New(t, servertest.Options{})
	statuses := make(chan int, 1)

	var out bytes.Buffer
	err := runConnect(context.Background(), sc.Controller(), connectOptions{
		userID:  "u1",
		timeout: 5 * time.Second,
	}, &out, followConsent(statuses))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, <-statuses)

	assert.Contains(t, out.String(), "https://provider.test/auth?")
	assert.Contains(t, out.String(), "Connected alice@example.com (connection ")
	assert.Equal(t, int32(1), fake.ExchangeCalls.Load())

	infos, err := sc.Connections().ListConnections(context.Background(), "u1", false)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "alice@example.com", infos[0].AccountAddress)
}

func TestRunConnect_Timeout(t *testing.T) {
	sc, _ := servertest.New(t, servertest.Options{})

	var out bytes.Buffer
	err := runConnect(context.Background(), sc.Controller(), connectOptions{
		userID:  "u1",
		timeout: 50 * time.Millisecond,
	}, &out, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, oauth.ErrLoopbackTimeout)
	assert.Contains(t, out.String(), "Waiting for authorization")
}

func TestConnect_RequiresUser(t *testing.T) {
	_, err := execute(t, "connect")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--user is required")
}
