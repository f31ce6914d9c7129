// Package servertest builds a fully wired server.ServerContext over an
// in-memory SQLite repository for tests of the MCP and CLI surfaces.
package servertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teemow/mailboxauth/internal/connections"
	"github.com/teemow/mailboxauth/internal/encryption"
	"github.com/teemow/mailboxauth/internal/instrumentation"
	"github.com/teemow/mailboxauth/internal/oauth"
	"github.com/teemow/mailboxauth/internal/provider/providertest"
	"github.com/teemow/mailboxauth/internal/server"
	"github.com/teemow/mailboxauth/internal/storage/sqlite"
	"github.com/teemow/mailboxauth/internal/tokens"
)

// RedirectURI is the callback URI authorizations are issued for.
const RedirectURI = "http://localhost:8080/oauth/callback"

// Options tune the context built by New.
type Options struct {
	// Provider defaults to a Fake for "alice@example.com".
	Provider *providertest.Fake
	Metrics  *instrumentation.Metrics
}

// New returns a ServerContext that is shut down when the test ends.
func New(t *testing.T, opts Options) (*server.ServerContext, *providertest.Fake) {
	t.Helper()
	ctx := context.Background()

	fake := opts.Provider
	if fake == nil {
		fake = &providertest.Fake{Account: "alice@example.com"}
	}

	repo, err := sqlite.Open(ctx, sqlite.MemoryPath)
	require.NoError(t, err)

	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	enc, err := encryption.New(key)
	require.NoError(t, err)

	ctrl, err := oauth.NewController(repo, fake, enc, oauth.Config{
		RedirectURI:   RedirectURI,
		DefaultScopes: []string{"https://www.googleapis.com/auth/gmail.readonly"},
	}, opts.Metrics, nil)
	require.NoError(t, err)

	coord, err := tokens.NewCoordinator(repo, fake, enc, tokens.Config{RetryInitialInterval: time.Millisecond}, opts.Metrics, nil)
	require.NoError(t, err)

	mgr, err := connections.NewManager(repo, fake, enc, coord, nil)
	require.NoError(t, err)

	sc, err := server.NewServerContext(ctx, server.Components{
		Repository:  repo,
		Controller:  ctrl,
		Coordinator: coord,
		Connections: mgr,
		Metrics:     opts.Metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Shutdown() })

	return sc, fake
}

// Connect runs a complete authorization for userID and returns the new
// connection id.
func Connect(t *testing.T, sc *server.ServerContext, userID string) string {
	t.Helper()
	ctx := context.Background()

	req, err := sc.Controller().BeginAuthorization(ctx, userID, nil, "")
	require.NoError(t, err)
	conn, err := sc.Controller().CompleteAuthorization(ctx, "code", req.StateToken)
	require.NoError(t, err)
	return conn.ID
}
