package oauth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/teemow/mailboxauth/internal/logging"
	"github.com/teemow/mailboxauth/internal/storage"
)

const (
	// DefaultLoopbackTimeout is how long RunLoopback waits for the browser
	// to come back.
	DefaultLoopbackTimeout = 5 * time.Minute

	// LoopbackCallbackPath is the path the consent page redirects to.
	LoopbackCallbackPath = "/oauth/callback"
)

// ErrLoopbackTimeout is returned when no callback arrived in time.
var ErrLoopbackTimeout = errors.New("timed out waiting for the authorization callback")

// LoopbackOptions configures RunLoopback.
type LoopbackOptions struct {
	UserID string
	Scopes []string

	// Addr is the listen address. Defaults to 127.0.0.1 on a free port.
	Addr string

	// Timeout defaults to DefaultLoopbackTimeout.
	Timeout time.Duration

	// OnURL is called with the consent URL once the listener accepts
	// connections.
	OnURL func(authURL string)
}

type loopbackResult struct {
	conn *storage.Connection
	err  error
}

// RunLoopback connects a mailbox without a hosted callback: it listens on a
// loopback port, redirects the consent page there and completes the
// authorization when the browser returns.
func (c *Controller) RunLoopback(ctx context.Context, opts LoopbackOptions) (*storage.Connection, error) {
	addr := opts.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultLoopbackTimeout
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	redirectURI := fmt.Sprintf("http://localhost:%d%s", port, LoopbackCallbackPath)

	req, err := c.BeginAuthorization(ctx, opts.UserID, opts.Scopes, redirectURI)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	flowCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan loopbackResult, 1)
	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+LoopbackCallbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != req.StateToken {
			http.Error(w, "unexpected authorization state", http.StatusBadRequest)
			return
		}

		handled := false
		once.Do(func() {
			handled = true
			code := q.Get("code")
			if providerErr := q.Get("error"); providerErr != "" {
				code = ""
				c.logger.Info("provider returned an authorization error", slog.String("provider_error", providerErr))
			}
			conn, err := c.CompleteAuthorization(flowCtx, code, q.Get("state"))
			if err == nil {
				writeLoopbackPage(w, http.StatusOK, conn.AccountAddress+" is now connected. You can close this window.")
			} else {
				writeLoopbackPage(w, http.StatusBadRequest, "Connection failed: "+err.Error())
			}
			results <- loopbackResult{conn: conn, err: err}
		})
		if !handled {
			http.Error(w, "authorization already handled", http.StatusConflict)
		}
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}()

	c.logger.Debug("waiting for loopback callback",
		slog.String("redirect_uri", redirectURI),
		logging.StateHash(req.StateToken))
	if opts.OnURL != nil {
		opts.OnURL(req.URL)
	}

	select {
	case res := <-results:
		return res.conn, res.err
	case err := <-serveErr:
		return nil, fmt.Errorf("loopback callback server failed: %w", err)
	case <-flowCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrLoopbackTimeout, timeout)
	}
}

func writeLoopbackPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>mailboxauth</title></head><body><p>%s</p></body></html>\n",
		html.EscapeString(message))
}
