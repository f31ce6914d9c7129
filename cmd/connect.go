package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/mailboxauth/internal/config"
	"github.com/teemow/mailboxauth/internal/oauth"
	"github.com/teemow/mailboxauth/internal/server"
)

type connectOptions struct {
	userID  string
	scopes  string
	port    int
	timeout time.Duration
	open    bool
}

func newConnectCmd() *cobra.Command {
	var opts connectOptions

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect a Gmail account from this machine",
		Long: `Connect a Gmail account without a hosted callback server.

A temporary listener on 127.0.0.1 receives the OAuth callback, so the
Google client must allow http://localhost redirect URIs (desktop clients do).
The command prints the consent URL, optionally opens it in a browser, and
waits until the authorization completes or the timeout expires.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.userID == "" {
				return fmt.Errorf("--user is required")
			}
			var open func(context.Context, string) error
			if opts.open {
				open = openBrowser
			}
			return withServerContext(cmd, func(sc *server.ServerContext) error {
				return runConnect(cmd.Context(), sc.Controller(), opts, cmd.OutOrStdout(), open)
			})
		},
	}

	cmd.Flags().StringVar(&opts.userID, "user", "", "External user id that owns the connection")
	cmd.Flags().StringVar(&opts.scopes, "scopes", "", "Comma-separated OAuth scopes (default: the configured default scopes)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Local callback port (default: any free port)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", oauth.DefaultLoopbackTimeout, "How long to wait for the browser")
	cmd.Flags().BoolVar(&opts.open, "open", false, "Open the consent URL in the default browser")
	return cmd
}

// runConnect drives the loopback flow. open, when set, is handed the consent
// URL; the URL is printed either way.
func runConnect(ctx context.Context, ctrl *oauth.Controller, opts connectOptions, out io.Writer, open func(context.Context, string) error) error {
	conn, err := ctrl.RunLoopback(ctx, oauth.LoopbackOptions{
		UserID:  opts.userID,
		Scopes:  config.ParseList(opts.scopes),
		Addr:    net.JoinHostPort("127.0.0.1", strconv.Itoa(opts.port)),
		Timeout: opts.timeout,
		OnURL: func(authURL string) {
			fmt.Fprintf(out, "Visit this URL in your browser to connect a Gmail account:\n\n  %s\n\n", authURL)
			if open != nil {
				if err := open(ctx, authURL); err != nil {
					fmt.Fprintf(out, "Could not open a browser (%v), open the URL manually.\n", err)
				}
			}
			fmt.Fprintf(out, "Waiting for authorization (timeout %s)...\n", opts.timeout)
		},
	})
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}

	fmt.Fprintf(out, "Connected %s (connection %s)\n", conn.AccountAddress, conn.ID)
	return nil
}

func openBrowser(ctx context.Context, url string) error {
	var c *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		c = exec.CommandContext(ctx, "open", url)
	case "windows":
		c = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		c = exec.CommandContext(ctx, "xdg-open", url)
	}
	return c.Start()
}
