package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/mailboxauth/internal/connections"
	"github.com/teemow/mailboxauth/internal/server"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

func newConnectionsCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "connections",
		Aliases: []string{"conn"},
		Short:   "Inspect and manage stored Gmail connections",
	}
	cmd.PersistentFlags().StringVarP(&output, "output", "o", outputTable, "Output format: table or json")

	cmd.AddCommand(newConnectionsListCmd(&output))
	cmd.AddCommand(newConnectionsCheckCmd(&output))
	cmd.AddCommand(newConnectionsRefreshCmd(&output))
	cmd.AddCommand(newConnectionsDisconnectCmd(&output))
	return cmd
}

// withServerContext loads the configuration, wires the components and runs
// fn. Logs go to stderr so stdout stays machine readable.
func withServerContext(cmd *cobra.Command, fn func(sc *server.ServerContext) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sc, err := newServerContext(cmd.Context(), cfg, nil, newLogger(cfg, cmd.ErrOrStderr(), false))
	if err != nil {
		return err
	}
	defer func() { _ = sc.Shutdown() }()
	return fn(sc)
}

func checkOutput(output string) error {
	if output != outputTable && output != outputJSON {
		return fmt.Errorf("unsupported output format: %s (supported: table, json)", output)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newConnectionsListCmd(output *string) *cobra.Command {
	var (
		userID          string
		includeInactive bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connections",
		Long:  "List connections of one user, or of every user when --user is omitted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(*output); err != nil {
				return err
			}
			return withServerContext(cmd, func(sc *server.ServerContext) error {
				infos, err := sc.Connections().ListConnections(cmd.Context(), userID, includeInactive)
				if err != nil {
					return err
				}
				if *output == outputJSON {
					return writeJSON(cmd.OutOrStdout(), infos)
				}
				return writeConnectionTable(cmd.OutOrStdout(), infos)
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "External user id")
	cmd.Flags().BoolVar(&includeInactive, "all", false, "Include connections that need reauthorization")
	return cmd
}

func writeConnectionTable(w io.Writer, infos []connections.ConnectionInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tACCOUNT\tACTIVE\tEXPIRES\tSCOPES")
	for _, c := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			c.ID, c.UserID, c.AccountAddress, c.IsActive,
			c.TokenExpiresAt.Format(time.RFC3339), strings.Join(c.Scopes, ","))
	}
	return tw.Flush()
}

func newConnectionsCheckCmd(output *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check <connection-id>",
		Short: "Check that a connection yields a valid access token",
		Long: `Check that a connection yields a valid access token, refreshing it when
it is close to expiry. Exits non-zero when the connection is not usable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(*output); err != nil {
				return err
			}
			return withServerContext(cmd, func(sc *server.ServerContext) error {
				status, err := sc.Connections().CheckConnection(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *output == outputJSON {
					if err := writeJSON(cmd.OutOrStdout(), status); err != nil {
						return err
					}
				} else {
					writeStatus(cmd.OutOrStdout(), status)
				}
				if !status.Valid {
					return fmt.Errorf("connection %s is not usable", status.ConnectionID)
				}
				return nil
			})
		},
	}
}

func writeStatus(w io.Writer, s *connections.ConnectionStatus) {
	fmt.Fprintf(w, "Connection: %s\n", s.ConnectionID)
	fmt.Fprintf(w, "Account:    %s\n", s.AccountAddress)
	switch {
	case s.Valid:
		fmt.Fprintf(w, "Status:     valid (expires in %s)\n", time.Duration(s.ExpiresIn)*time.Second)
	case s.NeedsReauth:
		fmt.Fprintf(w, "Status:     needs reauthorization\n")
	default:
		fmt.Fprintf(w, "Status:     refresh failed, try again later\n")
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", s.Error)
	}
}

func newConnectionsRefreshCmd(output *string) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <connection-id>",
		Short: "Refresh a connection's access token now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(*output); err != nil {
				return err
			}
			return withServerContext(cmd, func(sc *server.ServerContext) error {
				tok, err := sc.Coordinator().ForceRefresh(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *output == outputJSON {
					return writeJSON(cmd.OutOrStdout(), map[string]any{
						"connection_id": tok.ConnectionID,
						"expires_at":    tok.ExpiresAt,
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Refreshed %s, token expires at %s\n", tok.ConnectionID, tok.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func newConnectionsDisconnectCmd(output *string) *cobra.Command {
	var (
		noRevoke bool
		purge    bool
	)

	cmd := &cobra.Command{
		Use:   "disconnect <connection-id>",
		Short: "Disconnect a Gmail account",
		Long: `Disconnect a Gmail account. The tokens are revoked at Google unless
--no-revoke is given; the connection is kept inactive unless --purge is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(*output); err != nil {
				return err
			}
			var opts []connections.DisconnectOption
			if purge {
				opts = append(opts, connections.WithPurge())
			}
			return withServerContext(cmd, func(sc *server.ServerContext) error {
				result, err := sc.Connections().Disconnect(cmd.Context(), args[0], !noRevoke, opts...)
				if err != nil {
					return err
				}
				if *output == outputJSON {
					return writeJSON(cmd.OutOrStdout(), result)
				}
				action := "Deactivated"
				if result.Purged {
					action = "Deleted"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", action, result.ConnectionID, result.AccountAddress)
				if result.RevokeError != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Warning: revocation at Google failed: %s\n", result.RevokeError)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&noRevoke, "no-revoke", false, "Do not revoke the tokens at Google")
	cmd.Flags().BoolVar(&purge, "purge", false, "Delete the connection instead of deactivating it")
	return cmd
}
