package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the mailboxauth application
var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mailboxauth",
		Short: "Connects Gmail accounts and keeps their OAuth tokens fresh",
		Long: `mailboxauth runs the OAuth authorization code flow (with PKCE) for Gmail,
stores the resulting tokens encrypted at rest and hands out valid access tokens,
refreshing them once per connection no matter how many callers ask.

It can run as:
  - An HTTP server for OAuth callbacks and connection management
  - An MCP (Model Context Protocol) server for AI assistants
  - A CLI for inspecting and maintaining stored connections`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("storage-type", "", "Storage backend: sqlite or postgres. Can also use MAILBOXAUTH_STORAGE_TYPE env var.")
	cmd.PersistentFlags().String("sqlite-path", "", "SQLite database file. Can also use MAILBOXAUTH_SQLITE_PATH env var.")
	cmd.PersistentFlags().String("postgres-dsn", "", "PostgreSQL connection string. Can also use MAILBOXAUTH_POSTGRES_DSN env var.")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error. Can also use MAILBOXAUTH_LOG_LEVEL env var.")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConnectCmd())
	cmd.AddCommand(newConnectionsCmd())
	cmd.AddCommand(newStatesCmd())
	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newGenerateDocsCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mailboxauth version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
