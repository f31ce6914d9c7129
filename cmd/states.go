package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teemow/mailboxauth/internal/storage"
)

func newStatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "states",
		Short: "Maintain pending authorization states",
	}
	cmd.AddCommand(newStatesPurgeCmd())
	return cmd
}

func newStatesPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired authorization states",
		Long: `Delete authorization states whose callback never arrived. The server does
this periodically; the command is meant for deployments that run it from cron.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			repo, err := openRepository(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			n, err := repo.PurgeExpiredStates(cmd.Context(), storage.Now())
			if err != nil {
				return fmt.Errorf("failed to purge states: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired authorization states\n", n)
			return nil
		},
	}
}
