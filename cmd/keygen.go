package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teemow/mailboxauth/internal/encryption"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a token encryption key",
		Long: `Generate a random 32 byte AES-256 key, base64 encoded, for
MAILBOXAUTH_ENCRYPTION_KEY. Changing the key makes every stored token
unreadable; affected connections will need to be authorized again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encryption.GenerateKey()
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), encryption.KeyToBase64(key))
			return nil
		},
	}
}
