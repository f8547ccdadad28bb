package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/HsiangNianian/hidrelay/internal/auth"
)

// passwordPrompt reads the password for hash-password. Tests replace it.
var passwordPrompt = auth.PromptAndConfirmPassword

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Print an argon2id hash for the auth.users config",
	Args:  cobra.NoArgs,
	RunE:  runHashPassword,
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}

func runHashPassword(cmd *cobra.Command, _ []string) error {
	pw, err := passwordPrompt()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(pw)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
