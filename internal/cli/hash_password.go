package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thruflo/memwatch/internal/auth"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a password for the diagnostics server",
	Long: `Prompts for a password twice and prints its argon2id hash.

Put the hash in server.password_hash in .memwatch/config.yaml, or in
MEMWATCH_SERVER_PASSWORD_HASH. In .memwatch/.env wrap it in single quotes so
the $ separators are not expanded.`,
	Args: cobra.NoArgs,
	RunE: runHashPassword,
}

// Overridden in tests.
var (
	newPrompter = func(cmd *cobra.Command) *auth.Prompter {
		return auth.NewTerminalPrompter(cmd.ErrOrStderr())
	}
	hashParams = auth.DefaultParams
)

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	password, err := newPrompter(cmd).PromptAndConfirm()
	if err != nil {
		return err
	}

	hash, err := hashParams.Hash(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
