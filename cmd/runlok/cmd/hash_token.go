package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runlok/runlok/internal/domain/auth"
)

var hashTokenSHA256 bool

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Hash an API token for the auth.token config field",
	Long: `Hash an API token so the plaintext never has to appear in config.

By default the output is an Argon2id PHC string; --sha256 produces the
cheaper "sha256:<hex>" form instead. Either value can be pasted directly
into the auth.token config field.

Example:
  runlok hash-token "my-secret-token"
  # Output: $argon2id$v=19$m=48128,t=1,p=1$...

Security note: the token will appear in shell history.
Consider clearing history after use or using an environment variable:
  runlok hash-token "$MY_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashTokenSHA256 {
			fmt.Println(auth.HashTokenSHA256(args[0]))
			return nil
		}
		hash, err := auth.HashTokenArgon2id(args[0])
		if err != nil {
			return fmt.Errorf("hash token: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	hashTokenCmd.Flags().BoolVar(&hashTokenSHA256, "sha256", false, "produce a SHA-256 digest instead of Argon2id")
	rootCmd.AddCommand(hashTokenCmd)
}
