package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/toolgate/internal/domain/auth"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Generate an argon2id hash for a bearer token",
	Long: `Generate an argon2id hash of a bearer token for use in config.

The output is a PHC-format string that can be used directly in
control_plane.admin_token_hash or control_plane.gateway_token_hash.
Values without the argon2id prefix are compared as plaintext, which is
how the dev-mode tokens work; production configs should only carry
hashes.

Example:
  toolgate hash-token "my-secret-token"
  # Output: $argon2id$v=19$m=65536,t=1,p=...

Security note: The token will appear in shell history.
Consider clearing history after use or using an environment variable:
  toolgate hash-token "$MY_TOKEN"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		hash, err := auth.HashToken(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
	},
}

func init() {
	rootCmd.AddCommand(hashTokenCmd)
}
