package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codingphoenixx/simplerequest/internal/auth"
)

var useSHA256 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an API key for the config file",
	Long: `Hash an API key for the auth.api_keys.key_hash config field.

By default the key is hashed with Argon2id (PHC format, random salt).
Pass --sha256 for the cheaper SHA-256 format.

Example:
  simplerequest hash-key "my-secret-api-key"

Security note: the key appears in shell history. Consider clearing
history after use or passing an environment variable:
  simplerequest hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if useSHA256 {
			fmt.Println(auth.HashKeySHA256(args[0]))
			return nil
		}
		hash, err := auth.HashKeyArgon2id(args[0])
		if err != nil {
			return fmt.Errorf("failed to hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&useSHA256, "sha256", false, "use SHA-256 instead of Argon2id")
	rootCmd.AddCommand(hashKeyCmd)
}
