package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/portscope/internal/auth"
)

var apiKeyGenerate bool

// apiKeysCmd represents the apikeys command group
var apiKeysCmd = &cobra.Command{
	Use:     "apikeys",
	Aliases: []string{"apikey", "keys", "key"},
	Short:   "Create API key hashes for server authentication",
	Long: `The API server accepts a key when it matches one of the bcrypt hashes
listed under api.api_key_hashes in the config file. Keys are sent in the
X-API-Key header or as a Bearer token.

Only the hash goes in the config file; keep the key itself with the client.`,
	Example: `  # Generate a random key and its hash
  portscope apikeys hash --generate

  # Hash an existing key read from stdin
  echo -n "$KEY" | portscope apikeys hash`,
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

// apiKeysHashCmd hashes a key for the config file.
var apiKeysHashCmd = &cobra.Command{
	Use:   "hash [key]",
	Short: "Print the bcrypt hash of an API key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAPIKeyHash(cmd.InOrStdin(), cmd.OutOrStdout(), args, apiKeyGenerate)
	},
}

func init() {
	rootCmd.AddCommand(apiKeysCmd)
	apiKeysCmd.AddCommand(apiKeysHashCmd)

	apiKeysHashCmd.Flags().BoolVar(&apiKeyGenerate, "generate", false, "Generate a new random key")
}

func runAPIKeyHash(in io.Reader, out io.Writer, args []string, generate bool) error {
	if generate {
		generated, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "key:  %s\n", generated.Key)
		writeKeyHash(out, generated.Hash)
		return nil
	}

	var key string
	switch {
	case len(args) == 1:
		key = args[0]
	default:
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read key: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if key == "" {
		return fmt.Errorf("no API key given")
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}
	writeKeyHash(out, hash)
	return nil
}

func writeKeyHash(out io.Writer, hash string) {
	fmt.Fprintf(out, "hash: %s\n", hash)
	fmt.Fprintf(out, "\n# add to config.yaml (generated %s)\napi:\n  api_key_hashes:\n    - %q\n",
		time.Now().Format(time.RFC3339), hash)
}
