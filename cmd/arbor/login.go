package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/arbor-sh/arbor/internal/auth"
	"github.com/arbor-sh/arbor/internal/config"
	"github.com/arbor-sh/arbor/internal/observability"
)

// loginProviders are the names the credential store accepts. Bedrock
// authenticates through the AWS credential chain, not an API key.
var loginProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"google":    true,
}

func buildLoginCmd() *cobra.Command {
	var (
		credsFile string
		remove    bool
	)

	cmd := &cobra.Command{
		Use:   "login <provider>",
		Short: "Store an API key for a provider",
		Long: `Store an API key in the credential store. The serve command consults
the store for any provider the config file leaves without credentials.

The key is read from the terminal without echo, or from stdin when
piped.`,
		Example: `  arbor login anthropic
  echo "$OPENAI_API_KEY" | arbor login openai
  arbor login --remove google`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.ToLower(args[0])
			if !loginProviders[name] {
				return fmt.Errorf("unknown provider %q (anthropic, openai, google)", name)
			}
			if credsFile == "" {
				credsFile = credentialsPath(config.Default())
			}
			store, err := auth.NewStore(credsFile, observability.NewNopLogger())
			if err != nil {
				return err
			}

			if remove {
				if err := store.Delete(name); err != nil {
					return err
				}
				fmt.Println("removed credential for", name)
				return nil
			}

			key, err := readSecret(fmt.Sprintf("API key for %s: ", name))
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("empty key")
			}
			if err := store.SetAPIKey(name, key); err != nil {
				return err
			}
			fmt.Printf("stored credential for %s in %s\n", name, credsFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&credsFile, "credentials", "", "Credential store path (default ~/.arbor/credentials.json)")
	cmd.Flags().BoolVar(&remove, "remove", false, "Remove the stored credential instead")
	return cmd
}

// readSecret reads a key without echo when stdin is a terminal, and as
// one trimmed line otherwise.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		key, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(key)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
