package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Show the API token of the running server",
		Long: `Show the API token written by 'abgoat serve'.

Use this when you've scrolled past the startup message or need to
call the operator API.

Example:
  curl -H "Authorization: Bearer $(abgoat token --quiet)" localhost:8080/api/tests`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(cfg.Server.TokenFile)
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("no server running. Start with: abgoat serve")
				}
				return fmt.Errorf("failed to read token file: %w", err)
			}

			token := strings.TrimSpace(string(data))
			if token == "" {
				return fmt.Errorf("token file is empty. Restart the server with: abgoat serve")
			}

			out := cmd.OutOrStdout()
			if quiet {
				fmt.Fprintln(out, token)
				return nil
			}
			fmt.Fprintf(out, "Token: %s\n", token)
			fmt.Fprintln(out)
			fmt.Fprintf(out, "API: http://localhost:%d/api/tests (Authorization: Bearer <token>)\n", cfg.Server.Port)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the token")
	return cmd
}
