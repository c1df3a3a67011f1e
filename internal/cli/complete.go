package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCompleteCmd(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "complete <test>",
		Short: "Stop a test and record its final verdict",
		Long: `Complete a running test. Counters are frozen, the verdict is computed
from them and stored, and no further events are accepted. A paused test must
be resumed first.

Example:
  abgoat complete hero --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, a *app) error {
				test, err := resolveTest(ctx, a.engine, args[0])
				if err != nil {
					return err
				}

				if !yes {
					ok, err := confirm(fmt.Sprintf("Complete test '%s' and stop collecting data", test.Name))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
						return nil
					}
				}

				test, v, err := a.engine.CompleteTest(ctx, test.ID)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Test '%s' has been marked as completed.\n\n", test.Name)
				printVerdict(cmd.OutOrStdout(), test, v)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
