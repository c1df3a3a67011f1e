package cli

import (
	"context"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/gkobilansky/abgoat/internal/engine"
	"github.com/gkobilansky/abgoat/internal/store"
)

type transitionFunc func(e *engine.Engine, ctx context.Context, id string) (*store.ABTest, error)

var transitions = map[string]transitionFunc{
	"start":  (*engine.Engine).StartTest,
	"pause":  (*engine.Engine).PauseTest,
	"resume": (*engine.Engine).ResumeTest,
	"cancel": (*engine.Engine).CancelTest,
}

// newTransitionCmd builds one of the start, pause, resume and cancel commands.
func newTransitionCmd(opts *rootOptions, name, short string) *cobra.Command {
	apply := transitions[name]

	return &cobra.Command{
		Use:   name + " <test>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, a *app) error {
				test, err := resolveTest(ctx, a.engine, args[0])
				if err != nil {
					return err
				}

				test, err = apply(a.engine, ctx, test.ID)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Test '%s' is now %s\n", test.Name, test.Status)
				return nil
			})
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <test>",
		Short: "Delete a test that is not running",
		Long: `Delete a draft, completed or cancelled test together with its counters
and stored verdict. Running and paused tests must be cancelled first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, a *app) error {
				test, err := resolveTest(ctx, a.engine, args[0])
				if err != nil {
					return err
				}

				if !yes {
					ok, err := confirm(fmt.Sprintf("Delete test '%s'", test.Name))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
						return nil
					}
				}

				if err := a.engine.DeleteTest(ctx, test.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted test '%s'\n", test.Name)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

// confirm asks a yes/no question; a "no" answer is not an error.
func confirm(label string) (bool, error) {
	p := promptui.Prompt{Label: label, IsConfirm: true}
	if _, err := p.Run(); err != nil {
		if err == promptui.ErrAbort {
			return false, nil
		}
		return false, promptErr(err)
	}
	return true, nil
}
