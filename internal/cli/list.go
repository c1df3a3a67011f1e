package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all tests",
		Long:  `List all A/B tests with their status and traffic totals, newest first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, a *app) error {
				tests, err := a.engine.ListTests(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(tests) == 0 {
					fmt.Fprintln(out, "No tests yet.")
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Create one with:")
					fmt.Fprintln(out, "  abgoat create <name> --variants \"A,B\" --hypothesis ... --metric ...")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tVARIANTS\tVIEWS\tCONVERSIONS\tCREATED")

				for _, test := range tests {
					var views, conversions int64
					for _, v := range test.Variants {
						views += v.Impressions
						conversions += v.Conversions
					}

					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
						test.ID,
						test.Name,
						strings.ToUpper(string(test.Status)),
						len(test.Variants),
						formatNumber(views),
						formatNumber(conversions),
						test.CreatedAt.Format("2006-01-02"),
					)
				}

				return w.Flush()
			})
		},
	}
}
