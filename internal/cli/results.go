package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/abgoat/internal/store"
)

func newResultsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "results <test>",
		Short: "Show the current verdict for a test",
		Long: `Evaluate a test and show conversion rates, confidence intervals, the
significance test and a recommendation. Evaluation never changes the test.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, a *app) error {
				test, err := resolveTest(ctx, a.engine, args[0])
				if err != nil {
					return err
				}

				v, err := a.engine.Evaluate(ctx, test.ID)
				if err != nil {
					return err
				}

				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(v)
				}
				printVerdict(cmd.OutOrStdout(), test, v)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the verdict as JSON")
	return cmd
}

func printVerdict(out io.Writer, test *store.ABTest, v *store.Verdict) {
	fmt.Fprintf(out, "TEST: %s\n", test.Name)
	fmt.Fprintf(out, "STATUS: %s\n", test.Status)
	fmt.Fprintf(out, "METRIC: %s\n", test.SuccessMetric)
	if test.StartDate != nil {
		fmt.Fprintf(out, "STARTED: %s\n", test.StartDate.Format("2006-01-02"))
	}
	fmt.Fprintln(out)

	ciLabel := fmt.Sprintf("%.0f%% CI", v.ConfidenceLevel*100)
	fmt.Fprintf(out, "%-18s  %-9s  %-11s  %-7s  %s\n", "VARIANT", "VIEWS", "CONVERSIONS", "RATE", ciLabel)
	fmt.Fprintln(out, strings.Repeat("─", 66))

	for _, s := range v.VariantSummaries {
		name := s.Name
		if len(name) > 16 {
			name = name[:13] + "..."
		}
		if s.IsControl {
			name += " *"
		}

		ci := fmt.Sprintf("[%.1f%%, %.1f%%]", s.CILower*100, s.CIUpper*100)
		if s.Impressions == 0 {
			ci = "N/A"
		}

		indicator := ""
		if v.WinningVariantID != nil && *v.WinningVariantID == s.VariantID {
			indicator = " ← WINNER"
		}

		fmt.Fprintf(out, "%-18s  %-9s  %-11s  %-7s  %s%s\n",
			name,
			formatNumber(s.Impressions),
			formatNumber(s.Conversions),
			formatPercent(s.ConversionRate),
			ci,
			indicator,
		)
	}
	fmt.Fprintln(out, "* control")
	fmt.Fprintln(out)

	if v.InsufficientData {
		fmt.Fprintln(out, "Significance: not enough data")
	} else {
		fmt.Fprintf(out, "Significance: z = %.3f, p = %.4f, lift = %+.1f%%\n", v.ZScore, v.PValue, v.LiftPercent)
		if v.StatisticallySignificant {
			fmt.Fprintf(out, "Result is significant at %.0f%% confidence\n", v.ConfidenceLevel*100)
		} else {
			fmt.Fprintf(out, "Result is not significant at %.0f%% confidence\n", v.ConfidenceLevel*100)
		}
	}
	if !v.SampleSizeReached {
		fmt.Fprintf(out, "Sample size: below %s impressions per variant\n", formatNumber(test.MinimumSampleSize))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, v.Recommendation)
}
