package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/gkobilansky/abgoat/internal/engine"
)

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		variants   string
		weights    string
		control    string
		hypothesis string
		metric     string
		confidence float64
		minSample  int64
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new A/B test",
		Long: `Create a draft A/B test with the specified name and variants.

Traffic is split evenly unless --weights is given. The first variant is the
control unless --control names another one. Missing --hypothesis or --metric
are asked for interactively.

Examples:
  abgoat create hero --variants "Ship Faster,Build Better" \
    --hypothesis "Benefit copy converts better" --metric signup
  abgoat create pricing --variants "Old,New" --weights "0.8,0.2" --control Old`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := splitList(variants)
			if len(names) < 2 {
				return fmt.Errorf("need at least 2 variants. Example: --variants \"A,B\"")
			}

			allocs, err := parseWeights(weights, len(names))
			if err != nil {
				return err
			}

			controlIdx := 0
			if control != "" {
				controlIdx = -1
				for i, n := range names {
					if strings.EqualFold(n, control) {
						controlIdx = i
						break
					}
				}
				if controlIdx < 0 {
					return fmt.Errorf("control '%s' is not one of the variants", control)
				}
			}

			if hypothesis == "" {
				if hypothesis, err = promptRequired("Hypothesis"); err != nil {
					return err
				}
			}
			if metric == "" {
				if metric, err = promptRequired("Success metric"); err != nil {
					return err
				}
			}

			spec := engine.TestSpec{
				Name:              args[0],
				Hypothesis:        hypothesis,
				SuccessMetric:     metric,
				ConfidenceLevel:   confidence,
				MinimumSampleSize: minSample,
			}
			for i, n := range names {
				spec.Variants = append(spec.Variants, engine.VariantSpec{
					Name:              n,
					IsControl:         i == controlIdx,
					TrafficAllocation: allocs[i],
				})
			}

			return withEngine(cmd, opts, func(ctx context.Context, a *app) error {
				test, err := a.engine.CreateTest(ctx, spec)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created test '%s' (%s) with %d variants:\n", test.Name, test.ID, len(test.Variants))
				for _, v := range test.Variants {
					marker := ""
					if v.IsControl {
						marker = " (control)"
					}
					fmt.Fprintf(out, "  %s  %-20s %s%s\n", v.ID, v.Name, formatPercent(v.TrafficAllocation), marker)
				}
				fmt.Fprintf(out, "Confidence: %s  Minimum sample: %s per variant\n",
					formatPercent(test.ConfidenceLevel), formatNumber(test.MinimumSampleSize))
				fmt.Fprintf(out, "\nStart collecting data with: abgoat start %s\n", test.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&variants, "variants", "v", "", "comma-separated variant names (required)")
	cmd.Flags().StringVarP(&weights, "weights", "w", "", "comma-separated traffic allocations summing to 1 (default: even split)")
	cmd.Flags().StringVar(&control, "control", "", "name of the control variant (default: first variant)")
	cmd.Flags().StringVar(&hypothesis, "hypothesis", "", "what the test is expected to show")
	cmd.Flags().StringVar(&metric, "metric", "", "success metric being measured")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "confidence level, e.g. 0.95 (default from config)")
	cmd.Flags().Int64Var(&minSample, "min-sample", 0, "minimum impressions per variant (default from config)")
	cmd.MarkFlagRequired("variants")

	return cmd
}

func newAllocateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "allocate <test> <variant> <allocation>",
		Short: "Change a variant's traffic allocation on a draft test",
		Long: `Change a single variant's traffic allocation. Only draft tests can be
changed, and the allocations must sum to 1 again before the test starts.

Example:
  abgoat allocate pricing New 0.5`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("allocation must be a number, got '%s'", args[2])
			}

			return withEngine(cmd, opts, func(ctx context.Context, a *app) error {
				test, err := resolveTest(ctx, a.engine, args[0])
				if err != nil {
					return err
				}
				v, err := resolveVariant(test, args[1])
				if err != nil {
					return err
				}

				test, err = a.engine.SetTrafficAllocation(ctx, test.ID, v.ID, alloc)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				var sum float64
				for _, tv := range test.Variants {
					sum += tv.TrafficAllocation
					fmt.Fprintf(out, "  %-20s %s\n", tv.Name, formatPercent(tv.TrafficAllocation))
				}
				if sum < 1-1e-6 || sum > 1+1e-6 {
					fmt.Fprintf(out, "Allocations sum to %s; adjust them to 100%% before starting the test.\n", formatPercent(sum))
				}
				return nil
			})
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseWeights returns n allocations, splitting evenly when raw is empty.
func parseWeights(raw string, n int) ([]float64, error) {
	allocs := make([]float64, n)
	if strings.TrimSpace(raw) == "" {
		for i := range allocs {
			allocs[i] = 1 / float64(n)
		}
		return allocs, nil
	}

	parts := splitList(raw)
	if len(parts) != n {
		return nil, fmt.Errorf("got %d weights for %d variants", len(parts), n)
	}
	for i, p := range parts {
		w, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("weight '%s' is not a number", p)
		}
		allocs[i] = w
	}
	return allocs, nil
}

func promptRequired(label string) (string, error) {
	p := promptui.Prompt{
		Label: label,
		Validate: func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", strings.ToLower(label))
			}
			return nil
		},
	}
	v, err := p.Run()
	if err != nil {
		return "", promptErr(err)
	}
	return v, nil
}
