package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/abgoat/internal/engine"
)

func newRecordCmd(opts *rootOptions) *cobra.Command {
	var (
		conversion bool
		revenue    float64
		count      int
	)

	cmd := &cobra.Command{
		Use:   "record <test> <variant>",
		Short: "Record impressions and conversions by hand",
		Long: `Record one or more impressions for a variant of a running test, optionally
with a conversion and revenue. Useful for backfills and offline channels.

Examples:
  abgoat record hero "Build Better"
  abgoat record hero "Build Better" --conversion --revenue 49 --count 3`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
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

				ev := engine.Event{
					TestID:     test.ID,
					VariantID:  v.ID,
					Impression: true,
					Conversion: conversion,
					Revenue:    revenue,
				}
				for i := 0; i < count; i++ {
					if err := a.engine.RecordEvent(ctx, ev); err != nil {
						if i > 0 {
							fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d of %d events before stopping\n", i, count)
						}
						return err
					}
				}

				kind := "impression"
				if conversion {
					kind = "converted impression"
				}
				if count != 1 {
					kind += "s"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d %s for '%s' in '%s'\n", count, kind, v.Name, test.Name)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&conversion, "conversion", "c", false, "each impression also converted")
	cmd.Flags().Float64Var(&revenue, "revenue", 0, "revenue attributed to each event")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of identical events to record")
	return cmd
}
