package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/abgoat/internal/store"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <test>",
		Short: "Export per-variant counters",
		Long: `Export each variant's counters and derived rates in CSV or JSON format.

Examples:
  abgoat export hero --format csv > hero.csv
  abgoat export hero --format json > hero.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("invalid format: must be 'csv' or 'json'")
			}

			return withEngine(cmd, opts, func(ctx context.Context, a *app) error {
				test, err := resolveTest(ctx, a.engine, args[0])
				if err != nil {
					return err
				}

				if format == "csv" {
					return exportCSV(cmd.OutOrStdout(), test)
				}
				return exportJSON(cmd.OutOrStdout(), test)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv or json)")
	return cmd
}

type exportRow struct {
	VariantID            string  `json:"variant_id"`
	Name                 string  `json:"name"`
	IsControl            bool    `json:"is_control"`
	TrafficAllocation    float64 `json:"traffic_allocation"`
	Impressions          int64   `json:"impressions"`
	Conversions          int64   `json:"conversions"`
	Revenue              float64 `json:"revenue"`
	ConversionRate       float64 `json:"conversion_rate"`
	RevenuePerImpression float64 `json:"revenue_per_impression"`
}

type jsonExport struct {
	TestID     string       `json:"test_id"`
	Name       string       `json:"name"`
	Status     store.Status `json:"status"`
	ExportedAt time.Time    `json:"exported_at"`
	Variants   []exportRow  `json:"variants"`
}

func exportRows(test *store.ABTest) []exportRow {
	rows := make([]exportRow, len(test.Variants))
	for i, v := range test.Variants {
		rows[i] = exportRow{
			VariantID:         v.ID,
			Name:              v.Name,
			IsControl:         v.IsControl,
			TrafficAllocation: v.TrafficAllocation,
			Impressions:       v.Impressions,
			Conversions:       v.Conversions,
			Revenue:           v.Revenue,
		}
		if v.Impressions > 0 {
			rows[i].ConversionRate = float64(v.Conversions) / float64(v.Impressions)
			rows[i].RevenuePerImpression = v.Revenue / float64(v.Impressions)
		}
	}
	return rows
}

func exportCSV(out io.Writer, test *store.ABTest) error {
	w := csv.NewWriter(out)

	header := []string{"variant_id", "name", "is_control", "traffic_allocation",
		"impressions", "conversions", "revenue", "conversion_rate", "revenue_per_impression"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, r := range exportRows(test) {
		row := []string{
			r.VariantID,
			r.Name,
			strconv.FormatBool(r.IsControl),
			strconv.FormatFloat(r.TrafficAllocation, 'f', -1, 64),
			strconv.FormatInt(r.Impressions, 10),
			strconv.FormatInt(r.Conversions, 10),
			strconv.FormatFloat(r.Revenue, 'f', -1, 64),
			strconv.FormatFloat(r.ConversionRate, 'f', 6, 64),
			strconv.FormatFloat(r.RevenuePerImpression, 'f', 6, 64),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

func exportJSON(out io.Writer, test *store.ABTest) error {
	export := jsonExport{
		TestID:     test.ID,
		Name:       test.Name,
		Status:     test.Status,
		ExportedAt: time.Now().UTC(),
		Variants:   exportRows(test),
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
