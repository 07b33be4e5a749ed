package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/artpar/tokenwatch/domain/usage"
	"github.com/spf13/cobra"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Recompute the daily rollup for one day",
	Long: `Recompute the daily aggregates for one UTC day from the raw metrics.

Rows for the day are replaced, so running twice is harmless.

Examples:
  tokenwatch aggregate                    # yesterday
  tokenwatch aggregate --date 2026-10-15`,
	RunE: runAggregate,
}

var aggregateDate string

func init() {
	rootCmd.AddCommand(aggregateCmd)

	aggregateCmd.Flags().StringVar(&aggregateDate, "date", "", "day to aggregate, YYYY-MM-DD (default: yesterday)")
}

func runAggregate(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	date := app.Clock().Now().AddDate(0, 0, -1)
	if aggregateDate != "" {
		date, err = usage.ParseDate(aggregateDate)
		if err != nil {
			return err
		}
	}
	date, _ = usage.DayBounds(date)

	aggs, err := app.Aggregator.AggregateDay(cmd.Context(), date)
	if err != nil {
		return fmt.Errorf("aggregate %s: %w", usage.FormatDate(date), err)
	}

	out := cmd.OutOrStdout()
	if len(aggs) == 0 {
		fmt.Fprintf(out, "No requests on %s.\n", usage.FormatDate(date))
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tAPPLICATION\tENVIRONMENT\tREQUESTS\tERRORS\tTOKENS\tCOST")
	fmt.Fprintln(w, "--------\t-----\t-----------\t-----------\t--------\t------\t------\t----")
	for _, a := range aggs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%.4f\n",
			a.Provider, a.Model, a.Application, a.Environment,
			a.RequestCount, a.ErrorCount, a.TotalTokens, a.TotalCost)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%s Aggregated %d groups for %s\n", checkMark, len(aggs), usage.FormatDate(date))
	return nil
}
