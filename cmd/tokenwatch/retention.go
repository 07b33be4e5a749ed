package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	apppkg "github.com/artpar/tokenwatch/app"
	"github.com/spf13/cobra"
)

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Manage data retention",
	Long: `Apply the stored retention policy.

Examples:
  tokenwatch retention run`,
}

var retentionRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Delete data older than the retention policy allows",
	RunE:  runRetention,
}

func init() {
	rootCmd.AddCommand(retentionCmd)
	retentionCmd.AddCommand(retentionRunCmd)
}

func runRetention(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	report, runErr := app.Retention.Enforce(cmd.Context(), app.Settings.Retention())
	if runErr != nil && !apppkg.IsPartialFailure(runErr) {
		return fmt.Errorf("retention: %w", runErr)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tCUTOFF\tDELETED\tDROPPED\tSTATUS")
	fmt.Fprintln(w, "-----\t------\t-------\t-------\t------")
	for _, c := range report.Classes {
		cutoff := "never"
		if c.Cutoff != nil {
			cutoff = c.Cutoff.Format(time.RFC3339)
		}
		status := checkMark
		if c.Error != "" {
			status = crossMark + " " + c.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", c.Class, cutoff, c.Deleted, len(c.Partitions), status)
	}
	w.Flush()

	return runErr
}
