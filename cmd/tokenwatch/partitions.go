package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/artpar/tokenwatch/domain/partition"
	"github.com/spf13/cobra"
)

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "Inspect and pre-create metric partitions",
	Long: `Inspect and pre-create the time partitions that hold raw metrics.

Examples:
  tokenwatch partitions list
  tokenwatch partitions ensure --count 3`,
}

var partitionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List metric partitions",
	RunE:  runPartitionsList,
}

var partitionsEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create the current partition and the ones ahead of it",
	RunE:  runPartitionsEnsure,
}

var partitionsCount int

func init() {
	rootCmd.AddCommand(partitionsCmd)

	partitionsCmd.AddCommand(partitionsListCmd)
	partitionsCmd.AddCommand(partitionsEnsureCmd)

	partitionsEnsureCmd.Flags().IntVar(&partitionsCount, "count", 0, "partitions to ensure, current included (default: partitioning.precreate)")
}

func runPartitionsList(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	handles, err := app.Stores.Partitions.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list partitions: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(handles) == 0 {
		fmt.Fprintln(out, "No partitions found.")
		return nil
	}
	printPartitions(cmd, handles)
	return nil
}

func runPartitionsEnsure(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	n := partitionsCount
	if n <= 0 {
		n = app.Config.Get().Partitioning.Precreate
	}

	handles, err := app.Stores.Partitions.PreCreate(cmd.Context(), app.Clock().Now(), n)
	if err != nil {
		return fmt.Errorf("failed to create partitions: %w", err)
	}
	printPartitions(cmd, handles)
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s Ensured %d partitions\n", checkMark, len(handles))
	return nil
}

func printPartitions(cmd *cobra.Command, handles []partition.Handle) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tTABLE\tSTART\tEND")
	fmt.Fprintln(w, "---\t-----\t-----\t---")
	for _, h := range handles {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.Key, h.Table, h.Start.Format(time.RFC3339), h.End.Format(time.RFC3339))
	}
	w.Flush()
}
