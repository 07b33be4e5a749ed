package main

import (
	"fmt"
	"io"
	"os"

	"github.com/artpar/tokenwatch/bootstrap"
	"github.com/artpar/tokenwatch/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tokenwatch",
	Short: "Telemetry store and anomaly detector for LLM traffic",
	Long: `tokenwatch records per-request LLM telemetry, rolls it up daily,
detects latency, error-rate and token-usage anomalies, evaluates alert
rules and enforces retention.

Quick start:
  tokenwatch serve      # Start the ingestion and query API

Operations:
  tokenwatch aggregate        # Recompute a daily rollup
  tokenwatch retention run    # Apply the retention policy now
  tokenwatch partitions list  # Show metric partitions
  tokenwatch policy show      # Show retention and sampling policies
  tokenwatch validate         # Validate configuration`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "tokenwatch.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
}

// loadHolder loads the config file when present, else defaults with
// TOKENWATCH_* environment overrides.
func loadHolder() (*config.Holder, error) {
	if _, err := os.Stat(cfgFile); err == nil {
		return config.NewHolder(cfgFile, zerolog.Nop())
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	return config.NewStaticHolder(cfg, zerolog.Nop()), nil
}

// openApp builds the application for one-shot commands. The caller closes it.
func openApp() (*bootstrap.App, error) {
	holder, err := loadHolder()
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	var out io.Writer = io.Discard
	if verbose {
		out = os.Stderr
	}
	a, err := bootstrap.New(holder, bootstrap.Options{Version: version, Output: out})
	if err != nil {
		return nil, fmt.Errorf("error initializing: %w", err)
	}
	return a, nil
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
