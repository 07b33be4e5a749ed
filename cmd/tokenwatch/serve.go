package main

import (
	"fmt"
	"os"

	"github.com/artpar/tokenwatch/bootstrap"
	"github.com/artpar/tokenwatch/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion and query API",
	Long: `Start the tokenwatch server.

The server will:
  - Load configuration from tokenwatch.yaml (or --config)
  - Or load configuration from TOKENWATCH_* environment variables
  - Open the database and pre-create metric partitions
  - Accept events on POST /events and serve the query API
  - Run anomaly detection, alert evaluation, daily rollups and retention

Detector thresholds and the log level reload on file change or SIGHUP.

Environment variables (for Docker deployments):
  TOKENWATCH_DATABASE_DSN      - Database path (default: tokenwatch.db)
  TOKENWATCH_SERVER_PORT       - Server port (default: 8080)
  TOKENWATCH_PARTITION_UNIT    - month or day
  TOKENWATCH_LOG_LEVEL         - Log level: debug, info, warn, error

Examples:
  tokenwatch serve
  tokenwatch serve --config /etc/tokenwatch/config.yaml
  tokenwatch serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	var holder *config.Holder
	var err error

	if hasConfigFile && hotReload {
		// Hot reload only works with config file
		holder, err = config.NewHolder(cfgFile, zerolog.Nop())
	} else {
		// Load config (file with env overrides, or env-only)
		cfg, loadErr := config.LoadWithFallback(cfgFile)
		if loadErr != nil {
			return fmt.Errorf("error loading config: %w", loadErr)
		}

		if !hasConfigFile {
			fmt.Fprintln(cmd.ErrOrStderr(), "Running with environment variables (no config file)")
		}

		holder = config.NewStaticHolder(cfg, zerolog.Nop())
	}
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	app, err := bootstrap.New(holder, bootstrap.Options{Version: version})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run(cmd.Context())
}
