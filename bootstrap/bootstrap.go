// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from a YAML file with TOKENWATCH_* environment overrides;
// policies live in the settings store once seeded.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artpar/tokenwatch/adapters/clock"
	apihttp "github.com/artpar/tokenwatch/adapters/http"
	"github.com/artpar/tokenwatch/adapters/idgen"
	"github.com/artpar/tokenwatch/adapters/metrics"
	"github.com/artpar/tokenwatch/adapters/sqlite"
	"github.com/artpar/tokenwatch/app"
	"github.com/artpar/tokenwatch/config"
	"github.com/artpar/tokenwatch/domain/alert"
	"github.com/artpar/tokenwatch/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Options provides optional settings for application initialization.
type Options struct {
	Version string
	Clock   ports.Clock       // Defaults to the wall clock
	IDGen   ports.IDGenerator // Defaults to UUIDs
	Output  io.Writer         // Log output; defaults to stdout
}

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Holder
	DB         *sqlite.DB // nil with the memory driver
	Stores     Stores
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Registry   *prometheus.Registry

	// Services
	Settings   *app.SettingsService
	Ingest     *app.IngestService
	Detector   *app.DetectorService
	Alerts     *app.AlertService
	Aggregator *app.AggregatorService
	Retention  *app.RetentionService
	Scheduler  *app.Scheduler

	clock   ports.Clock
	started bool
}

// New creates and initializes the application from a config holder.
// Nothing runs in the background until Run is called.
func New(holder *config.Holder, opts Options) (*App, error) {
	cfg := holder.Get()

	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.IDGen == nil {
		opts.IDGen = idgen.UUID{}
	}

	logger := NewLogger(cfg.Logging, opts.Output)
	logger.Info().Str("version", opts.Version).Msg("initializing tokenwatch")

	a := &App{
		Logger: logger,
		Config: holder,
		clock:  opts.Clock,
	}

	// Each App owns a registry so several instances can coexist in one process.
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewWithRegistry(a.Registry)

	stores, db, err := OpenStores(cfg, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	a.Stores = stores
	a.DB = db
	logger.Info().
		Str("driver", cfg.Database.Driver).
		Str("partition_unit", cfg.Partitioning.Unit).
		Msg("storage initialized")

	if err := a.initServices(cfg, opts); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.registerJobs(cfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("register jobs: %w", err)
	}

	a.initHTTPServer(cfg, opts.Version)
	a.watchConfig()

	return a, nil
}

func (a *App) initServices(cfg *config.Config, opts Options) error {
	ctx := context.Background()
	s := a.Stores

	a.Settings = app.NewSettingsService(s.Settings, cfg.Policies.Snapshot(), a.Logger)
	if err := a.Settings.Load(ctx); err != nil {
		return fmt.Errorf("load policies: %w", err)
	}

	a.Ingest = app.NewIngestService(
		s.Metrics, s.Metadata, s.Hallucinations, a.Settings,
		opts.IDGen, opts.Clock, a.Metrics, a.Logger,
		app.IngestServiceConfig{Prices: cfg.Pricing},
	)

	a.Detector = app.NewDetectorService(
		s.Anomalies, opts.IDGen, opts.Clock, a.Metrics, a.Logger,
		app.DetectorServiceConfig{
			Thresholds: cfg.Detector.Thresholds(),
			QueueSize:  cfg.Detector.QueueSize,
		},
	)
	a.Ingest.AddObserver(a.Detector)

	notifiers := map[alert.TargetType]ports.Notifier{
		alert.TargetWebhook: app.NewWebhookNotifier(app.WebhookNotifierConfig{
			Timeout:     cfg.Notify.WebhookTimeout,
			MaxAttempts: cfg.Notify.MaxAttempts,
		}, a.Logger),
		alert.TargetLog: app.NewLogNotifier(a.Logger),
	}
	a.Alerts = app.NewAlertService(
		s.AlertConfigs, s.AlertEvents, s.Metrics, notifiers,
		opts.IDGen, opts.Clock, a.Metrics, a.Logger,
	)

	a.Aggregator = app.NewAggregatorService(
		s.Metrics, s.Aggregates, opts.Clock, a.Metrics, a.Logger,
		app.AggregatorServiceConfig{LookbackDays: cfg.Aggregation.LookbackDays},
	)

	a.Retention = app.NewRetentionService(
		s.Partitions, s.Metadata, s.Anomalies, s.Hallucinations, s.AlertEvents, s.Aggregates,
		opts.Clock, a.Metrics, a.Logger,
		app.RetentionServiceConfig{
			BatchSize:        cfg.Retention.BatchSize,
			BatchesPerSecond: cfg.Retention.BatchesPerSecond,
		},
	)

	a.Scheduler = app.NewScheduler(opts.Clock, a.Metrics, a.Logger)
	return nil
}

func (a *App) registerJobs(cfg *config.Config) error {
	jobs := []app.Job{
		{
			Name:     "alerts",
			Schedule: app.Schedule{Every: cfg.Alerts.Tick},
			Timeout:  cfg.Alerts.Tick,
			Run:      a.Alerts.Evaluate,
		},
		{
			Name:       "partitions",
			Schedule:   app.Schedule{At: cfg.Partitioning.At},
			Timeout:    cfg.Jobs.Timeout,
			RunOnStart: true,
			Run:        a.EnsurePartitions,
		},
		{
			Name:     "aggregate",
			Schedule: app.Schedule{At: cfg.Aggregation.At},
			Timeout:  cfg.Jobs.Timeout,
			Run:      a.Aggregator.AggregateRecent,
		},
		{
			Name:     "retention",
			Schedule: app.Schedule{At: cfg.Retention.At},
			Timeout:  cfg.Jobs.Timeout,
			Run: func(ctx context.Context) error {
				_, err := a.Retention.Enforce(ctx, a.Settings.Retention())
				return err
			},
		},
	}
	for _, j := range jobs {
		if err := a.Scheduler.Register(j); err != nil {
			return err
		}
	}
	return nil
}

// Clock returns the clock the services run on.
func (a *App) Clock() ports.Clock {
	return a.clock
}

// EnsurePartitions creates the current partition and the configured number ahead.
func (a *App) EnsurePartitions(ctx context.Context) error {
	n := a.Config.Get().Partitioning.Precreate
	handles, err := a.Stores.Partitions.PreCreate(ctx, a.clock.Now(), n)
	if err != nil {
		return fmt.Errorf("precreate partitions: %w", err)
	}
	a.Logger.Debug().Int("count", len(handles)).Msg("partitions ensured")
	return nil
}

func (a *App) initHTTPServer(cfg *config.Config, version string) {
	var metricsHandler http.Handler = http.NotFoundHandler()
	if cfg.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
		a.Logger.Info().Msg("prometheus metrics enabled at /metrics")
	}

	var health apihttp.HealthChecker
	if a.DB != nil {
		health = a.DB
	}

	router := apihttp.NewRouter(apihttp.Deps{
		Ingest:         a.Ingest,
		Detector:       a.Detector,
		Alerts:         a.Alerts,
		Aggregator:     a.Aggregator,
		Retention:      a.Retention,
		Settings:       a.Settings,
		Metrics:        a.Stores.Metrics,
		Hallucinations: a.Stores.Hallucinations,
		Partitions:     a.Stores.Partitions,
		PartitionUnit:  cfg.Partitioning.PartitionUnit(),
		Clock:          a.clock,
		Health:         health,
		Collector:      a.Metrics,
		MetricsHandler: metricsHandler,
		Version:        version,
		Logger:         a.Logger,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	a.HTTPServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("http server configured")
}

// watchConfig applies reloadable fields when the holder reloads.
func (a *App) watchConfig() {
	a.Config.OnChange(func(cfg *config.Config) {
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
		a.Detector.SetThresholds(cfg.Detector.Thresholds())
		a.Metrics.ConfigReloads.Inc()
		a.Metrics.ConfigLastReload.SetToCurrentTime()
	})
	a.Config.OnError(func(error) {
		a.Metrics.ConfigReloadErrors.Inc()
	})
}

// Start launches background work: alert state restore, the detector worker,
// the scheduler and config watching. It does not serve HTTP.
func (a *App) Start(ctx context.Context) error {
	if err := a.Alerts.Restore(ctx); err != nil {
		return fmt.Errorf("restore alert state: %w", err)
	}
	a.Detector.Start()
	a.Scheduler.Start()

	if a.Config.Path() != "" {
		if err := a.Config.WatchFile(); err != nil {
			a.Logger.Warn().Err(err).Msg("config file watching disabled")
		}
		a.Config.WatchSignals()
	}
	a.started = true
	return nil
}

// Run starts the application and blocks until ctx is done, a SIGINT or
// SIGTERM arrives, or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Shutdown()
		return err
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
		a.Logger.Info().Msg("context cancelled, shutting down")
	}

	if err := a.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	timeout := a.Config.Get().Server.ShutdownTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.Config.Stop()

	// Stop accepting requests before draining the workers they feed.
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.started {
		a.Scheduler.Stop()
		a.Detector.Stop()
		a.started = false
	}

	err := a.Close()
	a.Logger.Info().Msg("shutdown complete")
	return err
}

// Close releases storage. CLI commands that never Start call it directly.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	err := a.DB.Close()
	if err != nil {
		a.Logger.Error().Err(err).Msg("database close error")
	}
	a.DB = nil
	return err
}

// NewLogger builds the process logger and sets the global level.
func NewLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(out).With().Timestamp().Logger()
}
