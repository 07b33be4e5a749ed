// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/tokenwatch/domain/anomaly"
	"github.com/artpar/tokenwatch/domain/partition"
	"github.com/artpar/tokenwatch/domain/policy"
	"github.com/artpar/tokenwatch/domain/usage"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Partitioning PartitioningConfig `yaml:"partitioning"`
	Detector     DetectorConfig     `yaml:"detector"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Aggregation  AggregationConfig  `yaml:"aggregation"`
	Retention    RetentionConfig    `yaml:"retention"`
	Policies     PoliciesConfig     `yaml:"policies"`
	Pricing      []usage.Price      `yaml:"pricing"`
	Notify       NotifyConfig       `yaml:"notify"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the storage backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`    // SQLite file path
}

// PartitioningConfig configures the metric partitions.
type PartitioningConfig struct {
	Unit      string `yaml:"unit"`      // "month" or "day"
	Precreate int    `yaml:"precreate"` // Partitions ensured ahead of time, current included
	At        string `yaml:"at"`        // Daily pre-creation time, HH:MM UTC
}

// PartitionUnit returns the configured unit.
func (p PartitioningConfig) PartitionUnit() partition.Unit {
	return partition.Unit(p.Unit)
}

// DetectorConfig configures the anomaly detector. Thresholds are reloadable.
type DetectorConfig struct {
	Window               time.Duration `yaml:"window"`
	MinSamples           int           `yaml:"min_samples"`
	ZThreshold           float64       `yaml:"z_threshold"`
	ErrorWindow          time.Duration `yaml:"error_window"`
	ErrorRateMultiplier  float64       `yaml:"error_rate_multiplier"`
	MinBaselineErrorRate float64       `yaml:"min_baseline_error_rate"`
	MinErrorSamples      int           `yaml:"min_error_samples"`
	Cooldown             time.Duration `yaml:"cooldown"`
	QueueSize            int           `yaml:"queue_size"`
}

// Thresholds returns the detection thresholds with defaults applied.
func (d DetectorConfig) Thresholds() anomaly.Config {
	return anomaly.Config{
		Window:               d.Window,
		MinSamples:           d.MinSamples,
		ZThreshold:           d.ZThreshold,
		ErrorWindow:          d.ErrorWindow,
		ErrorRateMultiplier:  d.ErrorRateMultiplier,
		MinBaselineErrorRate: d.MinBaselineErrorRate,
		MinErrorSamples:      d.MinErrorSamples,
		Cooldown:             d.Cooldown,
	}.WithDefaults()
}

// AlertsConfig configures the alert evaluator.
type AlertsConfig struct {
	Tick time.Duration `yaml:"tick"`
}

// AggregationConfig configures the daily rollup job.
type AggregationConfig struct {
	At           string `yaml:"at"`            // HH:MM UTC
	LookbackDays int    `yaml:"lookback_days"` // Prior days recomputed per run
}

// RetentionConfig configures the retention job.
type RetentionConfig struct {
	At               string  `yaml:"at"` // HH:MM UTC
	BatchSize        int     `yaml:"batch_size"`
	BatchesPerSecond float64 `yaml:"batches_per_second"`
}

// PoliciesConfig seeds the policies on first boot. After that the stored
// policies win and change only through the API or the CLI.
type PoliciesConfig struct {
	Retention policy.Retention `yaml:"retention"`
	Sampling  policy.Sampling  `yaml:"sampling"`
}

// Snapshot returns the seed policies.
func (p PoliciesConfig) Snapshot() policy.Snapshot {
	return policy.Snapshot{Retention: p.Retention, Sampling: p.Sampling}
}

// NotifyConfig configures alert notification delivery.
type NotifyConfig struct {
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// JobsConfig configures background job runs.
type JobsConfig struct {
	Timeout time.Duration `yaml:"timeout"` // Per run
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"` // Enable /metrics endpoint
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Config{
		Metrics:  MetricsConfig{Enabled: true},
		Policies: PoliciesConfig{Retention: policy.DefaultRetention(), Sampling: policy.DefaultSampling()},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from defaults and environment variables.
//
// Environment variables:
//
//	TOKENWATCH_SERVER_HOST        - Server host (default: 0.0.0.0)
//	TOKENWATCH_SERVER_PORT        - Server port (default: 8080)
//	TOKENWATCH_DATABASE_DRIVER    - Storage backend: sqlite or memory (default: sqlite)
//	TOKENWATCH_DATABASE_DSN       - SQLite path (default: tokenwatch.db)
//	TOKENWATCH_PARTITION_UNIT     - Partition unit: month or day (default: month)
//	TOKENWATCH_DETECTOR_Z         - Detector z-score threshold (default: 3.0)
//	TOKENWATCH_ALERTS_TICK        - Alert evaluation interval (default: 60s)
//	TOKENWATCH_LOG_LEVEL          - Log level: debug, info, warn, error (default: info)
//	TOKENWATCH_LOG_FORMAT         - Log format: json or console (default: json)
//	TOKENWATCH_METRICS_ENABLED    - Enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	return Parse(nil)
}

// LoadWithFallback loads from file when it exists, else from the environment.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies TOKENWATCH_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("TOKENWATCH_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TOKENWATCH_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	// Database configuration
	if v := os.Getenv("TOKENWATCH_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("TOKENWATCH_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("TOKENWATCH_PARTITION_UNIT"); v != "" {
		cfg.Partitioning.Unit = v
	}

	if v := os.Getenv("TOKENWATCH_DETECTOR_Z"); v != "" {
		if z, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detector.ZThreshold = z
		}
	}

	if v := os.Getenv("TOKENWATCH_ALERTS_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Alerts.Tick = d
		}
	}

	// Logging configuration
	if v := os.Getenv("TOKENWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TOKENWATCH_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("TOKENWATCH_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "tokenwatch.db"
	}

	if cfg.Partitioning.Unit == "" {
		cfg.Partitioning.Unit = string(partition.UnitMonth)
	}
	if cfg.Partitioning.Precreate == 0 {
		cfg.Partitioning.Precreate = 2
	}
	if cfg.Partitioning.At == "" {
		cfg.Partitioning.At = "00:05"
	}

	if cfg.Detector.QueueSize == 0 {
		cfg.Detector.QueueSize = 4096
	}

	if cfg.Alerts.Tick == 0 {
		cfg.Alerts.Tick = 60 * time.Second
	}

	if cfg.Aggregation.At == "" {
		cfg.Aggregation.At = "00:15"
	}
	if cfg.Aggregation.LookbackDays == 0 {
		cfg.Aggregation.LookbackDays = 2
	}

	if cfg.Retention.At == "" {
		cfg.Retention.At = "03:00"
	}
	if cfg.Retention.BatchSize == 0 {
		cfg.Retention.BatchSize = 1000
	}

	if cfg.Notify.WebhookTimeout == 0 {
		cfg.Notify.WebhookTimeout = 10 * time.Second
	}
	if cfg.Notify.MaxAttempts == 0 {
		cfg.Notify.MaxAttempts = 3
	}

	if cfg.Jobs.Timeout == 0 {
		cfg.Jobs.Timeout = 5 * time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	validDrivers := map[string]bool{"sqlite": true, "memory": true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be 'sqlite' or 'memory', got %q", cfg.Database.Driver)
	}

	if !cfg.Partitioning.PartitionUnit().Valid() {
		return fmt.Errorf("partitioning.unit must be 'month' or 'day', got %q", cfg.Partitioning.Unit)
	}
	if cfg.Partitioning.Precreate < 1 {
		return fmt.Errorf("partitioning.precreate must be >= 1")
	}

	for name, at := range map[string]string{
		"partitioning.at": cfg.Partitioning.At,
		"aggregation.at":  cfg.Aggregation.At,
		"retention.at":    cfg.Retention.At,
	} {
		if _, err := time.Parse("15:04", at); err != nil {
			return fmt.Errorf("%s must be HH:MM, got %q", name, at)
		}
	}

	if cfg.Detector.ZThreshold < 0 || cfg.Detector.ErrorRateMultiplier < 0 || cfg.Detector.MinSamples < 0 {
		return fmt.Errorf("detector thresholds must not be negative")
	}
	if cfg.Detector.QueueSize < 1 {
		return fmt.Errorf("detector.queue_size must be >= 1")
	}

	if cfg.Alerts.Tick < time.Second {
		return fmt.Errorf("alerts.tick must be at least 1s, got %s", cfg.Alerts.Tick)
	}
	if cfg.Aggregation.LookbackDays < 1 {
		return fmt.Errorf("aggregation.lookback_days must be >= 1")
	}
	if cfg.Retention.BatchSize < 1 {
		return fmt.Errorf("retention.batch_size must be >= 1")
	}
	if cfg.Retention.BatchesPerSecond < 0 {
		return fmt.Errorf("retention.batches_per_second must not be negative")
	}

	if err := cfg.Policies.Snapshot().Validate(); err != nil {
		return fmt.Errorf("policies: %w", err)
	}

	for i, p := range cfg.Pricing {
		if p.Model == "" {
			return fmt.Errorf("pricing[%d].model is required", i)
		}
		if p.PromptPer1K < 0 || p.CompletionPer1K < 0 {
			return fmt.Errorf("pricing[%d] prices must not be negative", i)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	return nil
}
