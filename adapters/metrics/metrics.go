// Package metrics provides Prometheus metrics collection for tokenwatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tokenwatch"

// Collector holds all Prometheus metrics for tokenwatch.
type Collector struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Ingestion metrics
	EventsIngested *prometheus.CounterVec
	AppendDuration prometheus.Histogram

	// Partition metrics
	PartitionsCreated prometheus.Counter
	PartitionsDropped prometheus.Counter

	// Retention metrics
	RetentionDeleted *prometheus.CounterVec
	RetentionErrors  *prometheus.CounterVec

	// Aggregation metrics
	AggregatesWritten prometheus.Counter

	// Detection metrics
	AnomaliesDetected  *prometheus.CounterVec
	DetectorQueueDepth prometheus.Gauge
	DetectorDropped    prometheus.Counter

	// Alert metrics
	AlertTransitions    *prometheus.CounterVec
	AlertsFiring        prometheus.Gauge
	NotificationsFailed *prometheus.CounterVec

	// Job metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a new metrics collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests processed",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of API requests currently being processed",
			},
		),

		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Ingested events by outcome (recorded, sampled_out, invalid, failed)",
			},
			[]string{"outcome"},
		),
		AppendDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "metric_append_duration_seconds",
				Help:      "Time to durably write one request metric",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
		),

		PartitionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_created_total",
				Help:      "Partitions ensured by the pre-creation job",
			},
		),
		PartitionsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_dropped_total",
				Help:      "Partitions dropped by retention",
			},
		),

		RetentionDeleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retention_deleted_rows_total",
				Help:      "Rows deleted by retention per data class",
			},
			[]string{"class"},
		),
		RetentionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retention_errors_total",
				Help:      "Retention failures per data class",
			},
			[]string{"class"},
		),

		AggregatesWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregates_written_total",
				Help:      "Daily aggregate rows written",
			},
		),

		AnomaliesDetected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_detected_total",
				Help:      "Anomalies detected by type and severity",
			},
			[]string{"type", "severity"},
		),
		DetectorQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "detector_queue_depth",
				Help:      "Metrics waiting for the anomaly detector",
			},
		),
		DetectorDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detector_dropped_total",
				Help:      "Metrics not fed to the detector because its queue was full",
			},
		),

		AlertTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alert_transitions_total",
				Help:      "Alert state machine transitions by action",
			},
			[]string{"action"},
		),
		AlertsFiring: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "alerts_firing",
				Help:      "Alert instances currently firing",
			},
		),
		NotificationsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_failed_total",
				Help:      "Failed alert notifications by target type",
			},
			[]string{"target"},
		),

		JobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Scheduled job runs by job and result",
			},
			[]string{"job", "result"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Scheduled job duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"job"},
		),

		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// StatusClass collapses an HTTP status code into its class label (2xx, 4xx...).
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
