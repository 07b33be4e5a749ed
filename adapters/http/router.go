// Package http exposes the ingestion and query API over HTTP.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/artpar/tokenwatch/adapters/metrics"
	"github.com/artpar/tokenwatch/app"
	"github.com/artpar/tokenwatch/domain/partition"
	"github.com/artpar/tokenwatch/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthChecker reports whether the backing storage is reachable.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// Deps contains the services behind the API.
type Deps struct {
	Ingest         *app.IngestService
	Detector       *app.DetectorService
	Alerts         *app.AlertService
	Aggregator     *app.AggregatorService
	Retention      *app.RetentionService
	Settings       *app.SettingsService
	Metrics        ports.MetricStore
	Hallucinations ports.HallucinationStore
	Partitions     ports.PartitionManager
	PartitionUnit  partition.Unit
	Clock          ports.Clock
	Health         HealthChecker // Optional; readiness always passes when nil
	Collector      *metrics.Collector
	MetricsHandler http.Handler // Optional; defaults to promhttp.Handler()
	Version        string
	Logger         zerolog.Logger
	RequestTimeout time.Duration // Defaults to 60s
}

// api holds the handlers of the telemetry endpoints.
type api struct {
	Deps
	logger zerolog.Logger
}

// NewRouter creates the HTTP router with all endpoints mounted.
func NewRouter(deps Deps) chi.Router {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 60 * time.Second
	}
	a := &api{Deps: deps, logger: deps.Logger.With().Str("component", "http").Logger()}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(deps.RequestTimeout))
	if deps.Collector != nil {
		r.Use(NewMetricsMiddleware(deps.Collector))
	}

	// Health endpoints
	r.Get("/health", a.liveness)
	r.Get("/health/live", a.liveness)
	r.Get("/health/ready", a.readiness)

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/version", a.version)

	r.Post("/events", a.postEvent)

	r.Get("/metrics/summary", a.getSummary)
	r.Get("/metrics/requests", a.getRequests)
	r.Get("/metrics/daily", a.getDaily)

	r.Get("/anomalies", a.listAnomalies)
	r.Post("/anomalies/{id}/resolve", a.resolveAnomaly)

	r.Get("/alerts/configs", a.listAlertConfigs)
	r.Post("/alerts/configs", a.createAlertConfig)
	r.Get("/alerts/configs/{id}", a.getAlertConfig)
	r.Put("/alerts/configs/{id}", a.updateAlertConfig)
	r.Delete("/alerts/configs/{id}", a.deleteAlertConfig)
	r.Get("/alerts/events", a.listAlertEvents)
	r.Post("/alerts/events/{id}/acknowledge", a.acknowledgeAlertEvent)

	r.Get("/hallucinations", a.listHallucinations)
	r.Post("/hallucinations", a.postHallucination)

	r.Get("/system/config", a.getSystemConfig)
	r.Put("/system/config", a.putSystemConfig)
	r.Post("/system/aggregate", a.runAggregate)
	r.Post("/system/retention", a.runRetention)
	r.Get("/system/partitions", a.listPartitions)

	return r
}

// liveness checks if the service is alive.
func (a *api) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readiness checks if the storage is ready to handle traffic.
func (a *api) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if a.Health != nil {
		if err := a.Health.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

func (a *api) version(w http.ResponseWriter, r *http.Request) {
	v := a.Version
	if v == "" {
		v = "dev"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(VersionResponse{Version: v, Service: "tokenwatch"})
}
