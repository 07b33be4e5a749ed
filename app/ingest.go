package app

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/tokenwatch/adapters/metrics"
	"github.com/artpar/tokenwatch/domain/hallucination"
	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/domain/policy"
	"github.com/artpar/tokenwatch/domain/usage"
	"github.com/artpar/tokenwatch/ports"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// IngestStatus is the outcome reported for an accepted event.
type IngestStatus string

const (
	StatusRecorded   IngestStatus = "recorded"
	StatusSampledOut IngestStatus = "sampled_out"
)

// Event is one incoming telemetry event.
type Event struct {
	Metric   metric.RequestMetric
	Metadata map[string]any
}

// IngestResult is returned to the client for an accepted event.
type IngestResult struct {
	EventID   string
	Timestamp time.Time
	Status    IngestStatus
}

// SamplingSource provides the active sampling policy.
type SamplingSource interface {
	Sampling() policy.Sampling
}

// MetricObserver receives every recorded metric. Observe must not block.
type MetricObserver interface {
	Observe(m metric.RequestMetric) bool
}

// IngestService accepts events, applies sampling and writes them to the store.
type IngestService struct {
	metrics        ports.MetricStore
	metadata       ports.MetadataStore
	hallucinations ports.HallucinationStore
	sampling       SamplingSource
	prices         usage.PriceTable
	observers      []MetricObserver
	ids            ports.IDGenerator
	clock          ports.Clock
	collector      *metrics.Collector
	logger         zerolog.Logger
	dropLog        rate.Sometimes
}

// IngestServiceConfig contains configuration for IngestService.
type IngestServiceConfig struct {
	Prices []usage.Price
}

// NewIngestService creates a new ingest service.
func NewIngestService(
	metricStore ports.MetricStore,
	metadata ports.MetadataStore,
	hallucinations ports.HallucinationStore,
	sampling SamplingSource,
	ids ports.IDGenerator,
	clock ports.Clock,
	collector *metrics.Collector,
	logger zerolog.Logger,
	cfg IngestServiceConfig,
) *IngestService {
	return &IngestService{
		metrics:        metricStore,
		metadata:       metadata,
		hallucinations: hallucinations,
		sampling:       sampling,
		prices:         usage.NewPriceTable(cfg.Prices),
		ids:            ids,
		clock:          clock,
		collector:      collector,
		logger:         logger.With().Str("service", "ingest").Logger(),
		dropLog:        rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// AddObserver registers a consumer of recorded metrics.
func (s *IngestService) AddObserver(o MetricObserver) {
	s.observers = append(s.observers, o)
}

// Ingest records one event. A dropped event is not an error: it is
// reported with StatusSampledOut.
func (s *IngestService) Ingest(ctx context.Context, ev Event) (IngestResult, error) {
	m := ev.Metric
	if m.Timestamp.IsZero() {
		m.Timestamp = s.clock.Now()
	}
	m = metric.Normalize(m)

	if err := metric.Validate(m, s.clock.Now()); err != nil {
		s.collector.EventsIngested.WithLabelValues("invalid").Inc()
		return IngestResult{}, err
	}

	result := IngestResult{EventID: s.ids.New(), Timestamp: m.Timestamp}

	if !s.sampling.Sampling().Keep(m.RequestID, m.Application, m.Model) {
		s.collector.EventsIngested.WithLabelValues(string(StatusSampledOut)).Inc()
		result.Status = StatusSampledOut
		return result, nil
	}

	if m.EstimatedCost == 0 && m.HasTokenSplit() {
		if cost, ok := s.prices.Estimate(m.Model, m.PromptTokens, m.CompletionTokens); ok {
			m.EstimatedCost = cost
		}
	}

	start := time.Now()
	if err := s.metrics.Append(ctx, m); err != nil {
		outcome := "failed"
		if metric.IsValidation(err) {
			outcome = "invalid"
		} else {
			s.logger.Error().Err(err).Str("request_id", m.RequestID).Msg("failed to record metric")
		}
		s.collector.EventsIngested.WithLabelValues(outcome).Inc()
		return IngestResult{}, err
	}
	s.collector.AppendDuration.Observe(time.Since(start).Seconds())
	s.collector.EventsIngested.WithLabelValues(string(StatusRecorded)).Inc()

	if len(ev.Metadata) > 0 {
		md := metric.Metadata{
			EventID:   result.EventID,
			RequestID: m.RequestID,
			Timestamp: m.Timestamp,
			Data:      ev.Metadata,
		}
		if err := s.metadata.Create(ctx, md); err != nil {
			// The metric is already durable; metadata is best effort.
			s.logger.Warn().Err(err).Str("event_id", result.EventID).Msg("failed to store event metadata")
		}
	}

	for _, o := range s.observers {
		if !o.Observe(m) {
			s.dropLog.Do(func() {
				s.logger.Warn().
					Str("request_id", m.RequestID).
					Str("observer", fmt.Sprintf("%T", o)).
					Msg("observer queue full, metric skipped by detection")
			})
		}
	}

	result.Status = StatusRecorded
	return result, nil
}

// RecordHallucination stores a record produced by an external detector.
func (s *IngestService) RecordHallucination(ctx context.Context, r hallucination.Record) (hallucination.Record, error) {
	if r.Timestamp.IsZero() {
		r.Timestamp = s.clock.Now()
	}
	r = hallucination.Normalize(r)
	if err := r.Validate(); err != nil {
		return hallucination.Record{}, err
	}
	r.ID = s.ids.New()
	if err := s.hallucinations.Create(ctx, r); err != nil {
		return hallucination.Record{}, &metric.StorageError{Op: "insert hallucination", Err: err}
	}
	return r, nil
}
