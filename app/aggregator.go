package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenwatch/adapters/metrics"
	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/domain/usage"
	"github.com/artpar/tokenwatch/ports"
	"github.com/rs/zerolog"
)

// AggregatorService rolls raw metrics into daily aggregates.
type AggregatorService struct {
	metrics    ports.MetricStore
	aggregates ports.AggregateStore
	clock      ports.Clock
	collector  *metrics.Collector
	logger     zerolog.Logger
	lookback   int
}

// AggregatorServiceConfig contains configuration for AggregatorService.
type AggregatorServiceConfig struct {
	LookbackDays int // Prior days recomputed by the scheduled run
}

// NewAggregatorService creates a new aggregator service.
func NewAggregatorService(
	metricStore ports.MetricStore,
	aggregates ports.AggregateStore,
	clock ports.Clock,
	collector *metrics.Collector,
	logger zerolog.Logger,
	cfg AggregatorServiceConfig,
) *AggregatorService {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 2
	}
	return &AggregatorService{
		metrics:    metricStore,
		aggregates: aggregates,
		clock:      clock,
		collector:  collector,
		logger:     logger.With().Str("service", "aggregator").Logger(),
		lookback:   cfg.LookbackDays,
	}
}

// AggregateDay recomputes the aggregates of one UTC day from raw rows and
// replaces the stored ones. Running it twice yields the same rows.
func (s *AggregatorService) AggregateDay(ctx context.Context, date time.Time) ([]usage.DailyAggregate, error) {
	start, end := usage.DayBounds(date)

	rows, _, err := s.metrics.Query(ctx, metric.Query{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("read metrics of %s: %w", usage.FormatDate(start), err)
	}

	aggs := usage.AggregateDay(start, rows)
	if err := s.aggregates.ReplaceDay(ctx, start, aggs); err != nil {
		return nil, fmt.Errorf("replace aggregates of %s: %w", usage.FormatDate(start), err)
	}

	s.collector.AggregatesWritten.Add(float64(len(aggs)))
	s.logger.Info().
		Str("date", usage.FormatDate(start)).
		Int("metrics", len(rows)).
		Int("groups", len(aggs)).
		Msg("day aggregated")
	return aggs, nil
}

// AggregateRecent recomputes the lookback days before today.
// Each day is independent; failures are joined.
func (s *AggregatorService) AggregateRecent(ctx context.Context) error {
	today, _ := usage.DayBounds(s.clock.Now())

	var errs []error
	for i := s.lookback; i >= 1; i-- {
		if _, err := s.AggregateDay(ctx, today.AddDate(0, 0, -i)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns stored aggregates.
func (s *AggregatorService) List(ctx context.Context, f usage.AggregateFilter) ([]usage.DailyAggregate, error) {
	return s.aggregates.List(ctx, f)
}
