package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/artpar/tokenwatch/adapters/metrics"
	"github.com/artpar/tokenwatch/domain/policy"
	"github.com/artpar/tokenwatch/ports"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ClassReport describes what one retention run did to a data class.
type ClassReport struct {
	Class      policy.Class `json:"class"`
	Cutoff     *time.Time   `json:"cutoff,omitempty"` // nil when kept forever
	Deleted    int64        `json:"deleted"`
	Partitions []string     `json:"dropped_partitions,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// RetentionReport is the outcome of one Enforce run.
type RetentionReport struct {
	RanAt   time.Time     `json:"ran_at"`
	Classes []ClassReport `json:"classes"`
}

// RetentionPartialFailure collects the classes that failed in one run.
// Other classes still ran; the next run resumes where this one stopped.
type RetentionPartialFailure struct {
	Failures map[policy.Class]error
}

func (e *RetentionPartialFailure) Error() string {
	classes := make([]string, 0, len(e.Failures))
	for c := range e.Failures {
		classes = append(classes, string(c))
	}
	sort.Strings(classes)

	parts := make([]string, len(classes))
	for i, c := range classes {
		parts[i] = fmt.Sprintf("%s: %v", c, e.Failures[policy.Class(c)])
	}
	return "retention partially failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-class errors to errors.Is and errors.As.
func (e *RetentionPartialFailure) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		out = append(out, err)
	}
	return out
}

// batchDeleter deletes up to limit rows older than cutoff.
type batchDeleter func(ctx context.Context, cutoff time.Time, limit int) (int64, error)

// RetentionService deletes data older than the per-class cutoff.
type RetentionService struct {
	partitions ports.PartitionManager
	deleters   map[policy.Class]batchDeleter
	clock      ports.Clock
	collector  *metrics.Collector
	logger     zerolog.Logger
	batchSize  int
	limiter    *rate.Limiter
}

// RetentionServiceConfig contains configuration for RetentionService.
type RetentionServiceConfig struct {
	BatchSize        int     // Rows per delete statement
	BatchesPerSecond float64 // Pacing of delete statements; 0 is unpaced
}

// NewRetentionService creates a new retention service.
func NewRetentionService(
	partitions ports.PartitionManager,
	metadata ports.MetadataStore,
	anomalies ports.AnomalyStore,
	hallucinations ports.HallucinationStore,
	events ports.AlertEventStore,
	aggregates ports.AggregateStore,
	clock ports.Clock,
	collector *metrics.Collector,
	logger zerolog.Logger,
	cfg RetentionServiceConfig,
) *RetentionService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	limit := rate.Inf
	if cfg.BatchesPerSecond > 0 {
		limit = rate.Limit(cfg.BatchesPerSecond)
	}

	return &RetentionService{
		partitions: partitions,
		deleters: map[policy.Class]batchDeleter{
			policy.ClassRequests:       metadata.DeleteBefore,
			policy.ClassAnomalies:      anomalies.DeleteBefore,
			policy.ClassHallucinations: hallucinations.DeleteBefore,
			policy.ClassAlertEvents:    events.DeleteResolvedBefore,
			policy.ClassAggregates:     aggregates.DeleteBefore,
		},
		clock:     clock,
		collector: collector,
		logger:    logger.With().Str("service", "retention").Logger(),
		batchSize: cfg.BatchSize,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// Enforce applies pol to every data class. A failing class does not stop
// the others; failures are returned as *RetentionPartialFailure along with
// the report.
func (s *RetentionService) Enforce(ctx context.Context, pol policy.Retention) (RetentionReport, error) {
	now := s.clock.Now()
	report := RetentionReport{RanAt: now}
	failures := make(map[policy.Class]error)

	for _, class := range policy.AllClasses() {
		cr := ClassReport{Class: class}

		cutoff, ok := pol.Cutoff(class, now)
		if !ok {
			report.Classes = append(report.Classes, cr)
			continue
		}
		cr.Cutoff = &cutoff

		var err error
		if class == policy.ClassMetrics {
			err = s.enforceMetrics(ctx, cutoff, pol.StrictMetricsCutoff, &cr)
		} else {
			cr.Deleted, err = s.deleteBatches(ctx, s.deleters[class], cutoff)
		}

		s.collector.RetentionDeleted.WithLabelValues(string(class)).Add(float64(cr.Deleted))
		if err != nil {
			cr.Error = err.Error()
			failures[class] = err
			s.collector.RetentionErrors.WithLabelValues(string(class)).Inc()
			s.logger.Error().Err(err).Str("class", string(class)).Msg("retention failed for class")
		}
		report.Classes = append(report.Classes, cr)

		if ctx.Err() != nil {
			break
		}
	}

	s.logger.Info().
		Int("failed_classes", len(failures)).
		Msg("retention run completed")

	if len(failures) > 0 {
		return report, &RetentionPartialFailure{Failures: failures}
	}
	return report, nil
}

// enforceMetrics drops whole partitions and, in strict mode, row-deletes
// the partition straddling the cutoff.
func (s *RetentionService) enforceMetrics(ctx context.Context, cutoff time.Time, strict bool, cr *ClassReport) error {
	dropped, err := s.partitions.DropPartitionsBefore(ctx, cutoff)
	for _, h := range dropped {
		cr.Partitions = append(cr.Partitions, h.Key)
	}
	s.collector.PartitionsDropped.Add(float64(len(dropped)))
	if err != nil {
		return fmt.Errorf("drop partitions: %w", err)
	}
	if len(dropped) > 0 {
		s.logger.Info().Strs("partitions", cr.Partitions).Msg("partitions dropped")
	}

	if !strict {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	n, err := s.partitions.DeleteRowsBefore(ctx, cutoff)
	cr.Deleted = n
	if err != nil {
		return fmt.Errorf("delete straddling rows: %w", err)
	}
	return nil
}

// deleteBatches deletes in bounded, paced batches until a short batch.
func (s *RetentionService) deleteBatches(ctx context.Context, del batchDeleter, cutoff time.Time) (int64, error) {
	var total int64
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return total, err
		}
		n, err := del(ctx, cutoff, s.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(s.batchSize) {
			return total, nil
		}
	}
}

// IsPartialFailure reports whether err is a RetentionPartialFailure.
func IsPartialFailure(err error) bool {
	var pf *RetentionPartialFailure
	return errors.As(err, &pf)
}
