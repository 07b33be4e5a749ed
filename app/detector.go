package app

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/artpar/tokenwatch/adapters/metrics"
	"github.com/artpar/tokenwatch/domain/anomaly"
	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/ports"
	"github.com/rs/zerolog"
)

// detectorKey identifies one baseline.
type detectorKey struct {
	provider, model, application string
}

type detectorState struct {
	latency  *anomaly.Baseline
	tokens   *anomaly.Baseline
	errors   *anomaly.ErrorRate
	lastRate time.Time
}

// DetectorService consumes recorded metrics through a bounded queue and
// emits anomaly records. Baselines live in memory and are rebuilt from the
// stream after a restart.
type DetectorService struct {
	store     ports.AnomalyStore
	ids       ports.IDGenerator
	clock     ports.Clock
	collector *metrics.Collector
	logger    zerolog.Logger

	mu     sync.Mutex
	cfg    anomaly.Config
	states map[detectorKey]*detectorState

	queue   chan metric.RequestMetric
	stopCh  chan struct{}
	done    chan struct{}
	started bool
}

// DetectorServiceConfig contains configuration for DetectorService.
type DetectorServiceConfig struct {
	Thresholds anomaly.Config
	QueueSize  int
}

// NewDetectorService creates a new detector service.
func NewDetectorService(
	store ports.AnomalyStore,
	ids ports.IDGenerator,
	clock ports.Clock,
	collector *metrics.Collector,
	logger zerolog.Logger,
	cfg DetectorServiceConfig,
) *DetectorService {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	return &DetectorService{
		store:     store,
		ids:       ids,
		clock:     clock,
		collector: collector,
		logger:    logger.With().Str("service", "detector").Logger(),
		cfg:       cfg.Thresholds.WithDefaults(),
		states:    make(map[detectorKey]*detectorState),
		queue:     make(chan metric.RequestMetric, cfg.QueueSize),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Observe enqueues m without blocking. It returns false when the queue is full.
func (s *DetectorService) Observe(m metric.RequestMetric) bool {
	select {
	case s.queue <- m:
		s.collector.DetectorQueueDepth.Set(float64(len(s.queue)))
		return true
	default:
		s.collector.DetectorDropped.Inc()
		return false
	}
}

// Start launches the worker.
func (s *DetectorService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.worker()
}

// Stop drains the queue and stops the worker.
func (s *DetectorService) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return
	}
	close(s.stopCh)
	<-s.done
}

func (s *DetectorService) worker() {
	defer close(s.done)
	for {
		select {
		case m := <-s.queue:
			s.handle(m)
		case <-s.stopCh:
			for {
				select {
				case m := <-s.queue:
					s.handle(m)
				default:
					return
				}
			}
		}
	}
}

func (s *DetectorService) handle(m metric.RequestMetric) {
	s.collector.DetectorQueueDepth.Set(float64(len(s.queue)))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Process(ctx, m)
}

// SetThresholds replaces the detection thresholds. Baselines are reset when
// a window changes.
func (s *DetectorService) SetThresholds(cfg anomaly.Config) {
	cfg = cfg.WithDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Window != s.cfg.Window || cfg.ErrorWindow != s.cfg.ErrorWindow {
		s.states = make(map[detectorKey]*detectorState)
	}
	s.cfg = cfg
	s.logger.Info().
		Float64("z_threshold", cfg.ZThreshold).
		Int("min_samples", cfg.MinSamples).
		Msg("detector thresholds updated")
}

// Thresholds returns the active thresholds.
func (s *DetectorService) Thresholds() anomaly.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Process evaluates one metric against its baselines, updates them and
// persists any anomalies. Windows advance on processing time.
func (s *DetectorService) Process(ctx context.Context, m metric.RequestMetric) []anomaly.Record {
	found := s.evaluate(m)

	for i, r := range found {
		r.ID = s.ids.New()
		found[i] = r
		s.persist(ctx, r)
	}
	return found
}

func (s *DetectorService) evaluate(m metric.RequestMetric) []anomaly.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cfg := s.cfg
	st := s.state(m)

	var found []anomaly.Record
	emit := func(t anomaly.Type, sev anomaly.Severity, d anomaly.Details) {
		found = append(found, anomaly.Record{
			Timestamp:   now,
			Type:        t,
			Severity:    sev,
			RequestID:   m.RequestID,
			Provider:    m.Provider,
			Model:       m.Model,
			Application: m.Application,
			Details:     d,
		})
	}

	// Score against the baseline before adding the sample.
	st.latency.Evict(now)
	if d, ok := st.latency.Score(m.InferenceTime, cfg.MinSamples); ok && math.Abs(d.ZScore) >= cfg.ZThreshold {
		emit(anomaly.TypeLatencySpike, anomaly.SeverityFor(d.ZScore, cfg.ZThreshold), d)
	}
	st.latency.Add(now, m.InferenceTime)

	if m.TotalTokens > 0 {
		tokens := float64(m.TotalTokens)
		st.tokens.Evict(now)
		if d, ok := st.tokens.Score(tokens, cfg.MinSamples); ok && d.ZScore >= cfg.ZThreshold {
			emit(anomaly.TypeHighTokenUsage, anomaly.SeverityFor(d.ZScore, cfg.ZThreshold), d)
		}
		st.tokens.Add(now, tokens)
	}

	st.errors.Advance(now)
	st.errors.Add(now, !m.Success)
	if d, ok := st.errors.Spike(cfg); ok && (st.lastRate.IsZero() || now.Sub(st.lastRate) >= cfg.Cooldown) {
		st.lastRate = now
		ratio := d.Rate / math.Max(d.BaselineRate, cfg.MinBaselineErrorRate)
		emit(anomaly.TypeErrorRateSpike, anomaly.SeverityFor(ratio, cfg.ErrorRateMultiplier), d)
	}

	return found
}

func (s *DetectorService) state(m metric.RequestMetric) *detectorState {
	k := detectorKey{provider: m.Provider, model: m.Model, application: m.Application}
	st, ok := s.states[k]
	if !ok {
		st = &detectorState{
			latency: anomaly.NewBaseline(s.cfg.Window),
			tokens:  anomaly.NewBaseline(s.cfg.Window),
			errors:  anomaly.NewErrorRate(s.cfg.ErrorWindow, s.cfg.Window),
		}
		s.states[k] = st
	}
	return st
}

// persist writes r, retrying briefly on failure.
func (s *DetectorService) persist(ctx context.Context, r anomaly.Record) {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = s.store.Create(ctx, r); err == nil {
			s.collector.AnomaliesDetected.WithLabelValues(string(r.Type), string(r.Severity)).Inc()
			s.logger.Info().
				Str("anomaly_id", r.ID).
				Str("type", string(r.Type)).
				Str("severity", string(r.Severity)).
				Str("provider", r.Provider).
				Str("model", r.Model).
				Str("request_id", r.RequestID).
				Msg("anomaly detected")
			return
		}
		if attempt == 3 {
			break
		}
		select {
		case <-ctx.Done():
			s.logger.Error().Err(err).Str("type", string(r.Type)).Msg("failed to persist anomaly")
			return
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	s.logger.Error().Err(err).Str("type", string(r.Type)).Msg("failed to persist anomaly")
}

// Resolve marks an anomaly as resolved.
func (s *DetectorService) Resolve(ctx context.Context, id string) (anomaly.Record, error) {
	return s.store.Resolve(ctx, id, s.clock.Now())
}

// List returns stored anomalies.
func (s *DetectorService) List(ctx context.Context, f anomaly.Filter) ([]anomaly.Record, int, error) {
	return s.store.List(ctx, f)
}
