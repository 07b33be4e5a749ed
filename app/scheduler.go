package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/artpar/tokenwatch/adapters/metrics"
	"github.com/artpar/tokenwatch/ports"
	"github.com/rs/zerolog"
)

// Schedule describes when a job runs: every interval, or daily at a UTC time.
type Schedule struct {
	Every time.Duration
	At    string // "HH:MM" UTC, used when Every is zero
}

// ParseClock parses an "HH:MM" time of day into an offset from midnight.
func ParseClock(at string) (time.Duration, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", at)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Validate checks that exactly one form is usable.
func (s Schedule) Validate() error {
	if s.Every > 0 {
		return nil
	}
	if s.At == "" {
		return fmt.Errorf("schedule needs an interval or a daily time")
	}
	_, err := ParseClock(s.At)
	return err
}

// NextRun returns the first run strictly after now.
// This is a PURE function.
func NextRun(s Schedule, now time.Time) time.Time {
	now = now.UTC()
	if s.Every > 0 {
		return now.Add(s.Every)
	}
	offset, err := ParseClock(s.At)
	if err != nil {
		return now.Add(24 * time.Hour)
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	next := midnight.Add(offset)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Job is a named unit of background work. Run must be idempotent:
// a failed run is simply retried at the next scheduled time.
type Job struct {
	Name       string
	Schedule   Schedule
	Timeout    time.Duration // Per run; defaults to 5 minutes
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Scheduler runs registered jobs on their schedules, one goroutine per job.
// A job never overlaps with itself.
type Scheduler struct {
	clock     ports.Clock
	logger    zerolog.Logger
	collector *metrics.Collector

	mu      sync.Mutex
	jobs    map[string]*jobRunner
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type jobRunner struct {
	job Job
	mu  sync.Mutex // held while the job runs
}

// NewScheduler creates a new scheduler.
func NewScheduler(clock ports.Clock, collector *metrics.Collector, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		clock:     clock,
		logger:    logger.With().Str("service", "scheduler").Logger(),
		collector: collector,
		jobs:      make(map[string]*jobRunner),
		stopCh:    make(chan struct{}),
	}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if err := job.Schedule.Validate(); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	if job.Timeout <= 0 {
		job.Timeout = 5 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs[job.Name] = &jobRunner{job: job}
	return nil
}

// Jobs returns the registered job names in order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches one loop per registered job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	for _, r := range s.jobs {
		s.wg.Add(1)
		go s.loop(r)
	}
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
}

// Stop signals every loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// RunNow runs a job immediately, waiting for an in-flight run of the same job.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	r, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	return s.run(ctx, r)
}

func (s *Scheduler) loop(r *jobRunner) {
	defer s.wg.Done()

	if r.job.RunOnStart {
		s.runScheduled(r)
	}

	for {
		now := s.clock.Now()
		wait := NextRun(r.job.Schedule, now).Sub(now)
		timer := time.NewTimer(wait)

		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.runScheduled(r)
		}
	}
}

func (s *Scheduler) runScheduled(r *jobRunner) {
	ctx, cancel := context.WithTimeout(context.Background(), r.job.Timeout)
	defer cancel()

	// Stop cancels a running job.
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.run(ctx, r); err != nil {
		s.logger.Error().Err(err).Str("job", r.job.Name).Msg("job failed")
	}
}

func (s *Scheduler) run(ctx context.Context, r *jobRunner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	err := r.job.Run(ctx)
	elapsed := time.Since(start)

	result := "ok"
	if err != nil {
		result = "error"
	}
	s.collector.JobRuns.WithLabelValues(r.job.Name, result).Inc()
	s.collector.JobDuration.WithLabelValues(r.job.Name).Observe(elapsed.Seconds())

	s.logger.Debug().
		Str("job", r.job.Name).
		Dur("duration", elapsed).
		Str("result", result).
		Msg("job finished")
	return err
}
