// Package app contains the services that orchestrate domain logic:
// ingestion, detection, aggregation, alerting, retention and scheduling.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/domain/policy"
	"github.com/artpar/tokenwatch/domain/settings"
	"github.com/artpar/tokenwatch/ports"
	"github.com/rs/zerolog"
)

// SettingsService owns the active retention and sampling policies.
// The seed comes from the config file and is persisted on first boot;
// afterwards the settings table is authoritative.
type SettingsService struct {
	store  ports.SettingsStore
	logger zerolog.Logger

	mu       sync.RWMutex
	current  policy.Snapshot
	seed     policy.Snapshot
	onChange []func(policy.Snapshot)
}

// NewSettingsService creates a new settings service.
func NewSettingsService(store ports.SettingsStore, seed policy.Snapshot, logger zerolog.Logger) *SettingsService {
	return &SettingsService{
		store:   store,
		logger:  logger.With().Str("service", "settings").Logger(),
		current: clonePolicies(seed),
		seed:    clonePolicies(seed),
	}
}

// Load reads the policies from the store, persisting the seed when none exist.
func (s *SettingsService) Load(ctx context.Context) error {
	loaded, err := s.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	snap, ok, err := settings.DecodePolicies(loaded, s.seed)
	if err != nil {
		return err
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("stored policies: %w", err)
	}

	if !ok {
		batch, err := settings.EncodePolicies(snap)
		if err != nil {
			return err
		}
		if err := s.store.SetBatch(ctx, batch); err != nil {
			return fmt.Errorf("seed policies: %w", err)
		}
		s.logger.Info().Msg("policies seeded from configuration")
	}

	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()

	s.logger.Info().
		Int("metrics_days", snap.Retention.Days(policy.ClassMetrics)).
		Float64("sampling_rate", snap.Sampling.Rate).
		Msg("policies loaded")
	return nil
}

// Policies returns a copy of the active policies.
func (s *SettingsService) Policies() policy.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePolicies(s.current)
}

// Retention returns the active retention policy.
func (s *SettingsService) Retention() policy.Retention {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Retention
}

// Sampling returns the active sampling policy.
func (s *SettingsService) Sampling() policy.Sampling {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePolicies(s.current).Sampling
}

// Update validates, persists and activates a new pair of policies.
func (s *SettingsService) Update(ctx context.Context, snap policy.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return &metric.ValidationError{Field: "policy", Reason: err.Error()}
	}

	batch, err := settings.EncodePolicies(snap)
	if err != nil {
		return err
	}
	if err := s.store.SetBatch(ctx, batch); err != nil {
		return fmt.Errorf("persist policies: %w", err)
	}

	s.mu.Lock()
	s.current = clonePolicies(snap)
	callbacks := append([]func(policy.Snapshot){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(clonePolicies(snap))
	}

	s.logger.Info().Msg("policies updated")
	return nil
}

// OnChange registers a callback invoked after every successful Update.
func (s *SettingsService) OnChange(fn func(policy.Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func clonePolicies(p policy.Snapshot) policy.Snapshot {
	p.Sampling.Applications = cloneRates(p.Sampling.Applications)
	p.Sampling.Models = cloneRates(p.Sampling.Models)
	return p
}

func cloneRates(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
