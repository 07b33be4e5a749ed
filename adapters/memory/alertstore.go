package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/artpar/tokenwatch/domain/alert"
	"github.com/artpar/tokenwatch/domain/settings"
	"github.com/artpar/tokenwatch/ports"
)

// AlertConfigStore is an in-memory implementation of ports.AlertConfigStore.
type AlertConfigStore struct {
	mu      sync.RWMutex
	configs map[string]alert.Config
}

// NewAlertConfigStore creates a new in-memory alert config store.
func NewAlertConfigStore() *AlertConfigStore {
	return &AlertConfigStore{configs: make(map[string]alert.Config)}
}

// Get retrieves a config by ID.
func (s *AlertConfigStore) Get(ctx context.Context, id string) (alert.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok {
		return alert.Config{}, alert.ErrNotFound
	}
	return c, nil
}

// List returns all configs ordered by creation.
func (s *AlertConfigStore) List(ctx context.Context) ([]alert.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]alert.Config, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Create stores a new config.
func (s *AlertConfigStore) Create(ctx context.Context, c alert.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.configs[c.ID]; exists {
		return fmt.Errorf("alert config %s already exists", c.ID)
	}
	s.configs[c.ID] = c
	return nil
}

// Update modifies an existing config.
func (s *AlertConfigStore) Update(ctx context.Context, c alert.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.configs[c.ID]; !exists {
		return alert.ErrNotFound
	}
	s.configs[c.ID] = c
	return nil
}

// Delete removes a config.
func (s *AlertConfigStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.configs[id]; !exists {
		return alert.ErrNotFound
	}
	delete(s.configs, id)
	return nil
}

// AlertEventStore is an in-memory implementation of ports.AlertEventStore.
type AlertEventStore struct {
	mu     sync.RWMutex
	events map[string]alert.Event
}

// NewAlertEventStore creates a new in-memory alert event store.
func NewAlertEventStore() *AlertEventStore {
	return &AlertEventStore{events: make(map[string]alert.Event)}
}

// Create stores a new event.
func (s *AlertEventStore) Create(ctx context.Context, e alert.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[e.ID]; exists {
		return fmt.Errorf("alert event %s already exists", e.ID)
	}
	s.events[e.ID] = e
	return nil
}

// Get retrieves an event by ID.
func (s *AlertEventStore) Get(ctx context.Context, id string) (alert.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return alert.Event{}, alert.ErrNotFound
	}
	return e, nil
}

// ListOpen returns every unresolved event, oldest first.
func (s *AlertEventStore) ListOpen(ctx context.Context) ([]alert.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []alert.Event
	for _, e := range s.events {
		if e.Open() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out, nil
}

// List returns matching events newest first, and the total before paging.
func (s *AlertEventStore) List(ctx context.Context, f alert.EventFilter) ([]alert.Event, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []alert.Event
	for _, e := range s.events {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].TriggeredAt.After(out[j].TriggeredAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Limit, f.Offset), len(out), nil
}

// Resolve closes an open event.
func (s *AlertEventStore) Resolve(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return alert.ErrNotFound
	}
	s.events[id] = alert.ResolveEvent(e, at)
	return nil
}

// Acknowledge marks an event as seen by an operator.
func (s *AlertEventStore) Acknowledge(ctx context.Context, id string) (alert.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return alert.Event{}, alert.ErrNotFound
	}
	e.Acknowledged = true
	s.events[id] = e
	return e, nil
}

// SetNotification records the dispatch outcome.
func (s *AlertEventStore) SetNotification(ctx context.Context, id string, status alert.NotificationStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return alert.ErrNotFound
	}
	e.NotificationStatus = status
	e.NotificationError = errMsg
	s.events[id] = e
	return nil
}

// DeleteResolvedBefore deletes up to limit resolved events triggered before cutoff.
func (s *AlertEventStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, e := range s.events {
		if int(deleted) >= limit {
			break
		}
		if !e.Open() && e.TriggeredAt.Before(cutoff) {
			delete(s.events, id)
			deleted++
		}
	}
	return deleted, nil
}

// SettingsStore is an in-memory implementation of ports.SettingsStore.
type SettingsStore struct {
	mu    sync.RWMutex
	clock ports.Clock
	items map[string]settings.Setting
}

// NewSettingsStore creates a new in-memory settings store.
func NewSettingsStore(clock ports.Clock) *SettingsStore {
	return &SettingsStore{clock: clock, items: make(map[string]settings.Setting)}
}

// Get retrieves a single setting by key.
func (s *SettingsStore) Get(ctx context.Context, key string) (settings.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	if !ok {
		return settings.Setting{}, settings.ErrNotFound
	}
	return v, nil
}

// GetAll retrieves all settings as a map.
func (s *SettingsStore) GetAll(ctx context.Context) (settings.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(settings.Settings, len(s.items))
	for k, v := range s.items {
		out[k] = v.Value
	}
	return out, nil
}

// Set stores or updates a setting.
func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = settings.Setting{Key: key, Value: value, UpdatedAt: s.clock.Now()}
	return nil
}

// SetBatch stores or updates multiple settings atomically.
func (s *SettingsStore) SetBatch(ctx context.Context, batch settings.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for k, v := range batch {
		s.items[k] = settings.Setting{Key: k, Value: v, UpdatedAt: now}
	}
	return nil
}

// Delete removes a setting.
func (s *SettingsStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Compile-time interface checks.
var (
	_ ports.PartitionManager   = (*PartitionManager)(nil)
	_ ports.MetricStore        = (*MetricStore)(nil)
	_ ports.AggregateStore     = (*AggregateStore)(nil)
	_ ports.MetadataStore      = (*MetadataStore)(nil)
	_ ports.AnomalyStore       = (*AnomalyStore)(nil)
	_ ports.HallucinationStore = (*HallucinationStore)(nil)
	_ ports.AlertConfigStore   = (*AlertConfigStore)(nil)
	_ ports.AlertEventStore    = (*AlertEventStore)(nil)
	_ ports.SettingsStore      = (*SettingsStore)(nil)
)
