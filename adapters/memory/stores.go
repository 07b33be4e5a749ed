package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/artpar/tokenwatch/domain/anomaly"
	"github.com/artpar/tokenwatch/domain/hallucination"
	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/domain/usage"
)

// AggregateStore is an in-memory implementation of ports.AggregateStore.
type AggregateStore struct {
	mu     sync.RWMutex
	byDate map[string][]usage.DailyAggregate
}

// NewAggregateStore creates a new in-memory aggregate store.
func NewAggregateStore() *AggregateStore {
	return &AggregateStore{byDate: make(map[string][]usage.DailyAggregate)}
}

// ReplaceDay atomically replaces every aggregate of date.
func (s *AggregateStore) ReplaceDay(ctx context.Context, date time.Time, aggs []usage.DailyAggregate) error {
	day := usage.FormatDate(date)
	for _, a := range aggs {
		if usage.FormatDate(a.Date) != day {
			return fmt.Errorf("aggregate dated %s in replace of %s", usage.FormatDate(a.Date), day)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(aggs) == 0 {
		delete(s.byDate, day)
		return nil
	}
	s.byDate[day] = append([]usage.DailyAggregate(nil), aggs...)
	return nil
}

// List returns aggregates matching the filter ordered by date.
func (s *AggregateStore) List(ctx context.Context, f usage.AggregateFilter) ([]usage.DailyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []usage.DailyAggregate
	for _, aggs := range s.byDate {
		for _, a := range aggs {
			if f.Matches(a) {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Dimensions.String() < out[j].Dimensions.String()
	})
	return out, nil
}

// DeleteBefore deletes up to limit aggregates dated before cutoff.
func (s *AggregateStore) DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	days := make([]string, 0, len(s.byDate))
	for day := range s.byDate {
		days = append(days, day)
	}
	sort.Strings(days)

	var deleted int64
	for _, day := range days {
		aggs := s.byDate[day]
		if !aggs[0].Date.Before(cutoff) {
			continue
		}
		n := len(aggs)
		if remaining := limit - int(deleted); n > remaining {
			n = remaining
		}
		if n == len(aggs) {
			delete(s.byDate, day)
		} else {
			s.byDate[day] = aggs[n:]
		}
		deleted += int64(n)
		if int(deleted) >= limit {
			break
		}
	}
	return deleted, nil
}

// MetadataStore is an in-memory implementation of ports.MetadataStore.
type MetadataStore struct {
	mu      sync.RWMutex
	byEvent map[string]metric.Metadata
}

// NewMetadataStore creates a new in-memory metadata store.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{byEvent: make(map[string]metric.Metadata)}
}

// Create stores metadata for an event.
func (s *MetadataStore) Create(ctx context.Context, m metric.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEvent[m.EventID] = m
	return nil
}

// Get retrieves the metadata of an event.
func (s *MetadataStore) Get(ctx context.Context, eventID string) (metric.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byEvent[eventID]
	if !ok {
		return metric.Metadata{}, metric.ErrMetadataNotFound
	}
	return m, nil
}

// DeleteBefore deletes up to limit entries older than cutoff.
func (s *MetadataStore) DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, m := range s.byEvent {
		if int(deleted) >= limit {
			break
		}
		if m.Timestamp.Before(cutoff) {
			delete(s.byEvent, id)
			deleted++
		}
	}
	return deleted, nil
}

// AnomalyStore is an in-memory implementation of ports.AnomalyStore.
type AnomalyStore struct {
	mu      sync.RWMutex
	records map[string]anomaly.Record
}

// NewAnomalyStore creates a new in-memory anomaly store.
func NewAnomalyStore() *AnomalyStore {
	return &AnomalyStore{records: make(map[string]anomaly.Record)}
}

// Create stores a new anomaly.
func (s *AnomalyStore) Create(ctx context.Context, r anomaly.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[r.ID]; exists {
		return fmt.Errorf("anomaly %s already exists", r.ID)
	}
	s.records[r.ID] = r
	return nil
}

// Get retrieves an anomaly by ID.
func (s *AnomalyStore) Get(ctx context.Context, id string) (anomaly.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return anomaly.Record{}, anomaly.ErrNotFound
	}
	return r, nil
}

// List returns matching records newest first, and the total before paging.
func (s *AnomalyStore) List(ctx context.Context, f anomaly.Filter) ([]anomaly.Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []anomaly.Record
	for _, r := range s.records {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Limit, f.Offset), len(out), nil
}

// Resolve sets the resolve marker.
func (s *AnomalyStore) Resolve(ctx context.Context, id string, at time.Time) (anomaly.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return anomaly.Record{}, anomaly.ErrNotFound
	}
	r = anomaly.Resolve(r, at)
	s.records[id] = r
	return r, nil
}

// DeleteBefore deletes up to limit records older than cutoff.
func (s *AnomalyStore) DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, r := range s.records {
		if int(deleted) >= limit {
			break
		}
		if r.Timestamp.Before(cutoff) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// HallucinationStore is an in-memory implementation of ports.HallucinationStore.
type HallucinationStore struct {
	mu      sync.RWMutex
	records []hallucination.Record
}

// NewHallucinationStore creates a new in-memory hallucination store.
func NewHallucinationStore() *HallucinationStore {
	return &HallucinationStore{}
}

// Create stores a new record.
func (s *HallucinationStore) Create(ctx context.Context, r hallucination.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// List returns matching records newest first, and the total before paging.
func (s *HallucinationStore) List(ctx context.Context, f hallucination.Filter) ([]hallucination.Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []hallucination.Record
	for _, r := range s.records {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return page(out, f.Limit, f.Offset), len(out), nil
}

// DeleteBefore deletes up to limit records older than cutoff.
func (s *HallucinationStore) DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	kept := s.records[:0]
	for _, r := range s.records {
		if int(deleted) < limit && r.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return deleted, nil
}
