// Package memory provides in-memory implementations of the storage ports.
// Used for the memory database driver and for service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/domain/partition"
	"github.com/artpar/tokenwatch/domain/usage"
	"github.com/artpar/tokenwatch/ports"
)

type memPartition struct {
	handle partition.Handle
	rows   []metric.RequestMetric
}

// PartitionManager is an in-memory implementation of ports.PartitionManager.
// Rows live inside their partition so a drop removes them wholesale.
type PartitionManager struct {
	mu    sync.RWMutex
	unit  partition.Unit
	clock ports.Clock
	parts map[string]*memPartition
}

// NewPartitionManager creates a new in-memory partition manager.
func NewPartitionManager(unit partition.Unit, clock ports.Clock) *PartitionManager {
	if !unit.Valid() {
		unit = partition.UnitMonth
	}
	return &PartitionManager{
		unit:  unit,
		clock: clock,
		parts: make(map[string]*memPartition),
	}
}

// EnsurePartition returns the partition holding t, creating it if needed.
func (m *PartitionManager) EnsurePartition(ctx context.Context, t time.Time) (partition.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(t).handle, nil
}

func (m *PartitionManager) ensureLocked(t time.Time) *memPartition {
	r := partition.For(m.unit, t)
	p, ok := m.parts[r.Key]
	if !ok {
		p = &memPartition{handle: partition.Handle{
			Range:     r,
			Table:     partition.TableName("metrics", r.Key),
			CreatedAt: m.clock.Now(),
		}}
		m.parts[r.Key] = p
	}
	return p
}

// DropPartitionsBefore drops every partition that ends at or before cutoff.
func (m *PartitionManager) DropPartitionsBefore(ctx context.Context, cutoff time.Time) ([]partition.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []partition.Handle
	for key, p := range m.parts {
		if p.handle.EntirelyBefore(cutoff) {
			dropped = append(dropped, p.handle)
			delete(m.parts, key)
		}
	}
	sortHandles(dropped)
	return dropped, nil
}

// DeleteRowsBefore deletes rows older than cutoff from the partition straddling it.
func (m *PartitionManager) DeleteRowsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for _, p := range m.parts {
		if !p.handle.Contains(cutoff) || p.handle.Start.Equal(cutoff) {
			continue
		}
		kept := p.rows[:0]
		for _, row := range p.rows {
			if row.Timestamp.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, row)
		}
		p.rows = kept
	}
	return deleted, nil
}

// PreCreate ensures n consecutive partitions starting with the one holding from.
func (m *PartitionManager) PreCreate(ctx context.Context, from time.Time, n int) ([]partition.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles := make([]partition.Handle, 0, n)
	r := partition.For(m.unit, from)
	for i := 0; i < n; i++ {
		handles = append(handles, m.ensureLocked(r.Start).handle)
		r = partition.Next(m.unit, r)
	}
	return handles, nil
}

// List returns all partitions ordered by start time.
func (m *PartitionManager) List(ctx context.Context) ([]partition.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	handles := make([]partition.Handle, 0, len(m.parts))
	for _, p := range m.parts {
		handles = append(handles, p.handle)
	}
	sortHandles(handles)
	return handles, nil
}

func sortHandles(hs []partition.Handle) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].Start.Before(hs[j].Start) })
}

// MetricStore is an in-memory implementation of ports.MetricStore.
type MetricStore struct {
	partitions *PartitionManager
	clock      ports.Clock
}

// NewMetricStore creates a new in-memory metric store over partitions.
func NewMetricStore(partitions *PartitionManager, clock ports.Clock) *MetricStore {
	return &MetricStore{partitions: partitions, clock: clock}
}

// Append validates and stores one record.
func (s *MetricStore) Append(ctx context.Context, m metric.RequestMetric) error {
	m = metric.Normalize(m)
	if err := metric.Validate(m, s.clock.Now()); err != nil {
		return err
	}

	s.partitions.mu.Lock()
	defer s.partitions.mu.Unlock()

	p := s.partitions.ensureLocked(m.Timestamp)
	p.rows = append(p.rows, m)
	return nil
}

// Query returns matching records ordered by timestamp, and the total before paging.
func (s *MetricStore) Query(ctx context.Context, q metric.Query) ([]metric.RequestMetric, int, error) {
	all := s.matching(q)
	return page(all, q.Limit, q.Offset), len(all), nil
}

// Summarize computes statistics over the records matching q.
func (s *MetricStore) Summarize(ctx context.Context, q metric.Query) (usage.Summary, error) {
	return usage.Summarize(s.matching(q)), nil
}

func (s *MetricStore) matching(q metric.Query) []metric.RequestMetric {
	s.partitions.mu.RLock()
	defer s.partitions.mu.RUnlock()

	var out []metric.RequestMetric
	for _, p := range s.partitions.parts {
		if !p.handle.Overlaps(q.Start, q.End) {
			continue
		}
		for _, m := range p.rows {
			if q.Matches(m) {
				out = append(out, m)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// page applies limit/offset. limit <= 0 returns everything after offset.
func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
