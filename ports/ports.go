// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/artpar/tokenwatch/domain/alert"
	"github.com/artpar/tokenwatch/domain/anomaly"
	"github.com/artpar/tokenwatch/domain/hallucination"
	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/domain/partition"
	"github.com/artpar/tokenwatch/domain/settings"
	"github.com/artpar/tokenwatch/domain/usage"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Metric Storage Ports
// -----------------------------------------------------------------------------

// PartitionManager owns the time-range partitions of the metric store.
type PartitionManager interface {
	// EnsurePartition returns the partition holding t, creating it if needed.
	// Concurrent calls for the same key observe exactly one creation.
	EnsurePartition(ctx context.Context, t time.Time) (partition.Handle, error)

	// DropPartitionsBefore drops every partition whose whole range ends at or
	// before cutoff. Partitions straddling cutoff are untouched.
	DropPartitionsBefore(ctx context.Context, cutoff time.Time) ([]partition.Handle, error)

	// DeleteRowsBefore deletes rows older than cutoff from the partition
	// straddling it. Returns the number of deleted rows.
	DeleteRowsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// PreCreate ensures n consecutive partitions starting with the one holding from.
	PreCreate(ctx context.Context, from time.Time, n int) ([]partition.Handle, error)

	// List returns all partitions ordered by start time.
	List(ctx context.Context) ([]partition.Handle, error)
}

// MetricStore persists raw request metrics.
type MetricStore interface {
	// Append validates and durably writes one record.
	// Returns *metric.ValidationError or *metric.StorageError.
	Append(ctx context.Context, m metric.RequestMetric) error

	// Query returns matching records ordered by timestamp, and the total before paging.
	Query(ctx context.Context, q metric.Query) ([]metric.RequestMetric, int, error)

	// Summarize computes statistics over the records matching q (paging ignored).
	Summarize(ctx context.Context, q metric.Query) (usage.Summary, error)
}

// AggregateStore persists daily rollups.
type AggregateStore interface {
	// ReplaceDay atomically replaces every aggregate of date.
	ReplaceDay(ctx context.Context, date time.Time, aggs []usage.DailyAggregate) error

	// List returns aggregates matching the filter ordered by date.
	List(ctx context.Context, f usage.AggregateFilter) ([]usage.DailyAggregate, error)

	// DeleteBefore deletes up to limit aggregates dated before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// MetadataStore persists the free-form metadata sent with events.
type MetadataStore interface {
	Create(ctx context.Context, m metric.Metadata) error
	Get(ctx context.Context, eventID string) (metric.Metadata, error)
	DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// -----------------------------------------------------------------------------
// Detection Ports
// -----------------------------------------------------------------------------

// AnomalyStore persists detected anomalies.
type AnomalyStore interface {
	Create(ctx context.Context, r anomaly.Record) error

	// Get retrieves an anomaly by ID. Returns anomaly.ErrNotFound.
	Get(ctx context.Context, id string) (anomaly.Record, error)

	// List returns matching records newest first, and the total before paging.
	List(ctx context.Context, f anomaly.Filter) ([]anomaly.Record, int, error)

	// Resolve sets the resolve marker. Resolving twice keeps the first time.
	Resolve(ctx context.Context, id string, at time.Time) (anomaly.Record, error)

	// DeleteBefore deletes up to limit records older than cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// HallucinationStore persists externally detected hallucinations.
type HallucinationStore interface {
	Create(ctx context.Context, r hallucination.Record) error
	List(ctx context.Context, f hallucination.Filter) ([]hallucination.Record, int, error)
	DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// -----------------------------------------------------------------------------
// Alerting Ports
// -----------------------------------------------------------------------------

// AlertConfigStore persists alert rules.
type AlertConfigStore interface {
	// Get retrieves a config by ID. Returns alert.ErrNotFound.
	Get(ctx context.Context, id string) (alert.Config, error)

	// List returns all configs ordered by creation.
	List(ctx context.Context) ([]alert.Config, error)

	Create(ctx context.Context, c alert.Config) error
	Update(ctx context.Context, c alert.Config) error
	Delete(ctx context.Context, id string) error
}

// AlertEventStore persists alert events.
type AlertEventStore interface {
	Create(ctx context.Context, e alert.Event) error

	// Get retrieves an event by ID. Returns alert.ErrNotFound.
	Get(ctx context.Context, id string) (alert.Event, error)

	// ListOpen returns every unresolved event.
	ListOpen(ctx context.Context) ([]alert.Event, error)

	// List returns matching events newest first, and the total before paging.
	List(ctx context.Context, f alert.EventFilter) ([]alert.Event, int, error)

	// Resolve closes an open event. Closing twice keeps the first time.
	Resolve(ctx context.Context, id string, at time.Time) error

	// Acknowledge marks an event as seen by an operator.
	Acknowledge(ctx context.Context, id string) (alert.Event, error)

	// SetNotification records the dispatch outcome.
	SetNotification(ctx context.Context, id string, status alert.NotificationStatus, errMsg string) error

	// DeleteResolvedBefore deletes up to limit resolved events triggered before cutoff.
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// Notifier delivers alert notifications to one target type.
type Notifier interface {
	// Notify delivers payload to target.
	Notify(ctx context.Context, target alert.NotifyTarget, payload alert.Payload) error
}

// -----------------------------------------------------------------------------
// Settings Ports
// -----------------------------------------------------------------------------

// SettingsStore persists application settings.
type SettingsStore interface {
	// Get retrieves a single setting by key. Returns settings.ErrNotFound.
	Get(ctx context.Context, key string) (settings.Setting, error)

	// GetAll retrieves all settings as a map.
	GetAll(ctx context.Context) (settings.Settings, error)

	// Set stores or updates a setting.
	Set(ctx context.Context, key, value string) error

	// SetBatch stores or updates multiple settings atomically.
	SetBatch(ctx context.Context, s settings.Settings) error

	// Delete removes a setting.
	Delete(ctx context.Context, key string) error
}
