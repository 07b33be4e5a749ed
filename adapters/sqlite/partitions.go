package sqlite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/tokenwatch/domain/partition"
	"github.com/artpar/tokenwatch/ports"
)

// MetricTablePrefix prefixes every metric partition table.
const MetricTablePrefix = "metrics"

// PartitionManager implements ports.PartitionManager with one SQLite table per partition.
// Creation is idempotent DDL and takes no application lock. The cache holds
// partitions this process has already ensured.
type PartitionManager struct {
	db    *DB
	unit  partition.Unit
	clock ports.Clock
	known sync.Map // key -> partition.Handle
}

// NewPartitionManager creates a partition manager for the given unit.
func NewPartitionManager(db *DB, unit partition.Unit, clock ports.Clock) *PartitionManager {
	if !unit.Valid() {
		unit = partition.UnitMonth
	}
	return &PartitionManager{db: db, unit: unit, clock: clock}
}

// Unit returns the partition width.
func (m *PartitionManager) Unit() partition.Unit {
	return m.unit
}

// EnsurePartition returns the partition holding t, creating it if needed.
func (m *PartitionManager) EnsurePartition(ctx context.Context, t time.Time) (partition.Handle, error) {
	r := partition.For(m.unit, t)
	if h, ok := m.known.Load(r.Key); ok {
		return h.(partition.Handle), nil
	}

	table := partition.TableName(MetricTablePrefix, r.Key)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return partition.Handle{}, fmt.Errorf("begin partition tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createMetricTableSQL(table)); err != nil {
		return partition.Handle{}, fmt.Errorf("create partition %s: %w", table, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO metric_partitions (key, table_name, range_start, range_end, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.Key, table, nanos(r.Start), nanos(r.End), nanos(m.clock.Now()),
	)
	if err != nil {
		return partition.Handle{}, fmt.Errorf("register partition %s: %w", table, err)
	}

	var createdAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT created_at FROM metric_partitions WHERE key = ?`, r.Key,
	).Scan(&createdAt)
	if err != nil {
		return partition.Handle{}, fmt.Errorf("read partition %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return partition.Handle{}, fmt.Errorf("commit partition %s: %w", table, err)
	}

	h := partition.Handle{Range: r, Table: table, CreatedAt: fromNanos(createdAt)}
	m.known.Store(r.Key, h)
	return h, nil
}

// forget drops a key from the cache after the table was found missing.
func (m *PartitionManager) forget(key string) {
	m.known.Delete(key)
}

// DropPartitionsBefore drops every partition that ends at or before cutoff.
func (m *PartitionManager) DropPartitionsBefore(ctx context.Context, cutoff time.Time) ([]partition.Handle, error) {
	handles, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	var dropped []partition.Handle
	for _, h := range handles {
		if !h.EntirelyBefore(cutoff) {
			continue
		}
		if err := m.drop(ctx, h); err != nil {
			return dropped, err
		}
		dropped = append(dropped, h)
	}
	return dropped, nil
}

func (m *PartitionManager) drop(ctx context.Context, h partition.Handle) error {
	// Forget first: a writer racing the drop re-creates the table.
	m.known.Delete(h.Key)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin drop tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+h.Table); err != nil {
		return fmt.Errorf("drop partition %s: %w", h.Table, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM metric_partitions WHERE key = ?`, h.Key); err != nil {
		return fmt.Errorf("unregister partition %s: %w", h.Table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit drop %s: %w", h.Table, err)
	}
	return nil
}

// DeleteRowsBefore deletes rows older than cutoff from every partition that
// straddles it.
func (m *PartitionManager) DeleteRowsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	handles, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, h := range handles {
		if !h.Contains(cutoff) || h.Start.Equal(cutoff) {
			continue
		}
		res, err := m.db.ExecContext(ctx, "DELETE FROM "+h.Table+" WHERE ts < ?", nanos(cutoff))
		if err != nil {
			if isMissingTable(err) {
				continue
			}
			return deleted, fmt.Errorf("delete rows from %s: %w", h.Table, err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

// PreCreate ensures n consecutive partitions starting with the one holding from.
func (m *PartitionManager) PreCreate(ctx context.Context, from time.Time, n int) ([]partition.Handle, error) {
	handles := make([]partition.Handle, 0, n)
	r := partition.For(m.unit, from)
	for i := 0; i < n; i++ {
		h, err := m.EnsurePartition(ctx, r.Start)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
		r = partition.Next(m.unit, r)
	}
	return handles, nil
}

// List returns all partitions ordered by start time.
func (m *PartitionManager) List(ctx context.Context) ([]partition.Handle, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT key, table_name, range_start, range_end, created_at
		FROM metric_partitions ORDER BY range_start`,
	)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var handles []partition.Handle
	for rows.Next() {
		var h partition.Handle
		var start, end, created int64
		if err := rows.Scan(&h.Key, &h.Table, &start, &end, &created); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		h.Start, h.End, h.CreatedAt = fromNanos(start), fromNanos(end), fromNanos(created)
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// overlapping returns the partitions intersecting [start, end).
func (m *PartitionManager) overlapping(ctx context.Context, start, end time.Time) ([]partition.Handle, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []partition.Handle
	for _, h := range all {
		if h.Overlaps(start, end) {
			out = append(out, h)
		}
	}
	return out, nil
}

func createMetricTableSQL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			request_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			application TEXT NOT NULL DEFAULT '',
			environment TEXT NOT NULL DEFAULT '',
			inference_time REAL NOT NULL,
			success INTEGER NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost REAL NOT NULL DEFAULT 0,
			memory_used INTEGER,
			error TEXT,
			storage_object_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_ts ON %[1]s(ts);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_request ON %[1]s(request_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_group ON %[1]s(provider, model, application, ts);
	`, table)
}
