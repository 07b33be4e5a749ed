package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/domain/partition"
	"github.com/artpar/tokenwatch/domain/usage"
	"github.com/artpar/tokenwatch/ports"
)

const metricColumns = `request_id, ts, provider, model, application, environment,
	inference_time, success, prompt_tokens, completion_tokens, total_tokens,
	estimated_cost, memory_used, error, storage_object_id`

// MetricStore implements ports.MetricStore over partitioned tables.
type MetricStore struct {
	db         *DB
	partitions *PartitionManager
	clock      ports.Clock
}

// NewMetricStore creates a new metric store.
func NewMetricStore(db *DB, partitions *PartitionManager, clock ports.Clock) *MetricStore {
	return &MetricStore{db: db, partitions: partitions, clock: clock}
}

// Append validates and durably writes one record.
func (s *MetricStore) Append(ctx context.Context, m metric.RequestMetric) error {
	m = metric.Normalize(m)
	if err := metric.Validate(m, s.clock.Now()); err != nil {
		return err
	}

	h, err := s.partitions.EnsurePartition(ctx, m.Timestamp)
	if err != nil {
		return &metric.StorageError{Op: "ensure partition", Err: err}
	}

	err = s.insert(ctx, h, m)
	if isMissingTable(err) {
		// Dropped between lookup and insert; re-create once.
		s.partitions.forget(h.Key)
		if h, err = s.partitions.EnsurePartition(ctx, m.Timestamp); err != nil {
			return &metric.StorageError{Op: "ensure partition", Err: err}
		}
		err = s.insert(ctx, h, m)
	}
	if err != nil {
		return &metric.StorageError{Op: "insert " + h.Table, Err: err}
	}
	return nil
}

func (s *MetricStore) insert(ctx context.Context, h partition.Handle, m metric.RequestMetric) error {
	var memory sql.NullInt64
	if m.MemoryUsed != nil {
		memory = sql.NullInt64{Int64: *m.MemoryUsed, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO "+h.Table+" ("+metricColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RequestID, nanos(m.Timestamp), m.Provider, m.Model, m.Application, m.Environment,
		m.InferenceTime, boolInt(m.Success), m.PromptTokens, m.CompletionTokens, m.TotalTokens,
		m.EstimatedCost, memory, nullString(m.Error), nullString(m.StorageObjectID),
	)
	return err
}

// maxUnionTerms keeps each compound SELECT below SQLite's limit of 500 terms.
const maxUnionTerms = 400

// unionChunk is one UNION ALL over consecutive partitions.
type unionChunk struct {
	query string
	args  []any
}

// Query returns matching records ordered by timestamp, and the total before paging.
func (s *MetricStore) Query(ctx context.Context, q metric.Query) ([]metric.RequestMetric, int, error) {
	var out []metric.RequestMetric
	var total int

	err := s.withPartitions(ctx, q, func(chunks []unionChunk) error {
		out, total = nil, 0
		limit, offset := pageArgs(q.Limit, q.Offset)

		// Chunks cover disjoint, ascending time ranges, so pages can be
		// stitched in chunk order.
		for _, c := range chunks {
			var n int
			if err := s.db.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM ("+c.query+")", c.args...,
			).Scan(&n); err != nil {
				return err
			}
			total += n
			if n <= offset {
				offset -= n
				continue
			}
			if limit == 0 {
				continue
			}

			args := append(append(make([]any, 0, len(c.args)+2), c.args...), limit, offset)
			rows, err := s.db.QueryContext(ctx,
				"SELECT "+metricColumns+" FROM ("+c.query+") ORDER BY ts, request_id LIMIT ? OFFSET ?",
				args...,
			)
			if err != nil {
				return err
			}
			page, err := scanMetrics(rows)
			if err != nil {
				return err
			}
			out = append(out, page...)
			offset = 0
			if limit > 0 {
				limit -= len(page)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, &metric.StorageError{Op: "query", Err: err}
	}
	return out, total, nil
}

// Summarize computes statistics over the records matching q.
func (s *MetricStore) Summarize(ctx context.Context, q metric.Query) (usage.Summary, error) {
	q.Limit, q.Offset = 0, 0
	var metrics []metric.RequestMetric

	err := s.withPartitions(ctx, q, func(chunks []unionChunk) error {
		metrics = nil
		for _, c := range chunks {
			rows, err := s.db.QueryContext(ctx, "SELECT "+metricColumns+" FROM ("+c.query+")", c.args...)
			if err != nil {
				return err
			}
			page, err := scanMetrics(rows)
			if err != nil {
				return err
			}
			metrics = append(metrics, page...)
		}
		return nil
	})
	if err != nil {
		return usage.Summary{}, &metric.StorageError{Op: "summarize", Err: err}
	}
	return usage.Summarize(metrics), nil
}

// withPartitions splits the partitions overlapping q into UNION ALL chunks
// and calls fn with them. fn is retried once if a partition disappears
// mid-read. fn is not called when no partition overlaps.
func (s *MetricStore) withPartitions(ctx context.Context, q metric.Query, fn func(chunks []unionChunk) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var handles []partition.Handle
		handles, err = s.partitions.overlapping(ctx, q.Start, q.End)
		if err != nil {
			return err
		}
		if len(handles) == 0 {
			return nil
		}
		err = fn(unionChunks(handles, q))
		if !isMissingTable(err) {
			return err
		}
	}
	return err
}

func unionChunks(handles []partition.Handle, q metric.Query) []unionChunk {
	chunks := make([]unionChunk, 0, (len(handles)+maxUnionTerms-1)/maxUnionTerms)
	for i := 0; i < len(handles); i += maxUnionTerms {
		end := min(i+maxUnionTerms, len(handles))
		query, args := unionQuery(handles[i:end], q)
		chunks = append(chunks, unionChunk{query: query, args: args})
	}
	return chunks
}

func unionQuery(handles []partition.Handle, q metric.Query) (string, []any) {
	var conditions []string
	var filterArgs []any

	if !q.Start.IsZero() {
		conditions = append(conditions, "ts >= ?")
		filterArgs = append(filterArgs, nanos(q.Start))
	}
	if !q.End.IsZero() {
		conditions = append(conditions, "ts < ?")
		filterArgs = append(filterArgs, nanos(q.End))
	}
	if q.RequestID != "" {
		conditions = append(conditions, "request_id = ?")
		filterArgs = append(filterArgs, q.RequestID)
	}
	if q.Filter.Provider != "" {
		conditions = append(conditions, "provider = ?")
		filterArgs = append(filterArgs, q.Filter.Provider)
	}
	if q.Filter.Model != "" {
		conditions = append(conditions, "model = ?")
		filterArgs = append(filterArgs, q.Filter.Model)
	}
	if q.Filter.Application != "" {
		conditions = append(conditions, "application = ?")
		filterArgs = append(filterArgs, q.Filter.Application)
	}
	if q.Filter.Environment != "" {
		conditions = append(conditions, "environment = ?")
		filterArgs = append(filterArgs, q.Filter.Environment)
	}

	cond := where(conditions)
	selects := make([]string, len(handles))
	args := make([]any, 0, len(handles)*len(filterArgs))
	for i, h := range handles {
		selects[i] = "SELECT " + metricColumns + " FROM " + h.Table + cond
		args = append(args, filterArgs...)
	}
	return strings.Join(selects, " UNION ALL "), args
}

func scanMetrics(rows *sql.Rows) ([]metric.RequestMetric, error) {
	defer rows.Close()

	var out []metric.RequestMetric
	for rows.Next() {
		var m metric.RequestMetric
		var ts int64
		var success int
		var memory sql.NullInt64
		var errMsg, objectID sql.NullString

		err := rows.Scan(
			&m.RequestID, &ts, &m.Provider, &m.Model, &m.Application, &m.Environment,
			&m.InferenceTime, &success, &m.PromptTokens, &m.CompletionTokens, &m.TotalTokens,
			&m.EstimatedCost, &memory, &errMsg, &objectID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = fromNanos(ts)
		m.Success = success == 1
		if memory.Valid {
			v := memory.Int64
			m.MemoryUsed = &v
		}
		m.Error = errMsg.String
		m.StorageObjectID = objectID.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
