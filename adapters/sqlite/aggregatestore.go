package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/tokenwatch/domain/usage"
	"github.com/artpar/tokenwatch/ports"
)

// AggregateStore implements ports.AggregateStore using SQLite.
type AggregateStore struct {
	db    *DB
	clock ports.Clock
}

// NewAggregateStore creates a new aggregate store.
func NewAggregateStore(db *DB, clock ports.Clock) *AggregateStore {
	return &AggregateStore{db: db, clock: clock}
}

// ReplaceDay atomically replaces every aggregate of date.
func (s *AggregateStore) ReplaceDay(ctx context.Context, date time.Time, aggs []usage.DailyAggregate) error {
	day := usage.FormatDate(date)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_aggregates WHERE date = ?`, day); err != nil {
		return fmt.Errorf("clear %s: %w", day, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_aggregates (
			date, provider, model, application, environment,
			request_count, success_count, error_count, total_tokens, total_cost,
			avg_inference_time, max_inference_time, p95_inference_time, p99_inference_time,
			computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	computedAt := nanos(s.clock.Now())
	for _, a := range aggs {
		if usage.FormatDate(a.Date) != day {
			return fmt.Errorf("aggregate dated %s in replace of %s", usage.FormatDate(a.Date), day)
		}
		_, err := stmt.ExecContext(ctx,
			day, a.Provider, a.Model, a.Application, a.Environment,
			a.RequestCount, a.SuccessCount, a.ErrorCount, a.TotalTokens, a.TotalCost,
			a.AvgInferenceTime, a.MaxInferenceTime, a.P95InferenceTime, a.P99InferenceTime,
			computedAt,
		)
		if err != nil {
			return fmt.Errorf("insert aggregate %s %s: %w", day, a.Dimensions, err)
		}
	}

	return tx.Commit()
}

// List returns aggregates matching the filter ordered by date.
func (s *AggregateStore) List(ctx context.Context, f usage.AggregateFilter) ([]usage.DailyAggregate, error) {
	var conditions []string
	var args []any

	if !f.StartDate.IsZero() {
		conditions = append(conditions, "date >= ?")
		args = append(args, usage.FormatDate(f.StartDate))
	}
	if !f.EndDate.IsZero() {
		conditions = append(conditions, "date <= ?")
		args = append(args, usage.FormatDate(f.EndDate))
	}
	if f.Filter.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, f.Filter.Provider)
	}
	if f.Filter.Model != "" {
		conditions = append(conditions, "model = ?")
		args = append(args, f.Filter.Model)
	}
	if f.Filter.Application != "" {
		conditions = append(conditions, "application = ?")
		args = append(args, f.Filter.Application)
	}
	if f.Filter.Environment != "" {
		conditions = append(conditions, "environment = ?")
		args = append(args, f.Filter.Environment)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT date, provider, model, application, environment,
			request_count, success_count, error_count, total_tokens, total_cost,
			avg_inference_time, max_inference_time, p95_inference_time, p99_inference_time
		FROM daily_aggregates`+where(conditions)+`
		ORDER BY date, provider, model, application, environment`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []usage.DailyAggregate
	for rows.Next() {
		var a usage.DailyAggregate
		var date string
		err := rows.Scan(
			&date, &a.Provider, &a.Model, &a.Application, &a.Environment,
			&a.RequestCount, &a.SuccessCount, &a.ErrorCount, &a.TotalTokens, &a.TotalCost,
			&a.AvgInferenceTime, &a.MaxInferenceTime, &a.P95InferenceTime, &a.P99InferenceTime,
		)
		if err != nil {
			return nil, err
		}
		if a.Date, err = usage.ParseDate(date); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteBefore deletes up to limit aggregates dated before cutoff.
func (s *AggregateStore) DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM daily_aggregates WHERE rowid IN (
			SELECT rowid FROM daily_aggregates WHERE date < ? LIMIT ?
		)`,
		usage.FormatDate(cutoff), limit,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
