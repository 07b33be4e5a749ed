package sqlite

import (
	"context"
	"time"

	"github.com/artpar/tokenwatch/domain/hallucination"
)

// HallucinationStore implements ports.HallucinationStore using SQLite.
type HallucinationStore struct {
	db *DB
}

// NewHallucinationStore creates a new hallucination store.
func NewHallucinationStore(db *DB) *HallucinationStore {
	return &HallucinationStore{db: db}
}

// Create stores a new record.
func (s *HallucinationStore) Create(ctx context.Context, r hallucination.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hallucinations (id, request_id, ts, provider, model, application, score, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequestID, nanos(r.Timestamp), r.Provider, r.Model, r.Application, r.Score, r.Reason,
	)
	return err
}

// List returns matching records newest first, and the total before paging.
func (s *HallucinationStore) List(ctx context.Context, f hallucination.Filter) ([]hallucination.Record, int, error) {
	var conditions []string
	var args []any

	if !f.Start.IsZero() {
		conditions = append(conditions, "ts >= ?")
		args = append(args, nanos(f.Start))
	}
	if !f.End.IsZero() {
		conditions = append(conditions, "ts < ?")
		args = append(args, nanos(f.End))
	}
	if f.RequestID != "" {
		conditions = append(conditions, "request_id = ?")
		args = append(args, f.RequestID)
	}
	cond := where(conditions)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM hallucinations"+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := pageArgs(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, ts, provider, model, application, score, reason
		FROM hallucinations`+cond+` ORDER BY ts DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []hallucination.Record
	for rows.Next() {
		var r hallucination.Record
		var ts int64
		if err := rows.Scan(&r.ID, &r.RequestID, &ts, &r.Provider, &r.Model, &r.Application, &r.Score, &r.Reason); err != nil {
			return nil, 0, err
		}
		r.Timestamp = fromNanos(ts)
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// DeleteBefore deletes up to limit records older than cutoff.
func (s *HallucinationStore) DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM hallucinations WHERE id IN (SELECT id FROM hallucinations WHERE ts < ? LIMIT ?)`,
		nanos(cutoff), limit,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
