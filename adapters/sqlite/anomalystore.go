package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/artpar/tokenwatch/domain/anomaly"
)

const anomalyColumns = `id, ts, type, severity, request_id, provider, model, application,
	details, resolved, resolved_at`

// AnomalyStore implements ports.AnomalyStore using SQLite.
type AnomalyStore struct {
	db *DB
}

// NewAnomalyStore creates a new anomaly store.
func NewAnomalyStore(db *DB) *AnomalyStore {
	return &AnomalyStore{db: db}
}

// Create stores a new anomaly.
func (s *AnomalyStore) Create(ctx context.Context, r anomaly.Record) error {
	details, err := anomaly.EncodeDetails(r.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO anomalies (`+anomalyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nanos(r.Timestamp), string(r.Type), string(r.Severity), r.RequestID,
		r.Provider, r.Model, r.Application, string(details), boolInt(r.Resolved), nullNanos(r.ResolvedAt),
	)
	return err
}

// Get retrieves an anomaly by ID.
func (s *AnomalyStore) Get(ctx context.Context, id string) (anomaly.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+anomalyColumns+` FROM anomalies WHERE id = ?`, id)
	r, err := scanAnomaly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return anomaly.Record{}, anomaly.ErrNotFound
	}
	return r, err
}

// List returns matching records newest first, and the total before paging.
func (s *AnomalyStore) List(ctx context.Context, f anomaly.Filter) ([]anomaly.Record, int, error) {
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
	if f.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Resolved != nil {
		conditions = append(conditions, "resolved = ?")
		args = append(args, boolInt(*f.Resolved))
	}
	cond := where(conditions)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM anomalies"+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := pageArgs(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies`+cond+` ORDER BY ts DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []anomaly.Record
	for rows.Next() {
		r, err := scanAnomaly(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// Resolve sets the resolve marker. Resolving twice keeps the first time.
func (s *AnomalyStore) Resolve(ctx context.Context, id string, at time.Time) (anomaly.Record, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET resolved = 1, resolved_at = ? WHERE id = ? AND resolved = 0`,
		nanos(at), id,
	)
	if err != nil {
		return anomaly.Record{}, err
	}
	return s.Get(ctx, id)
}

// DeleteBefore deletes up to limit records older than cutoff.
func (s *AnomalyStore) DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM anomalies WHERE id IN (SELECT id FROM anomalies WHERE ts < ? LIMIT ?)`,
		nanos(cutoff), limit,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(row rowScanner) (anomaly.Record, error) {
	var r anomaly.Record
	var ts int64
	var typ, severity, details string
	var resolved int
	var resolvedAt sql.NullInt64

	err := row.Scan(
		&r.ID, &ts, &typ, &severity, &r.RequestID, &r.Provider, &r.Model, &r.Application,
		&details, &resolved, &resolvedAt,
	)
	if err != nil {
		return anomaly.Record{}, err
	}

	r.Timestamp = fromNanos(ts)
	r.Type = anomaly.Type(typ)
	r.Severity = anomaly.Severity(severity)
	r.Resolved = resolved == 1
	r.ResolvedAt = timePtr(resolvedAt)
	if r.Details, err = anomaly.DecodeDetails(r.Type, []byte(details)); err != nil {
		return anomaly.Record{}, err
	}
	return r, nil
}
