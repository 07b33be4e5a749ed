package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenwatch/domain/metric"
)

// MetadataStore implements ports.MetadataStore using SQLite.
type MetadataStore struct {
	db *DB
}

// NewMetadataStore creates a new request metadata store.
func NewMetadataStore(db *DB) *MetadataStore {
	return &MetadataStore{db: db}
}

// Create stores the metadata of one event.
func (s *MetadataStore) Create(ctx context.Context, m metric.Metadata) error {
	data, err := json.Marshal(m.Data)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO request_metadata (event_id, request_id, ts, data) VALUES (?, ?, ?, ?)`,
		m.EventID, m.RequestID, nanos(m.Timestamp), string(data),
	)
	return err
}

// Get retrieves the metadata of one event.
func (s *MetadataStore) Get(ctx context.Context, eventID string) (metric.Metadata, error) {
	var m metric.Metadata
	var ts int64
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id, request_id, ts, data FROM request_metadata WHERE event_id = ?`, eventID,
	).Scan(&m.EventID, &m.RequestID, &ts, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return metric.Metadata{}, metric.ErrMetadataNotFound
	}
	if err != nil {
		return metric.Metadata{}, err
	}
	m.Timestamp = fromNanos(ts)
	if err := json.Unmarshal([]byte(data), &m.Data); err != nil {
		return metric.Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// DeleteBefore deletes up to limit entries older than cutoff.
func (s *MetadataStore) DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_metadata WHERE event_id IN (
			SELECT event_id FROM request_metadata WHERE ts < ? LIMIT ?
		)`,
		nanos(cutoff), limit,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
