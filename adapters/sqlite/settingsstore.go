package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/artpar/tokenwatch/domain/settings"
	"github.com/artpar/tokenwatch/ports"
)

// SettingsStore implements ports.SettingsStore using SQLite.
type SettingsStore struct {
	db    *DB
	clock ports.Clock
}

// NewSettingsStore creates a new settings store.
func NewSettingsStore(db *DB, clock ports.Clock) *SettingsStore {
	return &SettingsStore{db: db, clock: clock}
}

// Get retrieves a single setting by key.
func (s *SettingsStore) Get(ctx context.Context, key string) (settings.Setting, error) {
	var setting settings.Setting
	var updatedAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM settings WHERE key = ?`,
		key,
	).Scan(&setting.Key, &setting.Value, &updatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settings.Setting{}, settings.ErrNotFound
		}
		return settings.Setting{}, err
	}

	setting.UpdatedAt = fromNanos(updatedAt)
	return setting, nil
}

// GetAll retrieves all settings as a map.
func (s *SettingsStore) GetAll(ctx context.Context) (settings.Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(settings.Settings)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		result[key] = value
	}

	return result, rows.Err()
}

const upsertSetting = `INSERT INTO settings (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

// Set stores or updates a setting.
func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, upsertSetting, key, value, nanos(s.clock.Now()))
	return err
}

// SetBatch stores or updates multiple settings atomically.
func (s *SettingsStore) SetBatch(ctx context.Context, batch settings.Settings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSetting)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := nanos(s.clock.Now())
	for key, value := range batch {
		if _, err := stmt.ExecContext(ctx, key, value, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Delete removes a setting.
func (s *SettingsStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}
