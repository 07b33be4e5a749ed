package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenwatch/domain/alert"
)

const alertConfigColumns = `id, name, enabled, alert_type, severity, thresholds, filters,
	notify_targets, match_mode, condition_expr, window_minutes, group_by, created_at, updated_at`

// AlertConfigStore implements ports.AlertConfigStore using SQLite.
// Thresholds, filters, targets and group_by are stored as JSON columns.
type AlertConfigStore struct {
	db *DB
}

// NewAlertConfigStore creates a new alert config store.
func NewAlertConfigStore(db *DB) *AlertConfigStore {
	return &AlertConfigStore{db: db}
}

type alertConfigJSON struct {
	thresholds, filters, targets, groupBy string
}

func encodeAlertConfig(c alert.Config) (alertConfigJSON, error) {
	var out alertConfigJSON
	fields := []struct {
		dst *string
		v   any
	}{
		{&out.thresholds, c.Thresholds},
		{&out.filters, c.Filters},
		{&out.targets, nonNil(c.NotifyTargets)},
		{&out.groupBy, nonNil(c.GroupBy)},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.v)
		if err != nil {
			return out, fmt.Errorf("encode alert config: %w", err)
		}
		*f.dst = string(b)
	}
	return out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Get retrieves a config by ID.
func (s *AlertConfigStore) Get(ctx context.Context, id string) (alert.Config, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertConfigColumns+` FROM alert_configs WHERE id = ?`, id)
	c, err := scanAlertConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.Config{}, alert.ErrNotFound
	}
	return c, err
}

// List returns all configs ordered by creation.
func (s *AlertConfigStore) List(ctx context.Context) ([]alert.Config, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertConfigColumns+` FROM alert_configs ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alert.Config
	for rows.Next() {
		c, err := scanAlertConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Create stores a new config.
func (s *AlertConfigStore) Create(ctx context.Context, c alert.Config) error {
	enc, err := encodeAlertConfig(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_configs (`+alertConfigColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, boolInt(c.Enabled), c.AlertType, c.Severity,
		enc.thresholds, enc.filters, enc.targets, string(c.Match), c.Condition,
		c.WindowMinutes, enc.groupBy, nanos(c.CreatedAt), nanos(c.UpdatedAt),
	)
	return err
}

// Update modifies an existing config.
func (s *AlertConfigStore) Update(ctx context.Context, c alert.Config) error {
	enc, err := encodeAlertConfig(c)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_configs SET
			name = ?, enabled = ?, alert_type = ?, severity = ?, thresholds = ?, filters = ?,
			notify_targets = ?, match_mode = ?, condition_expr = ?, window_minutes = ?,
			group_by = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, boolInt(c.Enabled), c.AlertType, c.Severity, enc.thresholds, enc.filters,
		enc.targets, string(c.Match), c.Condition, c.WindowMinutes,
		enc.groupBy, nanos(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return err
	}
	return expectOne(res, alert.ErrNotFound)
}

// Delete removes a config. Its events are kept until retention removes them.
func (s *AlertConfigStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_configs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res, alert.ErrNotFound)
}

func scanAlertConfig(row rowScanner) (alert.Config, error) {
	var c alert.Config
	var enabled int
	var thresholds, filters, targets, groupBy, match string
	var created, updated int64

	err := row.Scan(
		&c.ID, &c.Name, &enabled, &c.AlertType, &c.Severity, &thresholds, &filters,
		&targets, &match, &c.Condition, &c.WindowMinutes, &groupBy, &created, &updated,
	)
	if err != nil {
		return alert.Config{}, err
	}

	c.Enabled = enabled == 1
	c.Match = alert.Match(match)
	c.CreatedAt, c.UpdatedAt = fromNanos(created), fromNanos(updated)

	if err := json.Unmarshal([]byte(thresholds), &c.Thresholds); err != nil {
		return alert.Config{}, fmt.Errorf("decode thresholds of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(filters), &c.Filters); err != nil {
		return alert.Config{}, fmt.Errorf("decode filters of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(targets), &c.NotifyTargets); err != nil {
		return alert.Config{}, fmt.Errorf("decode notify_targets of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(groupBy), &c.GroupBy); err != nil {
		return alert.Config{}, fmt.Errorf("decode group_by of %s: %w", c.ID, err)
	}
	return c, nil
}

const alertEventColumns = `id, alert_id, instance_key, triggered_at, resolved_at, metric_value,
	threshold_value, acknowledged, notification_status, notification_error`

// AlertEventStore implements ports.AlertEventStore using SQLite.
type AlertEventStore struct {
	db *DB
}

// NewAlertEventStore creates a new alert event store.
func NewAlertEventStore(db *DB) *AlertEventStore {
	return &AlertEventStore{db: db}
}

// Create stores a new event.
func (s *AlertEventStore) Create(ctx context.Context, e alert.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_events (`+alertEventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AlertID, e.InstanceKey, nanos(e.TriggeredAt), nullNanos(e.ResolvedAt),
		e.MetricValue, e.ThresholdValue, boolInt(e.Acknowledged),
		string(e.NotificationStatus), e.NotificationError,
	)
	return err
}

// Get retrieves an event by ID.
func (s *AlertEventStore) Get(ctx context.Context, id string) (alert.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertEventColumns+` FROM alert_events WHERE id = ?`, id)
	e, err := scanAlertEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.Event{}, alert.ErrNotFound
	}
	return e, err
}

// ListOpen returns every unresolved event.
func (s *AlertEventStore) ListOpen(ctx context.Context) ([]alert.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertEventColumns+` FROM alert_events WHERE resolved_at IS NULL ORDER BY triggered_at`,
	)
	if err != nil {
		return nil, err
	}
	return collectAlertEvents(rows)
}

// List returns matching events newest first, and the total before paging.
func (s *AlertEventStore) List(ctx context.Context, f alert.EventFilter) ([]alert.Event, int, error) {
	var conditions []string
	var args []any

	if f.AlertID != "" {
		conditions = append(conditions, "alert_id = ?")
		args = append(args, f.AlertID)
	}
	if f.Resolved != nil {
		if *f.Resolved {
			conditions = append(conditions, "resolved_at IS NOT NULL")
		} else {
			conditions = append(conditions, "resolved_at IS NULL")
		}
	}
	cond := where(conditions)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alert_events"+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := pageArgs(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertEventColumns+` FROM alert_events`+cond+` ORDER BY triggered_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	events, err := collectAlertEvents(rows)
	return events, total, err
}

// Resolve closes an open event. Closing twice keeps the first time.
func (s *AlertEventStore) Resolve(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_events SET resolved_at = COALESCE(resolved_at, ?) WHERE id = ?`,
		nanos(at), id,
	)
	if err != nil {
		return err
	}
	return expectOne(res, alert.ErrNotFound)
}

// Acknowledge marks an event as seen by an operator.
func (s *AlertEventStore) Acknowledge(ctx context.Context, id string) (alert.Event, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE alert_events SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return alert.Event{}, err
	}
	if err := expectOne(res, alert.ErrNotFound); err != nil {
		return alert.Event{}, err
	}
	return s.Get(ctx, id)
}

// SetNotification records the dispatch outcome.
func (s *AlertEventStore) SetNotification(ctx context.Context, id string, status alert.NotificationStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_events SET notification_status = ?, notification_error = ? WHERE id = ?`,
		string(status), errMsg, id,
	)
	if err != nil {
		return err
	}
	return expectOne(res, alert.ErrNotFound)
}

// DeleteResolvedBefore deletes up to limit resolved events triggered before cutoff.
func (s *AlertEventStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alert_events WHERE id IN (
			SELECT id FROM alert_events
			WHERE resolved_at IS NOT NULL AND triggered_at < ?
			LIMIT ?
		)`,
		nanos(cutoff), limit,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func collectAlertEvents(rows *sql.Rows) ([]alert.Event, error) {
	defer rows.Close()

	var out []alert.Event
	for rows.Next() {
		e, err := scanAlertEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAlertEvent(row rowScanner) (alert.Event, error) {
	var e alert.Event
	var triggered int64
	var resolved sql.NullInt64
	var acknowledged int
	var status string

	err := row.Scan(
		&e.ID, &e.AlertID, &e.InstanceKey, &triggered, &resolved, &e.MetricValue,
		&e.ThresholdValue, &acknowledged, &status, &e.NotificationError,
	)
	if err != nil {
		return alert.Event{}, err
	}
	e.TriggeredAt = fromNanos(triggered)
	e.ResolvedAt = timePtr(resolved)
	e.Acknowledged = acknowledged == 1
	e.NotificationStatus = alert.NotificationStatus(status)
	return e, nil
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
