// Package partition maps metric timestamps to time-range partitions.
// All functions are pure; the unit of partitioning is a configuration constant.
package partition

import (
	"fmt"
	"time"
)

// Unit is the width of one partition.
type Unit string

const (
	UnitMonth Unit = "month"
	UnitDay   Unit = "day"
)

// Valid reports whether u is a supported unit.
func (u Unit) Valid() bool {
	return u == UnitMonth || u == UnitDay
}

// keyLayout returns the time layout used for partition keys of this unit.
func (u Unit) keyLayout() string {
	if u == UnitDay {
		return "2006_01_02"
	}
	return "2006_01"
}

// Range is a half-open time range [Start, End) identified by Key.
type Range struct {
	Key   string
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// EntirelyBefore reports whether every instant of the range is strictly before cutoff.
func (r Range) EntirelyBefore(cutoff time.Time) bool {
	return !r.End.After(cutoff)
}

// Overlaps reports whether the range intersects [start, end).
// A zero start or end is unbounded on that side.
func (r Range) Overlaps(start, end time.Time) bool {
	if !end.IsZero() && !r.Start.Before(end) {
		return false
	}
	if !start.IsZero() && !r.End.After(start) {
		return false
	}
	return true
}

// Handle describes an existing partition.
type Handle struct {
	Range
	Table     string
	CreatedAt time.Time
}

// Floor truncates t to the start of its partition, in UTC.
// This is a PURE function.
func Floor(u Unit, t time.Time) time.Time {
	t = t.UTC()
	if u == UnitDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// For returns the partition range containing t.
// The same timestamp always maps to the same range.
// This is a PURE function.
func For(u Unit, t time.Time) Range {
	start := Floor(u, t)
	return Range{
		Key:   start.Format(u.keyLayout()),
		Start: start,
		End:   advance(u, start, 1),
	}
}

// Next returns the partition range following r.
// This is a PURE function.
func Next(u Unit, r Range) Range {
	return For(u, r.End)
}

// Covering returns every partition range overlapping [start, end), oldest first.
// This is a PURE function.
func Covering(u Unit, start, end time.Time) []Range {
	if !end.After(start) {
		return nil
	}
	var ranges []Range
	for r := For(u, start); r.Start.Before(end); r = Next(u, r) {
		ranges = append(ranges, r)
	}
	return ranges
}

// ParseKey reconstructs a range from its key.
// This is a PURE function.
func ParseKey(u Unit, key string) (Range, error) {
	start, err := time.ParseInLocation(u.keyLayout(), key, time.UTC)
	if err != nil {
		return Range{}, fmt.Errorf("parse partition key %q: %w", key, err)
	}
	r := For(u, start)
	if r.Key != key {
		return Range{}, fmt.Errorf("partition key %q is not canonical", key)
	}
	return r, nil
}

// TableName returns the storage table name for a partition key.
// This is a PURE function.
func TableName(prefix, key string) string {
	return prefix + "_" + key
}

func advance(u Unit, t time.Time, n int) time.Time {
	if u == UnitDay {
		return t.AddDate(0, 0, n)
	}
	return t.AddDate(0, n, 0)
}
