// Package usage provides rollup types and aggregation functions over raw request metrics.
// All functions are pure - no side effects.
package usage

import (
	"fmt"
	"time"

	"github.com/artpar/tokenwatch/domain/metric"
)

// DateLayout is the wire and storage format of an aggregate date.
const DateLayout = "2006-01-02"

// Summary holds statistics over a set of request metrics (immutable value type).
// Inference times are in seconds.
type Summary struct {
	RequestCount     int64
	SuccessCount     int64
	ErrorCount       int64
	TotalTokens      int64
	TotalCost        float64
	AvgInferenceTime float64
	MaxInferenceTime float64
	P95InferenceTime float64
	P99InferenceTime float64
}

// ErrorRate returns the fraction of failed requests, 0 when empty.
func (s Summary) ErrorRate() float64 {
	if s.RequestCount == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(s.RequestCount)
}

// AvgTokens returns the mean tokens per request, 0 when empty.
func (s Summary) AvgTokens() float64 {
	if s.RequestCount == 0 {
		return 0
	}
	return float64(s.TotalTokens) / float64(s.RequestCount)
}

// DailyAggregate is the rollup of one day for one dimension group.
// It is uniquely keyed by (Date, Dimensions).
type DailyAggregate struct {
	Date time.Time // UTC midnight
	metric.Dimensions
	Summary
}

// AggregateFilter selects stored aggregates.
type AggregateFilter struct {
	StartDate time.Time // inclusive
	EndDate   time.Time // inclusive
	Filter    metric.Filter
}

// Matches reports whether a falls within the filter.
func (f AggregateFilter) Matches(a DailyAggregate) bool {
	if !f.StartDate.IsZero() && a.Date.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && a.Date.After(f.EndDate) {
		return false
	}
	return f.Filter.Matches(metric.RequestMetric{
		Provider:    a.Provider,
		Model:       a.Model,
		Application: a.Application,
		Environment: a.Environment,
	})
}

// DayBounds returns the half-open UTC range [start, end) of the day containing date.
// This is a PURE function.
func DayBounds(date time.Time) (start, end time.Time) {
	date = date.UTC()
	start = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// ParseDate parses a YYYY-MM-DD date as UTC midnight.
// This is a PURE function.
func ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return d, nil
}

// FormatDate formats a date as YYYY-MM-DD.
func FormatDate(d time.Time) string {
	return d.UTC().Format(DateLayout)
}
