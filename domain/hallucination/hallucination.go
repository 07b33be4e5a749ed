// Package hallucination provides the record type written by external
// hallucination detectors. Detection itself happens outside this service.
package hallucination

import (
	"math"
	"strings"
	"time"

	"github.com/artpar/tokenwatch/domain/metric"
)

// Record is one flagged response (value type).
type Record struct {
	ID          string
	RequestID   string
	Timestamp   time.Time
	Provider    string
	Model       string
	Application string
	Score       float64 // Detector confidence in [0, 1]
	Reason      string
}

// Normalize trims keys and moves the timestamp to UTC.
// This is a PURE function.
func Normalize(r Record) Record {
	r.Timestamp = r.Timestamp.UTC()
	r.RequestID = strings.TrimSpace(r.RequestID)
	r.Provider = strings.TrimSpace(r.Provider)
	r.Model = strings.TrimSpace(r.Model)
	r.Application = strings.TrimSpace(r.Application)
	return r
}

// Validate checks a normalized record.
func (r Record) Validate() error {
	if r.RequestID == "" {
		return &metric.ValidationError{Field: "request_id", Reason: "is required"}
	}
	if r.Timestamp.IsZero() {
		return &metric.ValidationError{Field: "timestamp", Reason: "is required"}
	}
	if math.IsNaN(r.Score) || r.Score < 0 || r.Score > 1 {
		return &metric.ValidationError{Field: "score", Reason: "must be between 0 and 1"}
	}
	return nil
}

// Filter selects records. The time range is half-open.
type Filter struct {
	Start     time.Time
	End       time.Time
	RequestID string
	Limit     int
	Offset    int
}

// Matches reports whether r satisfies the filter.
func (f Filter) Matches(r Record) bool {
	if !f.Start.IsZero() && r.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !r.Timestamp.Before(f.End) {
		return false
	}
	if f.RequestID != "" && f.RequestID != r.RequestID {
		return false
	}
	return true
}

