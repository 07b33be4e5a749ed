// Package anomaly provides anomaly record types, tagged detail variants and
// the statistics used to detect outliers.
package anomaly

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNotFound is returned when an anomaly does not exist.
var ErrNotFound = errors.New("anomaly not found")

// Type tags what kind of deviation was detected.
type Type string

const (
	TypeLatencySpike   Type = "latency_spike"
	TypeErrorRateSpike Type = "error_rate_spike"
	TypeHighTokenUsage Type = "high_token_usage"
)

// AllTypes returns every supported anomaly type.
func AllTypes() []Type {
	return []Type{TypeLatencySpike, TypeErrorRateSpike, TypeHighTokenUsage}
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	for _, known := range AllTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Severity ranks how far a deviation is from its threshold.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityMedium || s == SeverityHigh
}

// Kind names the shape of a Details variant.
type Kind string

const (
	KindStatistical Kind = "statistical"
	KindRate        Kind = "rate"
)

// KindOf returns the details shape carried by records of type t.
func KindOf(t Type) Kind {
	if t == TypeErrorRateSpike {
		return KindRate
	}
	return KindStatistical
}

// Details is the type-specific payload of a Record.
// Implementations are StatisticalDetails and RateDetails.
type Details interface {
	Kind() Kind
}

// StatisticalDetails describes a z-score outlier.
type StatisticalDetails struct {
	Value          float64 `json:"value"`
	BaselineMean   float64 `json:"baseline_mean"`
	BaselineStddev float64 `json:"baseline_stddev"`
	ZScore         float64 `json:"z_score"`
	Samples        int     `json:"samples"`
}

// Kind implements Details.
func (StatisticalDetails) Kind() Kind { return KindStatistical }

// RateDetails describes an error-rate spike over a recent window.
type RateDetails struct {
	Count        int64   `json:"count"`
	Errors       int64   `json:"errors"`
	Rate         float64 `json:"rate"`
	BaselineRate float64 `json:"baseline_rate"`
}

// Kind implements Details.
func (RateDetails) Kind() Kind { return KindRate }

// EncodeDetails serializes a details variant.
func EncodeDetails(d Details) ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	return json.Marshal(d)
}

// DecodeDetails parses the details of a record of type t.
func DecodeDetails(t Type, data []byte) (Details, error) {
	switch KindOf(t) {
	case KindRate:
		var d RateDetails
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", t, err)
		}
		return d, nil
	default:
		var d StatisticalDetails
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", t, err)
		}
		return d, nil
	}
}

// Record is a detected deviation (value type).
// Immutable except for the resolve marker.
type Record struct {
	ID          string
	Timestamp   time.Time
	Type        Type
	Severity    Severity
	RequestID   string // Triggering request
	Provider    string
	Model       string
	Application string
	Details     Details
	Resolved    bool
	ResolvedAt  *time.Time
}

// Resolve returns r marked as resolved at the given time.
// Resolving twice keeps the first timestamp.
// This is a PURE function.
func Resolve(r Record, at time.Time) Record {
	if r.Resolved {
		return r
	}
	r.Resolved = true
	r.ResolvedAt = &at
	return r
}

// Filter selects anomaly records. The time range is half-open.
type Filter struct {
	Start    time.Time
	End      time.Time
	Type     Type
	Severity Severity
	Resolved *bool
	Limit    int
	Offset   int
}

// Matches reports whether r satisfies the filter.
// This is a PURE function.
func (f Filter) Matches(r Record) bool {
	if !f.Start.IsZero() && r.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !r.Timestamp.Before(f.End) {
		return false
	}
	if f.Type != "" && f.Type != r.Type {
		return false
	}
	if f.Severity != "" && f.Severity != r.Severity {
		return false
	}
	if f.Resolved != nil && *f.Resolved != r.Resolved {
		return false
	}
	return true
}

// ZScore returns (x - mean) / stddev.
// ok is false when stddev is zero or not finite.
// This is a PURE function.
func ZScore(x, mean, stddev float64) (z float64, ok bool) {
	if stddev <= 0 || math.IsNaN(stddev) || math.IsInf(stddev, 0) {
		return 0, false
	}
	return (x - mean) / stddev, true
}

// SeverityFor grades a score against its threshold: twice the threshold is high.
// This is a PURE function.
func SeverityFor(score, threshold float64) Severity {
	if math.Abs(score) >= 2*threshold {
		return SeverityHigh
	}
	return SeverityMedium
}
