// Package metric provides the raw per-request telemetry record and its validation rules.
// All types are immutable values; all functions are pure.
package metric

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxFutureSkew is how far ahead of the store clock a record timestamp may be.
const MaxFutureSkew = 5 * time.Minute

// RequestMetric is one observed LLM API call (value type).
// Records are append-only and never updated in place.
type RequestMetric struct {
	RequestID        string    // Opaque, not unique across retries
	Timestamp        time.Time // Event time, decides the partition
	Provider         string
	Model            string
	Application      string
	Environment      string
	InferenceTime    float64 // Seconds
	Success          bool
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	EstimatedCost    float64 // USD
	MemoryUsed       *int64  // Bytes, optional
	Error            string  // Empty when the call succeeded
	StorageObjectID  string  // Optional pointer to an external payload blob
}

// HasTokenSplit reports whether prompt/completion counts were reported.
func (m RequestMetric) HasTokenSplit() bool {
	return m.PromptTokens > 0 || m.CompletionTokens > 0
}

// Key returns the grouping dimensions of the record.
func (m RequestMetric) Key() Dimensions {
	return Dimensions{
		Provider:    m.Provider,
		Model:       m.Model,
		Application: m.Application,
		Environment: m.Environment,
	}
}

// Dimensions are the low-cardinality grouping keys of a record.
type Dimensions struct {
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Application string `json:"application"`
	Environment string `json:"environment"`
}

// String renders the dimensions as a stable key.
func (d Dimensions) String() string {
	return d.Provider + "|" + d.Model + "|" + d.Application + "|" + d.Environment
}

// ErrMetadataNotFound is returned when no metadata exists for an event.
var ErrMetadataNotFound = errors.New("metadata not found")

// Metadata is the free-form object sent alongside an event.
// It shares the requests retention class.
type Metadata struct {
	EventID   string
	RequestID string
	Timestamp time.Time
	Data      map[string]any
}

// Filter restricts reads to records matching the non-empty fields.
type Filter struct {
	Provider    string
	Model       string
	Application string
	Environment string
}

// Matches reports whether m satisfies every non-empty constraint.
// This is a PURE function.
func (f Filter) Matches(m RequestMetric) bool {
	if f.Provider != "" && f.Provider != m.Provider {
		return false
	}
	if f.Model != "" && f.Model != m.Model {
		return false
	}
	if f.Application != "" && f.Application != m.Application {
		return false
	}
	if f.Environment != "" && f.Environment != m.Environment {
		return false
	}
	return true
}

// Query selects records by time range, filter and optional request ID.
// The range is half-open: [Start, End).
type Query struct {
	Start     time.Time
	End       time.Time
	Filter    Filter
	RequestID string
	Limit     int
	Offset    int
}

// Matches reports whether m falls within the query.
// This is a PURE function.
func (q Query) Matches(m RequestMetric) bool {
	if !q.Start.IsZero() && m.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !m.Timestamp.Before(q.End) {
		return false
	}
	if q.RequestID != "" && q.RequestID != m.RequestID {
		return false
	}
	return q.Filter.Matches(m)
}

// Normalize fills derived fields before validation.
// A missing total is derived from the prompt/completion split.
// This is a PURE function.
func Normalize(m RequestMetric) RequestMetric {
	m.Timestamp = m.Timestamp.UTC()
	if m.TotalTokens == 0 && m.HasTokenSplit() {
		m.TotalTokens = m.PromptTokens + m.CompletionTokens
	}
	m.Provider = strings.TrimSpace(m.Provider)
	m.Model = strings.TrimSpace(m.Model)
	m.Application = strings.TrimSpace(m.Application)
	m.Environment = strings.TrimSpace(m.Environment)
	return m
}

// Validate checks a record against the store invariants.
// now is the store clock; records further than MaxFutureSkew ahead are rejected.
// This is a PURE function.
func Validate(m RequestMetric, now time.Time) error {
	if m.RequestID == "" {
		return &ValidationError{Field: "request_id", Reason: "is required"}
	}
	if m.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	if m.Timestamp.After(now.Add(MaxFutureSkew)) {
		return &ValidationError{
			Field:  "timestamp",
			Reason: fmt.Sprintf("is more than %s in the future", MaxFutureSkew),
		}
	}
	if m.Provider == "" {
		return &ValidationError{Field: "provider", Reason: "is required"}
	}
	if m.Model == "" {
		return &ValidationError{Field: "model", Reason: "is required"}
	}
	if m.InferenceTime < 0 {
		return &ValidationError{Field: "inference_time", Reason: "must be >= 0"}
	}
	if m.PromptTokens < 0 || m.CompletionTokens < 0 || m.TotalTokens < 0 {
		return &ValidationError{Field: "tokens", Reason: "must be non-negative"}
	}
	if m.HasTokenSplit() && m.TotalTokens != m.PromptTokens+m.CompletionTokens {
		return &ValidationError{
			Field: "total_tokens",
			Reason: fmt.Sprintf("is %d, want prompt_tokens + completion_tokens = %d",
				m.TotalTokens, m.PromptTokens+m.CompletionTokens),
		}
	}
	if m.EstimatedCost < 0 {
		return &ValidationError{Field: "estimated_cost", Reason: "must be >= 0"}
	}
	if m.MemoryUsed != nil && *m.MemoryUsed < 0 {
		return &ValidationError{Field: "memory_used", Reason: "must be >= 0"}
	}
	return nil
}

// ValidationError reports a malformed or inconsistent input.
// It is returned to the caller and never retried by the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError reports a partition or write failure.
// The caller owns retry and backoff.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("metric storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorage reports whether err is a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
