// Package alert provides threshold alert rules, alert events and the
// per-instance OK/PENDING/FIRING state machine.
// All functions are pure - no side effects.
package alert

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/domain/usage"
)

// DefaultWindowMinutes is the evaluation window when a config leaves it unset.
const DefaultWindowMinutes = 5

// ErrNotFound is returned when an alert config or event does not exist.
var ErrNotFound = errors.New("alert not found")

// Metric names a value computed over the evaluation window.
type Metric string

const (
	MetricRequestCount Metric = "request_count"
	MetricErrorCount   Metric = "error_count"
	MetricErrorRate    Metric = "error_rate"
	MetricAvgLatency   Metric = "avg_latency_ms"
	MetricP95Latency   Metric = "p95_latency_ms"
	MetricP99Latency   Metric = "p99_latency_ms"
	MetricMaxLatency   Metric = "max_latency_ms"
	MetricTotalTokens  Metric = "total_tokens"
	MetricAvgTokens    Metric = "avg_tokens"
	MetricTotalCost    Metric = "total_cost"
)

// AllMetrics returns every supported window metric.
func AllMetrics() []Metric {
	return []Metric{
		MetricRequestCount, MetricErrorCount, MetricErrorRate,
		MetricAvgLatency, MetricP95Latency, MetricP99Latency, MetricMaxLatency,
		MetricTotalTokens, MetricAvgTokens, MetricTotalCost,
	}
}

// Valid reports whether m is a supported metric.
func (m Metric) Valid() bool {
	for _, known := range AllMetrics() {
		if m == known {
			return true
		}
	}
	return false
}

// Values computes every window metric from a summary.
// Latencies are converted from seconds to milliseconds.
// This is a PURE function.
func Values(s usage.Summary) map[Metric]float64 {
	return map[Metric]float64{
		MetricRequestCount: float64(s.RequestCount),
		MetricErrorCount:   float64(s.ErrorCount),
		MetricErrorRate:    s.ErrorRate(),
		MetricAvgLatency:   s.AvgInferenceTime * 1000,
		MetricP95Latency:   s.P95InferenceTime * 1000,
		MetricP99Latency:   s.P99InferenceTime * 1000,
		MetricMaxLatency:   s.MaxInferenceTime * 1000,
		MetricTotalTokens:  float64(s.TotalTokens),
		MetricAvgTokens:    s.AvgTokens(),
		MetricTotalCost:    s.TotalCost,
	}
}

// Operator compares a metric value against a threshold.
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
)

// Valid reports whether o is a supported operator.
func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual:
		return true
	}
	return false
}

// Compare applies the operator to (value, threshold).
// This is a PURE function.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreater:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLess:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	}
	return false
}

// Threshold is one condition of a rule.
type Threshold struct {
	Metric          Metric   `json:"metric"`
	Operator        Operator `json:"operator"`
	Value           float64  `json:"value"`
	DurationMinutes int      `json:"duration_minutes"`
}

// Match selects how thresholds are combined when no condition is set.
type Match string

const (
	MatchAll Match = "all" // every threshold must hold
	MatchAny Match = "any" // at least one threshold must hold
)

// Dimension names a group_by key.
type Dimension string

const (
	DimProvider    Dimension = "provider"
	DimModel       Dimension = "model"
	DimApplication Dimension = "application"
	DimEnvironment Dimension = "environment"
)

// Valid reports whether d is a known grouping dimension.
func (d Dimension) Valid() bool {
	switch d {
	case DimProvider, DimModel, DimApplication, DimEnvironment:
		return true
	}
	return false
}

// Filters restrict the requests a rule looks at.
type Filters struct {
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	Application string `json:"application,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// MetricFilter converts f to a metric store filter.
func (f Filters) MetricFilter() metric.Filter {
	return metric.Filter{
		Provider:    f.Provider,
		Model:       f.Model,
		Application: f.Application,
		Environment: f.Environment,
	}
}

// TargetType names a notification channel.
type TargetType string

const (
	TargetWebhook TargetType = "webhook"
	TargetLog     TargetType = "log"
)

// NotifyTarget is one notification destination.
type NotifyTarget struct {
	Type   TargetType `json:"type"`
	URL    string     `json:"url,omitempty"`
	Secret string     `json:"secret,omitempty"`
}

// Name identifies the target in delivery errors.
func (t NotifyTarget) Name() string {
	if t.Type == TargetWebhook {
		return "webhook:" + t.URL
	}
	return string(t.Type)
}

// Config is a user-defined alert rule.
type Config struct {
	ID            string
	Name          string
	Enabled       bool
	AlertType     string
	Severity      string
	Thresholds    []Threshold
	Filters       Filters
	NotifyTargets []NotifyTarget
	Match         Match
	Condition     string // Optional expression over metric names; replaces Match
	WindowMinutes int
	GroupBy       []Dimension
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Normalize fills defaults.
// This is a PURE function.
func Normalize(c Config) Config {
	if c.Match == "" {
		c.Match = MatchAll
	}
	if c.WindowMinutes <= 0 {
		c.WindowMinutes = DefaultWindowMinutes
	}
	c.Name = strings.TrimSpace(c.Name)
	c.Condition = strings.TrimSpace(c.Condition)
	return c
}

// Validate checks a normalized config.
// Condition syntax is checked by the evaluator that compiles it.
func (c Config) Validate() error {
	if c.Name == "" {
		return &metric.ValidationError{Field: "name", Reason: "is required"}
	}
	if len(c.Thresholds) == 0 {
		return &metric.ValidationError{Field: "thresholds", Reason: "must contain at least one threshold"}
	}
	for i, t := range c.Thresholds {
		field := fmt.Sprintf("thresholds[%d]", i)
		if !t.Metric.Valid() {
			return &metric.ValidationError{Field: field + ".metric", Reason: fmt.Sprintf("unknown metric %q", t.Metric)}
		}
		if !t.Operator.Valid() {
			return &metric.ValidationError{Field: field + ".operator", Reason: fmt.Sprintf("unknown operator %q", t.Operator)}
		}
		if t.DurationMinutes < 0 {
			return &metric.ValidationError{Field: field + ".duration_minutes", Reason: "must be >= 0"}
		}
	}
	if c.Match != MatchAll && c.Match != MatchAny {
		return &metric.ValidationError{Field: "match", Reason: "must be all or any"}
	}
	if c.WindowMinutes <= 0 {
		return &metric.ValidationError{Field: "window_minutes", Reason: "must be > 0"}
	}
	for _, d := range c.GroupBy {
		if !d.Valid() {
			return &metric.ValidationError{Field: "group_by", Reason: fmt.Sprintf("unknown dimension %q", d)}
		}
	}
	for i, t := range c.NotifyTargets {
		field := fmt.Sprintf("notify_targets[%d]", i)
		switch t.Type {
		case TargetWebhook:
			if t.URL == "" {
				return &metric.ValidationError{Field: field + ".url", Reason: "is required for webhook targets"}
			}
		case TargetLog:
		default:
			return &metric.ValidationError{Field: field + ".type", Reason: fmt.Sprintf("unknown target type %q", t.Type)}
		}
	}
	return nil
}

// Duration is how long the combined condition must hold before firing:
// the largest duration across thresholds.
func (c Config) Duration() time.Duration {
	var max int
	for _, t := range c.Thresholds {
		if t.DurationMinutes > max {
			max = t.DurationMinutes
		}
	}
	return time.Duration(max) * time.Minute
}

// Window returns the evaluation window.
func (c Config) Window() time.Duration {
	if c.WindowMinutes <= 0 {
		return DefaultWindowMinutes * time.Minute
	}
	return time.Duration(c.WindowMinutes) * time.Minute
}

// Result is the outcome of one threshold against the window values.
type Result struct {
	Threshold Threshold
	Actual    float64
	Holds     bool
}

// EvaluateThresholds checks every threshold in order.
// This is a PURE function.
func EvaluateThresholds(ts []Threshold, values map[Metric]float64) []Result {
	results := make([]Result, len(ts))
	for i, t := range ts {
		v := values[t.Metric]
		results[i] = Result{Threshold: t, Actual: v, Holds: t.Operator.Compare(v, t.Value)}
	}
	return results
}

// Combine reduces threshold results per the match mode.
// An empty result set never holds.
// This is a PURE function.
func Combine(m Match, results []Result) bool {
	if len(results) == 0 {
		return false
	}
	if m == MatchAny {
		for _, r := range results {
			if r.Holds {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r.Holds {
			return false
		}
	}
	return true
}

// Trigger picks the result recorded on an event: the first threshold
// that holds, or the first threshold when none does.
// This is a PURE function.
func Trigger(results []Result) Result {
	for _, r := range results {
		if r.Holds {
			return r
		}
	}
	if len(results) > 0 {
		return results[0]
	}
	return Result{}
}

// GroupKey renders the group_by dimensions of m.
// Returns "" when the rule is not grouped.
// This is a PURE function.
func GroupKey(groupBy []Dimension, m metric.RequestMetric) string {
	if len(groupBy) == 0 {
		return ""
	}
	parts := make([]string, len(groupBy))
	for i, d := range groupBy {
		var v string
		switch d {
		case DimProvider:
			v = m.Provider
		case DimModel:
			v = m.Model
		case DimApplication:
			v = m.Application
		case DimEnvironment:
			v = m.Environment
		}
		parts[i] = string(d) + "=" + v
	}
	return strings.Join(parts, ",")
}

// InstanceKey identifies one evaluated instance of a rule.
func InstanceKey(alertID, group string) string {
	if group == "" {
		return alertID
	}
	return alertID + "/" + group
}

// Partition splits metrics into groups keyed by GroupKey.
// Ungrouped rules yield a single "" group, even when metrics is empty.
// This is a PURE function.
func Partition(groupBy []Dimension, metrics []metric.RequestMetric) map[string][]metric.RequestMetric {
	groups := make(map[string][]metric.RequestMetric)
	if len(groupBy) == 0 {
		groups[""] = metrics
		return groups
	}
	for _, m := range metrics {
		k := GroupKey(groupBy, m)
		groups[k] = append(groups[k], m)
	}
	return groups
}

// SortedKeys returns the group keys in a stable order.
func SortedKeys(groups map[string][]metric.RequestMetric) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
