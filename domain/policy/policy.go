// Package policy provides the retention and sampling policies as explicit value types.
// Policies are passed to the components that use them; nothing reads them from globals.
package policy

import (
	"fmt"
	"hash/fnv"
	"math"
	"time"
)

// Class identifies a retained data class.
type Class string

const (
	ClassMetrics        Class = "metrics"
	ClassRequests       Class = "requests"
	ClassAnomalies      Class = "anomalies"
	ClassHallucinations Class = "hallucinations"
	ClassAggregates     Class = "aggregated_data"
	ClassAlertEvents    Class = "alert_events"
)

// AllClasses returns every retained data class in enforcement order.
func AllClasses() []Class {
	return []Class{
		ClassMetrics,
		ClassRequests,
		ClassAnomalies,
		ClassHallucinations,
		ClassAlertEvents,
		ClassAggregates,
	}
}

// Retention holds per-class retention in days. Zero keeps a class forever.
type Retention struct {
	MetricsDays        int `json:"metrics_days" yaml:"metrics_days"`
	RequestsDays       int `json:"requests_days" yaml:"requests_days"`
	AnomaliesDays      int `json:"anomalies_days" yaml:"anomalies_days"`
	HallucinationsDays int `json:"hallucinations_days" yaml:"hallucinations_days"`
	RawDataDays        int `json:"raw_data_days" yaml:"raw_data_days"` // Caps metrics and requests when > 0
	AggregatedDataDays int `json:"aggregated_data_days" yaml:"aggregated_data_days"`
	AlertEventsDays    int `json:"alert_events_days" yaml:"alert_events_days"`

	// StrictMetricsCutoff row-deletes the partition straddling the cutoff
	// after whole partitions are dropped.
	StrictMetricsCutoff bool `json:"strict_metrics_cutoff" yaml:"strict_metrics_cutoff"`
}

// DefaultRetention returns the retention applied before any update.
func DefaultRetention() Retention {
	return Retention{
		MetricsDays:        90,
		RequestsDays:       30,
		AnomaliesDays:      90,
		HallucinationsDays: 90,
		AggregatedDataDays: 365,
		AlertEventsDays:    90,
	}
}

// Validate checks that no class has a negative retention.
func (r Retention) Validate() error {
	fields := map[string]int{
		"metrics_days":         r.MetricsDays,
		"requests_days":        r.RequestsDays,
		"anomalies_days":       r.AnomaliesDays,
		"hallucinations_days":  r.HallucinationsDays,
		"raw_data_days":        r.RawDataDays,
		"aggregated_data_days": r.AggregatedDataDays,
		"alert_events_days":    r.AlertEventsDays,
	}
	for name, days := range fields {
		if days < 0 {
			return fmt.Errorf("retention.%s must be >= 0, got %d", name, days)
		}
	}
	return nil
}

// Days returns the effective retention of a class, 0 meaning forever.
// This is a PURE function.
func (r Retention) Days(c Class) int {
	var days int
	switch c {
	case ClassMetrics:
		days = capDays(r.MetricsDays, r.RawDataDays)
	case ClassRequests:
		days = capDays(r.RequestsDays, r.RawDataDays)
	case ClassAnomalies:
		days = r.AnomaliesDays
	case ClassHallucinations:
		days = r.HallucinationsDays
	case ClassAggregates:
		days = r.AggregatedDataDays
	case ClassAlertEvents:
		days = r.AlertEventsDays
	}
	return days
}

// Cutoff returns the instant before which data of class c is eligible for deletion.
// ok is false when the class is kept forever.
// This is a PURE function.
func (r Retention) Cutoff(c Class, now time.Time) (cutoff time.Time, ok bool) {
	days := r.Days(c)
	if days <= 0 {
		return time.Time{}, false
	}
	return now.UTC().AddDate(0, 0, -days), true
}

func capDays(days, limit int) int {
	if limit <= 0 {
		return days
	}
	if days <= 0 || days > limit {
		return limit
	}
	return days
}

// Sampling decides which fraction of incoming requests is persisted.
type Sampling struct {
	Rate         float64            `json:"rate" yaml:"rate"`
	Applications map[string]float64 `json:"applications,omitempty" yaml:"applications,omitempty"`
	Models       map[string]float64 `json:"models,omitempty" yaml:"models,omitempty"`
}

// DefaultSampling keeps every request.
func DefaultSampling() Sampling {
	return Sampling{Rate: 1}
}

// Validate checks that every rate lies in [0, 1].
func (s Sampling) Validate() error {
	if err := checkRate("sampling.rate", s.Rate); err != nil {
		return err
	}
	for app, rate := range s.Applications {
		if err := checkRate("sampling.applications."+app, rate); err != nil {
			return err
		}
	}
	for model, rate := range s.Models {
		if err := checkRate("sampling.models."+model, rate); err != nil {
			return err
		}
	}
	return nil
}

func checkRate(name string, rate float64) error {
	if math.IsNaN(rate) || rate < 0 || rate > 1 {
		return fmt.Errorf("%s must be between 0 and 1, got %v", name, rate)
	}
	return nil
}

// RateFor resolves the rate for a request: model override, then
// application override, then the global rate.
// This is a PURE function.
func (s Sampling) RateFor(application, model string) float64 {
	if rate, ok := s.Models[model]; ok {
		return rate
	}
	if rate, ok := s.Applications[application]; ok {
		return rate
	}
	return s.Rate
}

// Keep reports whether a request is persisted. The decision is a
// deterministic function of the request ID, so retries of the same
// request are sampled the same way.
// This is a PURE function.
func (s Sampling) Keep(requestID, application, model string) bool {
	rate := s.RateFor(application, model)
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return unitHash(requestID) < rate
}

// unitHash maps s uniformly onto [0, 1).
func unitHash(s string) float64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	x := h.Sum64()

	// FNV leaves the high bits of similar inputs correlated; finish with fmix64.
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33

	return float64(x>>11) / (1 << 53)
}

// Snapshot is the active pair of policies.
type Snapshot struct {
	Retention Retention `json:"retention"`
	Sampling  Sampling  `json:"sampling"`
}

// Defaults returns the default policies.
func Defaults() Snapshot {
	return Snapshot{
		Retention: DefaultRetention(),
		Sampling:  DefaultSampling(),
	}
}

// Validate checks both policies.
func (s Snapshot) Validate() error {
	if err := s.Retention.Validate(); err != nil {
		return err
	}
	return s.Sampling.Validate()
}
