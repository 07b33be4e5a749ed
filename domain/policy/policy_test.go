package policy

import (
	"fmt"
	"testing"
	"time"
)

func TestRetention_Cutoff(t *testing.T) {
	now := time.Date(2026, 10, 16, 3, 0, 0, 0, time.UTC)
	r := DefaultRetention()

	cutoff, ok := r.Cutoff(ClassMetrics, now)
	if !ok {
		t.Fatal("metrics cutoff disabled")
	}
	if want := time.Date(2026, 7, 18, 3, 0, 0, 0, time.UTC); !cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", cutoff, want)
	}

	r.AnomaliesDays = 0
	if _, ok := r.Cutoff(ClassAnomalies, now); ok {
		t.Error("anomalies cutoff should be disabled when days = 0")
	}
}

func TestRetention_RawDataCap(t *testing.T) {
	tests := []struct {
		name    string
		metrics int
		raw     int
		want    int
	}{
		{"no cap", 90, 0, 90},
		{"cap lower", 90, 30, 30},
		{"cap higher", 30, 90, 30},
		{"forever capped", 0, 45, 45},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Retention{MetricsDays: tt.metrics, RawDataDays: tt.raw}
			if got := r.Days(ClassMetrics); got != tt.want {
				t.Errorf("Days(metrics) = %d, want %d", got, tt.want)
			}
		})
	}

	r := Retention{AnomaliesDays: 90, RawDataDays: 10}
	if got := r.Days(ClassAnomalies); got != 90 {
		t.Errorf("raw cap applied to anomalies: Days = %d, want 90", got)
	}
}

func TestRetention_Validate(t *testing.T) {
	if err := DefaultRetention().Validate(); err != nil {
		t.Errorf("default retention invalid: %v", err)
	}

	r := DefaultRetention()
	r.AlertEventsDays = -1
	if err := r.Validate(); err == nil {
		t.Error("negative alert_events_days accepted")
	}
}

func TestSampling_RateFor(t *testing.T) {
	s := Sampling{
		Rate:         0.5,
		Applications: map[string]float64{"batch": 0.1},
		Models:       map[string]float64{"gpt-4o": 1},
	}

	tests := []struct {
		app, model string
		want       float64
	}{
		{"chat", "claude", 0.5},
		{"batch", "claude", 0.1},
		{"batch", "gpt-4o", 1},
		{"chat", "gpt-4o", 1},
	}

	for _, tt := range tests {
		if got := s.RateFor(tt.app, tt.model); got != tt.want {
			t.Errorf("RateFor(%s, %s) = %v, want %v", tt.app, tt.model, got, tt.want)
		}
	}
}

func TestSampling_Keep(t *testing.T) {
	all := Sampling{Rate: 1}
	none := Sampling{Rate: 0}
	half := Sampling{Rate: 0.5}

	kept := 0
	const n = 10000
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("req-%d", i)
		if !all.Keep(id, "app", "m") {
			t.Fatalf("rate 1 dropped %s", id)
		}
		if none.Keep(id, "app", "m") {
			t.Fatalf("rate 0 kept %s", id)
		}
		if half.Keep(id, "app", "m") != half.Keep(id, "app", "m") {
			t.Fatalf("decision for %s not deterministic", id)
		}
		if half.Keep(id, "app", "m") {
			kept++
		}
	}

	if kept < 4500 || kept > 5500 {
		t.Errorf("rate 0.5 kept %d of %d", kept, n)
	}
}

func TestSampling_Validate(t *testing.T) {
	tests := []struct {
		name    string
		s       Sampling
		wantErr bool
	}{
		{"default", DefaultSampling(), false},
		{"above one", Sampling{Rate: 1.5}, true},
		{"negative", Sampling{Rate: -0.1}, true},
		{"bad app override", Sampling{Rate: 1, Applications: map[string]float64{"a": 2}}, true},
		{"bad model override", Sampling{Rate: 1, Models: map[string]float64{"m": -1}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
