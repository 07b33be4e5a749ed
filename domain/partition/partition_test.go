package partition

import (
	"testing"
	"time"
)

func TestFor_Month(t *testing.T) {
	ts := time.Date(2026, 10, 16, 23, 59, 59, 999, time.UTC)

	r := For(UnitMonth, ts)

	if r.Key != "2026_10" {
		t.Errorf("Key = %s, want 2026_10", r.Key)
	}
	if !r.Start.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Start = %v, want 2026-10-01", r.Start)
	}
	if !r.End.Equal(time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("End = %v, want 2026-11-01", r.End)
	}
	if !r.Contains(ts) {
		t.Error("range does not contain its timestamp")
	}
}

func TestFor_Day(t *testing.T) {
	r := For(UnitDay, time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC))

	if r.Key != "2026_02_28" {
		t.Errorf("Key = %s, want 2026_02_28", r.Key)
	}
	if !r.End.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("End = %v, want 2026-03-01", r.End)
	}
}

func TestFor_NonUTCInput(t *testing.T) {
	// 00:30 on Nov 1 in UTC+2 is still October in UTC.
	ts := time.Date(2026, 11, 1, 0, 30, 0, 0, time.FixedZone("UTC+2", 2*3600))

	if got := For(UnitMonth, ts).Key; got != "2026_10" {
		t.Errorf("Key = %s, want 2026_10", got)
	}
}

func TestFor_DeterministicAndExhaustive(t *testing.T) {
	start := time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC)

	for _, u := range []Unit{UnitMonth, UnitDay} {
		var prev Range
		for i := 0; i < 24*90; i++ {
			ts := start.Add(time.Duration(i) * time.Hour)
			r := For(u, ts)

			if again := For(u, ts); again != r {
				t.Fatalf("%s: For(%v) not deterministic: %v vs %v", u, ts, r, again)
			}
			if !r.Contains(ts) {
				t.Fatalf("%s: range %s does not contain %v", u, r.Key, ts)
			}
			if prev.Key != "" && prev.Key != r.Key {
				// Consecutive partitions must touch without overlap.
				if !prev.End.Equal(r.Start) {
					t.Fatalf("%s: gap or overlap between %s and %s", u, prev.Key, r.Key)
				}
			}
			prev = r
		}
	}
}

func TestEntirelyBefore(t *testing.T) {
	r := For(UnitMonth, time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC))

	tests := []struct {
		name   string
		cutoff time.Time
		want   bool
	}{
		{"cutoff at end", time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), true},
		{"cutoff after end", time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), true},
		{"cutoff inside", time.Date(2026, 9, 20, 0, 0, 0, 0, time.UTC), false},
		{"cutoff one ns before end", time.Date(2026, 9, 30, 23, 59, 59, 999999999, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.EntirelyBefore(tt.cutoff); got != tt.want {
				t.Errorf("EntirelyBefore(%v) = %v, want %v", tt.cutoff, got, tt.want)
			}
		})
	}
}

func TestCovering(t *testing.T) {
	start := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	got := Covering(UnitMonth, start, end)

	want := []string{"2026_08", "2026_09"}
	if len(got) != len(want) {
		t.Fatalf("len(Covering) = %d, want %d", len(got), len(want))
	}
	for i, r := range got {
		if r.Key != want[i] {
			t.Errorf("Covering[%d] = %s, want %s", i, r.Key, want[i])
		}
	}

	if got := Covering(UnitMonth, end, start); got != nil {
		t.Errorf("Covering(reversed) = %v, want nil", got)
	}
}

func TestOverlaps(t *testing.T) {
	r := For(UnitMonth, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))

	if !r.Overlaps(time.Time{}, time.Time{}) {
		t.Error("unbounded query should overlap")
	}
	if r.Overlaps(r.End, time.Time{}) {
		t.Error("query starting at End should not overlap")
	}
	if r.Overlaps(time.Time{}, r.Start) {
		t.Error("query ending at Start should not overlap")
	}
	if !r.Overlaps(r.Start.Add(-time.Hour), r.Start.Add(time.Hour)) {
		t.Error("straddling query should overlap")
	}
}

func TestParseKey(t *testing.T) {
	r, err := ParseKey(UnitMonth, "2026_10")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if r != For(UnitMonth, time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("ParseKey = %v", r)
	}

	if _, err := ParseKey(UnitMonth, "2026-10"); err == nil {
		t.Error("ParseKey(2026-10) should fail")
	}
	if _, err := ParseKey(UnitDay, "2026_10"); err == nil {
		t.Error("ParseKey(day, 2026_10) should fail")
	}
}

func TestTableName(t *testing.T) {
	if got := TableName("request_metrics", "2026_10"); got != "request_metrics_2026_10" {
		t.Errorf("TableName = %s", got)
	}
}
