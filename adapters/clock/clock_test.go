package clock_test

import (
	"testing"
	"time"

	"github.com/artpar/tokenwatch/adapters/clock"
)

func TestReal_NowIsUTC(t *testing.T) {
	c := clock.Real{}

	before := time.Now()
	got := c.Now()
	after := time.Now()

	if got.Location() != time.UTC {
		t.Errorf("Now() location = %v, want UTC", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", got, before, after)
	}
}

func TestFake_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	c := clock.NewFake(time.Date(2026, 10, 16, 5, 0, 0, 0, loc))

	want := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	if got := c.Now(); !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("Now() = %v, want %v", got, want)
	}
}

func TestFake_Advance(t *testing.T) {
	start := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	got := c.Advance(90 * time.Minute)

	want := start.Add(90 * time.Minute)
	if !got.Equal(want) {
		t.Errorf("Advance() = %v, want %v", got, want)
	}
	if !c.Now().Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", c.Now(), want)
	}
}

func TestFake_Set(t *testing.T) {
	c := clock.NewFake(time.Time{})
	target := time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC)

	c.Set(target)

	if !c.Now().Equal(target) {
		t.Errorf("Now() = %v, want %v", c.Now(), target)
	}
}
