package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/tokenwatch/adapters/clock"
	"github.com/artpar/tokenwatch/adapters/memory"
	"github.com/artpar/tokenwatch/domain/alert"
	"github.com/artpar/tokenwatch/domain/anomaly"
	"github.com/artpar/tokenwatch/domain/hallucination"
	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/domain/partition"
	"github.com/artpar/tokenwatch/domain/usage"
)

var now = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func newMetric(id string, ts time.Time) metric.RequestMetric {
	return metric.RequestMetric{
		RequestID:        id,
		Timestamp:        ts,
		Provider:         "openai",
		Model:            "gpt-4o",
		Application:      "chat",
		InferenceTime:    0.5,
		Success:          true,
		PromptTokens:     10,
		CompletionTokens: 5,
	}
}

// MetricStore tests

func TestMetricStore_AppendAndQuery(t *testing.T) {
	clk := clock.NewFake(now)
	pm := memory.NewPartitionManager(partition.UnitDay, clk)
	store := memory.NewMetricStore(pm, clk)
	ctx := context.Background()

	for i, ts := range []time.Time{now.Add(-49 * time.Hour), now.Add(-25 * time.Hour), now.Add(-time.Hour)} {
		if err := store.Append(ctx, newMetric(string(rune('a'+i)), ts)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, total, err := store.Query(ctx, metric.Query{Start: now.Add(-30 * time.Hour), End: now})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 2 || got[0].RequestID != "b" || got[1].RequestID != "c" {
		t.Errorf("Query() = %v (total %d), want b, c", got, total)
	}
	if got[0].TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want derived 15", got[0].TotalTokens)
	}

	parts, _ := pm.List(ctx)
	if len(parts) != 3 {
		t.Errorf("partitions = %d, want 3", len(parts))
	}
}

func TestMetricStore_AppendRejectsInvalid(t *testing.T) {
	clk := clock.NewFake(now)
	store := memory.NewMetricStore(memory.NewPartitionManager(partition.UnitMonth, clk), clk)

	m := newMetric("x", now)
	m.TotalTokens = 99
	err := store.Append(context.Background(), m)
	if !metric.IsValidation(err) {
		t.Errorf("Append() = %v, want ValidationError", err)
	}
}

func TestPartitionManager_DropAndStrictDelete(t *testing.T) {
	clk := clock.NewFake(now)
	pm := memory.NewPartitionManager(partition.UnitMonth, clk)
	store := memory.NewMetricStore(pm, clk)
	ctx := context.Background()

	store.Append(ctx, newMetric("aug", time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)))
	store.Append(ctx, newMetric("sep-early", time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)))
	store.Append(ctx, newMetric("sep-late", time.Date(2026, 9, 28, 0, 0, 0, 0, time.UTC)))

	cutoff := time.Date(2026, 9, 16, 0, 0, 0, 0, time.UTC)
	dropped, err := pm.DropPartitionsBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DropPartitionsBefore: %v", err)
	}
	if len(dropped) != 1 || dropped[0].Key != "2026_08" {
		t.Errorf("dropped = %v, want 2026_08", dropped)
	}

	n, _ := pm.DeleteRowsBefore(ctx, cutoff)
	if n != 1 {
		t.Errorf("DeleteRowsBefore = %d, want 1", n)
	}

	got, _, _ := store.Query(ctx, metric.Query{})
	if len(got) != 1 || got[0].RequestID != "sep-late" {
		t.Errorf("remaining = %v, want sep-late", got)
	}
}

func TestPartitionManager_PreCreate(t *testing.T) {
	pm := memory.NewPartitionManager(partition.UnitMonth, clock.NewFake(now))

	hs, err := pm.PreCreate(context.Background(), now, 3)
	if err != nil {
		t.Fatalf("PreCreate: %v", err)
	}
	want := []string{"2026_10", "2026_11", "2026_12"}
	for i, h := range hs {
		if h.Key != want[i] {
			t.Errorf("handle[%d] = %s, want %s", i, h.Key, want[i])
		}
	}
}

// AggregateStore tests

func TestAggregateStore_ReplaceDayAndDelete(t *testing.T) {
	store := memory.NewAggregateStore()
	ctx := context.Background()
	day := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

	aggs := []usage.DailyAggregate{
		{Date: day, Dimensions: metric.Dimensions{Provider: "openai", Model: "gpt-4o"}},
		{Date: day, Dimensions: metric.Dimensions{Provider: "anthropic", Model: "claude"}},
	}
	if err := store.ReplaceDay(ctx, day, aggs); err != nil {
		t.Fatalf("ReplaceDay: %v", err)
	}
	if err := store.ReplaceDay(ctx, day, aggs[:1]); err != nil {
		t.Fatalf("ReplaceDay: %v", err)
	}

	got, _ := store.List(ctx, usage.AggregateFilter{})
	if len(got) != 1 {
		t.Errorf("List() = %d aggregates, want 1 after replace", len(got))
	}

	err := store.ReplaceDay(ctx, day.AddDate(0, 0, 1), aggs)
	if err == nil {
		t.Error("ReplaceDay accepted aggregates of another date")
	}

	n, _ := store.DeleteBefore(ctx, day.AddDate(0, 0, 1), 100)
	if n != 1 {
		t.Errorf("DeleteBefore = %d, want 1", n)
	}
}

// AnomalyStore tests

func TestAnomalyStore_ResolveKeepsFirstTime(t *testing.T) {
	store := memory.NewAnomalyStore()
	ctx := context.Background()

	store.Create(ctx, anomaly.Record{ID: "a1", Timestamp: now, Type: anomaly.TypeLatencySpike})

	first, err := store.Resolve(ctx, "a1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, _ := store.Resolve(ctx, "a1", now.Add(time.Hour))
	if !second.ResolvedAt.Equal(*first.ResolvedAt) {
		t.Errorf("ResolvedAt moved from %v to %v", first.ResolvedAt, second.ResolvedAt)
	}

	if _, err := store.Resolve(ctx, "nope", now); !errors.Is(err, anomaly.ErrNotFound) {
		t.Errorf("Resolve(nope) = %v, want ErrNotFound", err)
	}
}

func TestAnomalyStore_ListPaging(t *testing.T) {
	store := memory.NewAnomalyStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		store.Create(ctx, anomaly.Record{
			ID:        string(rune('a' + i)),
			Timestamp: now.Add(time.Duration(i) * time.Minute),
			Type:      anomaly.TypeHighTokenUsage,
		})
	}

	got, total, _ := store.List(ctx, anomaly.Filter{Limit: 2, Offset: 1})
	if total != 5 || len(got) != 2 || got[0].ID != "d" {
		t.Errorf("List() = %v (total %d), want d, c of 5", got, total)
	}
}

// HallucinationStore tests

func TestHallucinationStore_DeleteBeforeRespectsLimit(t *testing.T) {
	store := memory.NewHallucinationStore()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		store.Create(ctx, hallucination.Record{ID: string(rune('a' + i)), Timestamp: now.Add(-time.Duration(i+1) * time.Hour)})
	}

	n, _ := store.DeleteBefore(ctx, now, 3)
	if n != 3 {
		t.Errorf("DeleteBefore = %d, want 3", n)
	}
	_, total, _ := store.List(ctx, hallucination.Filter{})
	if total != 1 {
		t.Errorf("remaining = %d, want 1", total)
	}
}

// AlertEventStore tests

func TestAlertEventStore_OpenAndResolved(t *testing.T) {
	store := memory.NewAlertEventStore()
	ctx := context.Background()

	store.Create(ctx, alert.Event{ID: "e1", AlertID: "a", TriggeredAt: now.Add(-2 * time.Hour)})
	store.Create(ctx, alert.Event{ID: "e2", AlertID: "a", TriggeredAt: now.Add(-time.Hour)})

	if err := store.Resolve(ctx, "e1", now); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	open, _ := store.ListOpen(ctx)
	if len(open) != 1 || open[0].ID != "e2" {
		t.Errorf("ListOpen() = %v, want e2", open)
	}

	n, _ := store.DeleteResolvedBefore(ctx, now, 10)
	if n != 1 {
		t.Errorf("DeleteResolvedBefore = %d, want 1", n)
	}
	if _, err := store.Get(ctx, "e2"); err != nil {
		t.Errorf("open event deleted: %v", err)
	}
}

// SettingsStore tests

func TestSettingsStore(t *testing.T) {
	store := memory.NewSettingsStore(clock.NewFake(now))
	ctx := context.Background()

	store.SetBatch(ctx, map[string]string{"a": "1", "b": "2"})
	store.Set(ctx, "a", "3")

	all, _ := store.GetAll(ctx)
	if all.Get("a") != "3" || all.Get("b") != "2" {
		t.Errorf("GetAll() = %v", all)
	}

	s, _ := store.Get(ctx, "a")
	if !s.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", s.UpdatedAt, now)
	}
}
