package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/tokenwatch/adapters/sqlite"
	"github.com/artpar/tokenwatch/domain/alert"
	"github.com/artpar/tokenwatch/domain/anomaly"
	"github.com/artpar/tokenwatch/domain/hallucination"
	"github.com/artpar/tokenwatch/domain/metric"
)

// -----------------------------------------------------------------------------
// AnomalyStore Tests
// -----------------------------------------------------------------------------

func TestAnomalyStore_CreateGetResolve(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	store := sqlite.NewAnomalyStore(db)
	ctx := context.Background()

	r := anomaly.Record{
		ID:        "anm-1",
		Timestamp: now,
		Type:      anomaly.TypeLatencySpike,
		Severity:  anomaly.SeverityHigh,
		RequestID: "req-1",
		Provider:  "openai",
		Model:     "gpt-4o",
		Details:   anomaly.StatisticalDetails{Value: 5, BaselineMean: 1, BaselineStddev: 0.1, ZScore: 40, Samples: 40},
	}
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "anm-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	d, ok := got.Details.(anomaly.StatisticalDetails)
	if !ok || d.ZScore != 40 {
		t.Errorf("Details = %#v", got.Details)
	}
	if got.Resolved {
		t.Error("new anomaly should be unresolved")
	}

	resolved, err := store.Resolve(ctx, "anm-1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolved.Resolved || !resolved.ResolvedAt.Equal(now.Add(time.Hour)) {
		t.Errorf("Resolve() = %+v", resolved)
	}

	again, _ := store.Resolve(ctx, "anm-1", now.Add(2*time.Hour))
	if !again.ResolvedAt.Equal(now.Add(time.Hour)) {
		t.Errorf("second resolve moved resolved_at to %v", again.ResolvedAt)
	}

	if _, err := store.Resolve(ctx, "missing", now); !errors.Is(err, anomaly.ErrNotFound) {
		t.Errorf("Resolve(missing) = %v, want ErrNotFound", err)
	}
}

func TestAnomalyStore_ListAndDelete(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	store := sqlite.NewAnomalyStore(db)
	ctx := context.Background()

	for i, typ := range []anomaly.Type{anomaly.TypeLatencySpike, anomaly.TypeErrorRateSpike, anomaly.TypeLatencySpike} {
		r := anomaly.Record{
			ID:        "anm-" + string(rune('a'+i)),
			Timestamp: now.Add(-time.Duration(i) * 24 * time.Hour),
			Type:      typ,
			Severity:  anomaly.SeverityMedium,
		}
		if typ == anomaly.TypeErrorRateSpike {
			r.Details = anomaly.RateDetails{Count: 50, Errors: 20, Rate: 0.4, BaselineRate: 0.02}
		} else {
			r.Details = anomaly.StatisticalDetails{ZScore: 3.5}
		}
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, total, err := store.List(ctx, anomaly.Filter{Type: anomaly.TypeLatencySpike, Limit: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 || len(got) != 1 || got[0].ID != "anm-a" {
		t.Errorf("List() = %+v (total %d), want newest latency spike of 2", got, total)
	}

	rate, _, _ := store.List(ctx, anomaly.Filter{Type: anomaly.TypeErrorRateSpike})
	if len(rate) != 1 {
		t.Fatalf("rate anomalies = %d, want 1", len(rate))
	}
	if _, ok := rate[0].Details.(anomaly.RateDetails); !ok {
		t.Errorf("rate details decoded as %T", rate[0].Details)
	}

	n, err := store.DeleteBefore(ctx, now.Add(-time.Hour), 100)
	if err != nil || n != 2 {
		t.Errorf("DeleteBefore = %d, %v; want 2", n, err)
	}
}

// -----------------------------------------------------------------------------
// Alert Store Tests
// -----------------------------------------------------------------------------

func sampleAlertConfig() alert.Config {
	return alert.Normalize(alert.Config{
		ID:        "alert-1",
		Name:      "high error rate",
		Enabled:   true,
		AlertType: "error_rate",
		Severity:  "high",
		Thresholds: []alert.Threshold{
			{Metric: alert.MetricErrorRate, Operator: alert.OpGreater, Value: 0.1, DurationMinutes: 5},
		},
		Filters:       alert.Filters{Provider: "openai"},
		NotifyTargets: []alert.NotifyTarget{{Type: alert.TargetWebhook, URL: "http://hooks.local/x", Secret: "s"}},
		Condition:     "error_rate > 0.1 && request_count >= 10",
		GroupBy:       []alert.Dimension{alert.DimModel},
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

func TestAlertConfigStore_CRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	store := sqlite.NewAlertConfigStore(db)
	ctx := context.Background()

	c := sampleAlertConfig()
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != c.Name || got.Match != alert.MatchAll || got.WindowMinutes != 5 {
		t.Errorf("Get() = %+v", got)
	}
	if len(got.Thresholds) != 1 || got.Thresholds[0].DurationMinutes != 5 {
		t.Errorf("Thresholds = %+v", got.Thresholds)
	}
	if got.Filters.Provider != "openai" || len(got.NotifyTargets) != 1 || got.NotifyTargets[0].Secret != "s" {
		t.Errorf("Filters/targets = %+v / %+v", got.Filters, got.NotifyTargets)
	}
	if len(got.GroupBy) != 1 || got.GroupBy[0] != alert.DimModel || got.Condition != c.Condition {
		t.Errorf("GroupBy/Condition = %v / %q", got.GroupBy, got.Condition)
	}

	c.Enabled = false
	c.Match = alert.MatchAny
	if err := store.Update(ctx, c); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = store.Get(ctx, c.ID)
	if got.Enabled || got.Match != alert.MatchAny {
		t.Errorf("after update = %+v", got)
	}

	list, _ := store.List(ctx)
	if len(list) != 1 {
		t.Errorf("List() = %d configs, want 1", len(list))
	}

	if err := store.Delete(ctx, c.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, c.ID); !errors.Is(err, alert.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := store.Update(ctx, c); !errors.Is(err, alert.ErrNotFound) {
		t.Errorf("Update missing = %v, want ErrNotFound", err)
	}
}

func TestAlertEventStore_Lifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	store := sqlite.NewAlertEventStore(db)
	ctx := context.Background()

	e := alert.Event{
		ID:                 "evt-1",
		AlertID:            "alert-1",
		InstanceKey:        "alert-1/model=gpt-4o",
		TriggeredAt:        now,
		MetricValue:        0.3,
		ThresholdValue:     0.1,
		NotificationStatus: alert.NotificationPending,
	}
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}

	open, err := store.ListOpen(ctx)
	if err != nil || len(open) != 1 {
		t.Fatalf("ListOpen() = %d, %v; want 1", len(open), err)
	}

	if err := store.SetNotification(ctx, e.ID, alert.NotificationFailed, "status 500"); err != nil {
		t.Fatalf("SetNotification: %v", err)
	}
	acked, err := store.Acknowledge(ctx, e.ID)
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if !acked.Acknowledged || acked.NotificationStatus != alert.NotificationFailed || acked.NotificationError != "status 500" {
		t.Errorf("Acknowledge() = %+v", acked)
	}

	// Resolved events within the retention window are kept.
	if err := store.Resolve(ctx, e.ID, now.Add(10*time.Minute)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	store.Resolve(ctx, e.ID, now.Add(time.Hour))
	got, _ := store.Get(ctx, e.ID)
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(now.Add(10*time.Minute)) {
		t.Errorf("ResolvedAt = %v, want first resolve time", got.ResolvedAt)
	}

	resolved := true
	list, total, _ := store.List(ctx, alert.EventFilter{Resolved: &resolved})
	if total != 1 || len(list) != 1 {
		t.Errorf("List(resolved) = %d (total %d), want 1", len(list), total)
	}

	n, _ := store.DeleteResolvedBefore(ctx, now, 10)
	if n != 0 {
		t.Errorf("deleted %d events triggered at cutoff, want 0", n)
	}
	n, _ = store.DeleteResolvedBefore(ctx, now.Add(time.Second), 10)
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
}

func TestAlertEventStore_DeleteKeepsOpen(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	store := sqlite.NewAlertEventStore(db)
	ctx := context.Background()

	store.Create(ctx, alert.Event{ID: "open", AlertID: "a", InstanceKey: "a", TriggeredAt: now.AddDate(-1, 0, 0)})

	n, err := store.DeleteResolvedBefore(ctx, now, 10)
	if err != nil || n != 0 {
		t.Errorf("DeleteResolvedBefore = %d, %v; open events must survive", n, err)
	}
}

// -----------------------------------------------------------------------------
// Hallucination and Metadata Store Tests
// -----------------------------------------------------------------------------

func TestHallucinationStore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	store := sqlite.NewHallucinationStore(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := hallucination.Record{
			ID:        "h" + string(rune('0'+i)),
			RequestID: "req",
			Timestamp: now.Add(-time.Duration(i) * time.Hour),
			Score:     0.9,
			Reason:    "fabricated citation",
		}
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, total, err := store.List(ctx, hallucination.Filter{Start: now.Add(-90 * time.Minute)})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 || got[0].ID != "h0" {
		t.Errorf("List() = %+v (total %d)", got, total)
	}

	n, _ := store.DeleteBefore(ctx, now.Add(-30*time.Minute), 100)
	if n != 2 {
		t.Errorf("DeleteBefore = %d, want 2", n)
	}
}

func TestMetadataStore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	store := sqlite.NewMetadataStore(db)
	ctx := context.Background()

	m := metric.Metadata{
		EventID:   "evt-1",
		RequestID: "req-1",
		Timestamp: now,
		Data:      map[string]any{"user_tier": "pro", "retries": float64(2)},
	}
	if err := store.Create(ctx, m); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "evt-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Data["user_tier"] != "pro" || got.Data["retries"] != float64(2) {
		t.Errorf("Data = %v", got.Data)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, metric.ErrMetadataNotFound) {
		t.Errorf("Get(missing) = %v", err)
	}

	n, _ := store.DeleteBefore(ctx, now.Add(time.Second), 10)
	if n != 1 {
		t.Errorf("DeleteBefore = %d, want 1", n)
	}
}
