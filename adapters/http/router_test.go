package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/artpar/tokenwatch/adapters/clock"
	apihttp "github.com/artpar/tokenwatch/adapters/http"
	"github.com/artpar/tokenwatch/adapters/idgen"
	"github.com/artpar/tokenwatch/adapters/memory"
	"github.com/artpar/tokenwatch/adapters/metrics"
	"github.com/artpar/tokenwatch/app"
	"github.com/artpar/tokenwatch/domain/alert"
	"github.com/artpar/tokenwatch/domain/anomaly"
	"github.com/artpar/tokenwatch/domain/partition"
	"github.com/artpar/tokenwatch/domain/policy"
	"github.com/artpar/tokenwatch/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

var baseTime = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	handler   http.Handler
	clock     *clock.Fake
	collector *metrics.Collector
	anomalies *memory.AnomalyStore
	events    *memory.AlertEventStore
	settings  *app.SettingsService
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

func setup(t *testing.T, health apihttp.HealthChecker) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	clk := clock.NewFake(baseTime)
	ids := idgen.NewSequential("id-")
	reg := prometheus.NewRegistry()
	collector := metrics.NewWithRegistry(reg)

	pm := memory.NewPartitionManager(partition.UnitMonth, clk)
	metricStore := memory.NewMetricStore(pm, clk)
	aggregates := memory.NewAggregateStore()
	metadata := memory.NewMetadataStore()
	anomalies := memory.NewAnomalyStore()
	halluc := memory.NewHallucinationStore()
	configs := memory.NewAlertConfigStore()
	events := memory.NewAlertEventStore()

	settings := app.NewSettingsService(memory.NewSettingsStore(clk), policy.Defaults(), logger)
	if err := settings.Load(context.Background()); err != nil {
		t.Fatalf("settings Load failed: %v", err)
	}

	ingest := app.NewIngestService(metricStore, metadata, halluc, settings, ids, clk, collector, logger, app.IngestServiceConfig{})
	detector := app.NewDetectorService(anomalies, ids, clk, collector, logger, app.DetectorServiceConfig{Thresholds: anomaly.DefaultConfig()})
	alerts := app.NewAlertService(configs, events, metricStore, map[alert.TargetType]ports.Notifier{}, ids, clk, collector, logger)
	aggregator := app.NewAggregatorService(metricStore, aggregates, clk, collector, logger, app.AggregatorServiceConfig{})
	retention := app.NewRetentionService(pm, metadata, anomalies, halluc, events, aggregates, clk, collector, logger, app.RetentionServiceConfig{})

	router := apihttp.NewRouter(apihttp.Deps{
		Ingest:         ingest,
		Detector:       detector,
		Alerts:         alerts,
		Aggregator:     aggregator,
		Retention:      retention,
		Settings:       settings,
		Metrics:        metricStore,
		Hallucinations: halluc,
		Partitions:     pm,
		PartitionUnit:  partition.UnitMonth,
		Clock:          clk,
		Health:         health,
		Collector:      collector,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Version:        "1.2.3",
		Logger:         logger,
	})

	return &testEnv{
		handler:   router,
		clock:     clk,
		collector: collector,
		anomalies: anomalies,
		events:    events,
		settings:  settings,
	}
}

type response struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type list[T any] struct {
	Total int `json:"total"`
	Items []T `json:"items"`
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var resp response
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode body failed: %v (body: %s)", err, rec.Body.String())
		}
	}
	return rec, resp
}

// mustStatus fails the test unless the recorder holds the wanted code.
func mustStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

// anomalyItem decodes an anomaly with its details left raw.
type anomalyItem struct {
	AnomalyID   string          `json:"anomaly_id"`
	DetailsKind anomaly.Kind    `json:"details_kind"`
	Details     json.RawMessage `json:"details"`
	Resolved    bool            `json:"resolved"`
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode data failed: %v (data: %s)", err, string(raw))
	}
	return v
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

const validEvent = `{
	"request_id": "req-1",
	"timestamp": "2026-10-16T11:59:00Z",
	"provider": "openai",
	"model": "gpt-4o",
	"application": "chat",
	"environment": "prod",
	"latency_ms": 800,
	"status": "success",
	"prompt_tokens": 100,
	"completion_tokens": 50,
	"metadata": {"user": "u-1"}
}`

func TestHealthEndpoints(t *testing.T) {
	env := setup(t, nil)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		if rec, _ := env.do(t, http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	rec, _ := env.do(t, http.MethodGet, "/version", "")
	mustStatus(t, rec, http.StatusOK)
	var v apihttp.VersionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode version failed: %v", err)
	}
	if v.Version != "1.2.3" || v.Service != "tokenwatch" {
		t.Errorf("unexpected version response %+v", v)
	}
}

func TestReadiness_StorageDown(t *testing.T) {
	env := setup(t, pingFunc(func(ctx context.Context) error { return errors.New("database is locked") }))

	rec, _ := env.do(t, http.MethodGet, "/health/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "database is locked") {
		t.Errorf("expected the ping error in the body, got %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setup(t, nil)
	env.do(t, http.MethodPost, "/events", validEvent)

	rec, _ := env.do(t, http.MethodGet, "/metrics", "")
	mustStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "tokenwatch_events_ingested_total") {
		t.Error("expected tokenwatch_events_ingested_total in the exposition")
	}

	if got := testutil.ToFloat64(env.collector.RequestsTotal.WithLabelValues(http.MethodPost, "/events", "2xx")); got != 1 {
		t.Errorf("expected 1 request counted, got %v", got)
	}
}

func TestPostEvent_Recorded(t *testing.T) {
	env := setup(t, nil)

	rec, resp := env.do(t, http.MethodPost, "/events", validEvent)
	mustStatus(t, rec, http.StatusCreated)
	if resp.Status != "success" {
		t.Errorf("expected envelope status success, got %s", resp.Status)
	}

	ev := decode[apihttp.EventResponse](t, resp.Data)
	if ev.Status != "recorded" || ev.EventID == "" {
		t.Errorf("unexpected event response %+v", ev)
	}
	if !ev.Timestamp.Equal(baseTime.Add(-time.Minute)) {
		t.Errorf("expected timestamp %v, got %v", baseTime.Add(-time.Minute), ev.Timestamp)
	}

	rec, resp = env.do(t, http.MethodGet, "/metrics/requests?request_id=req-1", "")
	mustStatus(t, rec, http.StatusOK)
	rows := decode[list[apihttp.MetricResponse]](t, resp.Data)
	if rows.Total != 1 {
		t.Fatalf("expected 1 row, got %d", rows.Total)
	}
	row := rows.Items[0]
	if row.TotalTokens != 150 {
		t.Errorf("expected total 150, got %d", row.TotalTokens)
	}
	if !row.Success || row.Status != apihttp.EventSuccess || row.Error != nil {
		t.Errorf("expected a successful row, got %+v", row)
	}
	if !near(row.LatencyMS, 800) || !near(row.InferenceTime, 0.8) {
		t.Errorf("expected 800ms stored as 0.8s, got %v/%v", row.LatencyMS, row.InferenceTime)
	}
}

func TestPostEvent_StatusErrorWithLatencyMS(t *testing.T) {
	env := setup(t, nil)
	body := `{
		"provider": "openai",
		"model": "gpt-4o",
		"application": "chat",
		"request_id": "req-3",
		"prompt_tokens": 10,
		"completion_tokens": 5,
		"total_tokens": 15,
		"latency_ms": 1200,
		"status": "error"
	}`

	rec, _ := env.do(t, http.MethodPost, "/events", body)
	mustStatus(t, rec, http.StatusCreated)

	_, resp := env.do(t, http.MethodGet, "/metrics/requests?request_id=req-3", "")
	rows := decode[list[apihttp.MetricResponse]](t, resp.Data)
	if len(rows.Items) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows.Items))
	}
	if rows.Items[0].Success || rows.Items[0].Status != apihttp.EventError {
		t.Errorf("expected status error to record a failure, got %+v", rows.Items[0])
	}
	if !near(rows.Items[0].InferenceTime, 1.2) {
		t.Errorf("expected 1200ms stored as 1.2s, got %v", rows.Items[0].InferenceTime)
	}

	_, resp = env.do(t, http.MethodGet, "/metrics/summary", "")
	s := decode[apihttp.SummaryResponse](t, resp.Data)
	if s.ErrorCount != 1 || !near(s.AvgLatencyMS, 1200) {
		t.Errorf("expected 1 error at 1200ms, got %d at %v", s.ErrorCount, s.AvgLatencyMS)
	}
}

func TestPostEvent_ErrorImpliesFailure(t *testing.T) {
	env := setup(t, nil)
	body := `{"request_id":"req-2","provider":"openai","model":"gpt-4o","inference_time":2.5,"error":"timeout"}`

	rec, _ := env.do(t, http.MethodPost, "/events", body)
	mustStatus(t, rec, http.StatusCreated)

	_, resp := env.do(t, http.MethodGet, "/metrics/requests?request_id=req-2", "")
	rows := decode[list[apihttp.MetricResponse]](t, resp.Data)
	if len(rows.Items) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows.Items))
	}
	row := rows.Items[0]
	if row.Success {
		t.Error("expected an error message to imply failure")
	}
	if row.Error == nil || *row.Error != "timeout" {
		t.Errorf("expected error timeout, got %v", row.Error)
	}
	if !row.Timestamp.Equal(baseTime) {
		t.Errorf("missing timestamp must default to now, got %v", row.Timestamp)
	}
}

func TestPostEvent_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", `{"request_id":`, http.StatusBadRequest},
		{"missing provider", `{"request_id":"r","model":"gpt-4o"}`, http.StatusBadRequest},
		{"wrong type", `{"request_id":"r","provider":"openai","model":"gpt-4o","latency_ms":"fast"}`, http.StatusBadRequest},
		{"unknown status", `{"request_id":"r","provider":"openai","model":"gpt-4o","status":"ok"}`, http.StatusBadRequest},
		{"unknown field", `{"request_id":"r","provider":"openai","model":"gpt-4o","latency":5}`, http.StatusBadRequest},
		{"bad timestamp", `{"request_id":"r","provider":"openai","model":"gpt-4o","timestamp":"yesterday"}`, http.StatusBadRequest},
		{"token mismatch", `{"request_id":"r","provider":"openai","model":"gpt-4o","prompt_tokens":10,"completion_tokens":5,"total_tokens":99}`, http.StatusUnprocessableEntity},
		{"negative latency", `{"request_id":"r","provider":"openai","model":"gpt-4o","latency_ms":-1}`, http.StatusUnprocessableEntity},
		{"future", `{"request_id":"r","provider":"openai","model":"gpt-4o","timestamp":"2026-10-16T13:00:00Z"}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setup(t, nil)
			rec, resp := env.do(t, http.MethodPost, "/events", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if resp.Status != "error" || resp.Message == "" {
				t.Errorf("expected an error envelope, got %+v", resp)
			}
		})
	}
}

func TestPostEvent_SampledOut(t *testing.T) {
	env := setup(t, nil)
	rec, _ := env.do(t, http.MethodPut, "/system/config", `{"sampling":{"rate":0}}`)
	mustStatus(t, rec, http.StatusOK)

	rec, resp := env.do(t, http.MethodPost, "/events", validEvent)
	mustStatus(t, rec, http.StatusOK)
	if got := decode[apihttp.EventResponse](t, resp.Data).Status; got != "sampled_out" {
		t.Errorf("expected sampled_out, got %s", got)
	}

	_, resp = env.do(t, http.MethodGet, "/metrics/requests", "")
	if got := decode[list[apihttp.MetricResponse]](t, resp.Data).Total; got != 0 {
		t.Errorf("expected nothing stored, got %d", got)
	}
}

func TestGetRequests_Paging(t *testing.T) {
	env := setup(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		body := `{"request_id":"` + id + `","provider":"openai","model":"gpt-4o"}`
		rec, _ := env.do(t, http.MethodPost, "/events", body)
		mustStatus(t, rec, http.StatusCreated)
	}

	_, resp := env.do(t, http.MethodGet, "/metrics/requests?limit=2&offset=1", "")
	rows := decode[list[apihttp.MetricResponse]](t, resp.Data)
	if rows.Total != 3 || len(rows.Items) != 2 {
		t.Errorf("expected 2 of 3 rows, got %d of %d", len(rows.Items), rows.Total)
	}

	for _, q := range []string{"start_time=yesterday", "limit=-1", "offset=x"} {
		if rec, _ := env.do(t, http.MethodGet, "/metrics/requests?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestGetSummary(t *testing.T) {
	env := setup(t, nil)
	env.do(t, http.MethodPost, "/events", validEvent)
	env.do(t, http.MethodPost, "/events", `{"request_id":"req-9","provider":"anthropic","model":"claude","latency_ms":1200,"status":"error"}`)

	rec, resp := env.do(t, http.MethodGet, "/metrics/summary", "")
	mustStatus(t, rec, http.StatusOK)
	s := decode[apihttp.SummaryResponse](t, resp.Data)
	if s.RequestCount != 2 || s.ErrorCount != 1 {
		t.Errorf("expected 2 requests and 1 error, got %d/%d", s.RequestCount, s.ErrorCount)
	}
	if !near(s.ErrorRate, 0.5) {
		t.Errorf("expected error rate 0.5, got %v", s.ErrorRate)
	}
	if !near(s.AvgLatencyMS, 1000) || !near(s.MaxLatencyMS, 1200) {
		t.Errorf("expected avg/max 1000/1200 ms, got %v/%v", s.AvgLatencyMS, s.MaxLatencyMS)
	}

	_, resp = env.do(t, http.MethodGet, "/metrics/summary?provider=openai", "")
	s = decode[apihttp.SummaryResponse](t, resp.Data)
	if s.RequestCount != 1 || s.TotalTokens != 150 {
		t.Errorf("expected 1 request with 150 tokens, got %d/%d", s.RequestCount, s.TotalTokens)
	}
}

func TestGetSummary_Keys(t *testing.T) {
	env := setup(t, nil)
	env.do(t, http.MethodPost, "/events", validEvent)

	rec, resp := env.do(t, http.MethodGet, "/metrics/summary", "")
	mustStatus(t, rec, http.StatusOK)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(resp.Data, &fields); err != nil {
		t.Fatalf("decode summary failed: %v", err)
	}
	for _, key := range []string{
		"request_count", "error_count", "error_rate",
		"avg_latency_ms", "p95_latency_ms", "total_tokens", "estimated_cost_usd",
	} {
		if _, ok := fields[key]; !ok {
			t.Errorf("summary is missing %q: %s", key, string(resp.Data))
		}
	}
	for _, key := range []string{"avg_inference_time", "total_cost"} {
		if _, ok := fields[key]; ok {
			t.Errorf("summary must not carry %q", key)
		}
	}
}

func TestAggregateAndDaily(t *testing.T) {
	env := setup(t, nil)
	body := `{"request_id":"old","timestamp":"2026-10-15T10:00:00Z","provider":"openai","model":"gpt-4o","inference_time":1.5}`
	rec, _ := env.do(t, http.MethodPost, "/events", body)
	mustStatus(t, rec, http.StatusCreated)

	rec, resp := env.do(t, http.MethodPost, "/system/aggregate", "")
	mustStatus(t, rec, http.StatusOK)
	run := decode[apihttp.AggregateRunResponse](t, resp.Data)
	if run.Date != "2026-10-15" || run.Groups != 1 {
		t.Errorf("expected 1 group for 2026-10-15, got %+v", run)
	}

	_, resp = env.do(t, http.MethodGet, "/metrics/daily?start_date=2026-10-15&end_date=2026-10-15", "")
	daily := decode[list[apihttp.AggregateResponse]](t, resp.Data)
	if daily.Total != 1 {
		t.Fatalf("expected 1 daily row, got %d", daily.Total)
	}
	if daily.Items[0].Model != "gpt-4o" || daily.Items[0].RequestCount != 1 {
		t.Errorf("unexpected daily row %+v", daily.Items[0])
	}
	if !near(daily.Items[0].MaxLatencyMS, 1500) {
		t.Errorf("expected max latency 1500ms, got %v", daily.Items[0].MaxLatencyMS)
	}

	if rec, _ = env.do(t, http.MethodPost, "/system/aggregate?date=15-10-2026", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad date, got %d", rec.Code)
	}
}

func TestAlertConfigs_CRUD(t *testing.T) {
	env := setup(t, nil)
	body := `{
		"name": "slow responses",
		"thresholds": [{"metric": "avg_latency_ms", "operator": ">", "value": 1000, "duration_minutes": 5}],
		"notify_targets": [{"type": "webhook", "url": "https://hooks.example.com/a", "secret": "s3cret"}]
	}`

	rec, resp := env.do(t, http.MethodPost, "/alerts/configs", body)
	mustStatus(t, rec, http.StatusCreated)
	created := decode[apihttp.AlertConfigResponse](t, resp.Data)
	if !created.Enabled || created.Match != alert.MatchAll || created.WindowMinutes != alert.DefaultWindowMinutes {
		t.Errorf("expected defaults applied, got %+v", created)
	}
	if len(created.NotifyTargets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(created.NotifyTargets))
	}
	if created.NotifyTargets[0].Secret != "" || strings.Contains(rec.Body.String(), "s3cret") {
		t.Error("expected the webhook secret to be withheld")
	}

	_, resp = env.do(t, http.MethodGet, "/alerts/configs", "")
	if got := decode[list[apihttp.AlertConfigResponse]](t, resp.Data).Total; got != 1 {
		t.Errorf("expected 1 config, got %d", got)
	}

	update := `{"name":"slow","enabled":false,"thresholds":[{"metric":"p95_latency_ms","operator":">=","value":2000}]}`
	rec, resp = env.do(t, http.MethodPut, "/alerts/configs/"+created.ID, update)
	mustStatus(t, rec, http.StatusOK)
	updated := decode[apihttp.AlertConfigResponse](t, resp.Data)
	if updated.Enabled || updated.Name != "slow" {
		t.Errorf("expected update applied, got %+v", updated)
	}

	bad := `{"name":"slow","thresholds":[{"metric":"avg_latency_ms","operator":">","value":1}],"condition":"avg_latency_ms >"}`
	if rec, _ = env.do(t, http.MethodPut, "/alerts/configs/"+created.ID, bad); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for a bad condition, got %d", rec.Code)
	}

	if rec, _ = env.do(t, http.MethodPost, "/alerts/configs", `{"name":"x","thresholds":[{"metric":"avg_latency_ms","operator":"!=","value":1}]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unknown operator, got %d", rec.Code)
	}

	if rec, _ = env.do(t, http.MethodDelete, "/alerts/configs/"+created.ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 on delete, got %d", rec.Code)
	}
	if rec, _ = env.do(t, http.MethodGet, "/alerts/configs/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestAlertEvents_Acknowledge(t *testing.T) {
	env := setup(t, nil)
	if err := env.events.Create(context.Background(), alert.Event{
		ID: "evt-1", AlertID: "alr-1", InstanceKey: "alr-1",
		TriggeredAt: baseTime.Add(-time.Hour), MetricValue: 2000, ThresholdValue: 1000,
		NotificationStatus: alert.NotificationNone,
	}); err != nil {
		t.Fatalf("create event failed: %v", err)
	}

	_, resp := env.do(t, http.MethodGet, "/alerts/events?alert_id=alr-1&resolved=false", "")
	events := decode[list[apihttp.AlertEventResponse]](t, resp.Data)
	if events.Total != 1 {
		t.Fatalf("expected 1 open event, got %d", events.Total)
	}
	if !events.Items[0].NotificationDelivered {
		t.Error("expected an event with no targets to count as delivered")
	}

	rec, resp := env.do(t, http.MethodPost, "/alerts/events/evt-1/acknowledge", "")
	mustStatus(t, rec, http.StatusOK)
	acked := decode[apihttp.AlertEventResponse](t, resp.Data)
	if !acked.Acknowledged {
		t.Error("expected acknowledged")
	}
	if acked.ResolvedAt == nil || !acked.ResolvedAt.Equal(baseTime) {
		t.Errorf("expected resolved at %v, got %v", baseTime, acked.ResolvedAt)
	}

	_, resp = env.do(t, http.MethodGet, "/alerts/events?resolved=false", "")
	if got := decode[list[apihttp.AlertEventResponse]](t, resp.Data).Total; got != 0 {
		t.Errorf("expected no open events, got %d", got)
	}

	if rec, _ = env.do(t, http.MethodPost, "/alerts/events/missing/acknowledge", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAnomalies_ListAndResolve(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()
	for _, r := range []anomaly.Record{
		{
			ID: "an-1", Timestamp: baseTime.Add(-time.Minute), Type: anomaly.TypeLatencySpike, Severity: anomaly.SeverityHigh,
			RequestID: "req-1", Provider: "openai", Model: "gpt-4o", Application: "chat",
			Details: anomaly.StatisticalDetails{Value: 5, BaselineMean: 1, BaselineStddev: 0.1, ZScore: 40},
		},
		{
			ID: "an-2", Timestamp: baseTime.Add(-2 * time.Minute), Type: anomaly.TypeErrorRateSpike, Severity: anomaly.SeverityMedium,
			Details: anomaly.RateDetails{Count: 20, Errors: 10, Rate: 0.5},
		},
	} {
		if err := env.anomalies.Create(ctx, r); err != nil {
			t.Fatalf("create anomaly failed: %v", err)
		}
	}

	rec, resp := env.do(t, http.MethodGet, "/anomalies?type=latency_spike", "")
	mustStatus(t, rec, http.StatusOK)
	got := decode[list[anomalyItem]](t, resp.Data)
	if got.Total != 1 {
		t.Fatalf("expected 1 latency spike, got %d", got.Total)
	}
	if got.Items[0].DetailsKind != anomaly.KindStatistical {
		t.Errorf("expected statistical details, got %s", got.Items[0].DetailsKind)
	}
	if !strings.Contains(string(resp.Data), `"z_score":40`) {
		t.Errorf("expected z_score in details, got %s", string(resp.Data))
	}

	rec, resp = env.do(t, http.MethodPost, "/anomalies/an-1/resolve", "")
	mustStatus(t, rec, http.StatusOK)
	if !decode[anomalyItem](t, resp.Data).Resolved {
		t.Error("expected anomaly resolved")
	}

	_, resp = env.do(t, http.MethodGet, "/anomalies?resolved=false", "")
	open := decode[list[anomalyItem]](t, resp.Data)
	if open.Total != 1 {
		t.Fatalf("expected 1 open anomaly, got %d", open.Total)
	}
	if open.Items[0].AnomalyID != "an-2" || open.Items[0].DetailsKind != anomaly.KindRate {
		t.Errorf("expected an-2 with rate details, got %+v", open.Items[0])
	}

	if rec, _ = env.do(t, http.MethodPost, "/anomalies/missing/resolve", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	for _, q := range []string{"type=bogus", "severity=low", "resolved=maybe"} {
		if rec, _ := env.do(t, http.MethodGet, "/anomalies?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestHallucinations(t *testing.T) {
	env := setup(t, nil)

	rec, resp := env.do(t, http.MethodPost, "/hallucinations", `{"request_id":"req-1","score":0.7,"reason":"cited a missing source"}`)
	mustStatus(t, rec, http.StatusCreated)
	created := decode[apihttp.HallucinationResponse](t, resp.Data)
	if created.ID == "" || !created.Timestamp.Equal(baseTime) {
		t.Errorf("expected an id stamped at %v, got %+v", baseTime, created)
	}

	if rec, _ = env.do(t, http.MethodPost, "/hallucinations", `{"request_id":"req-1","score":1.5}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for score 1.5, got %d", rec.Code)
	}
	if rec, _ = env.do(t, http.MethodPost, "/hallucinations", `{"score":0.5}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without request_id, got %d", rec.Code)
	}

	_, resp = env.do(t, http.MethodGet, "/hallucinations?start_time=2026-10-16T00:00:00Z", "")
	if got := decode[list[apihttp.HallucinationResponse]](t, resp.Data).Total; got != 1 {
		t.Errorf("expected 1 record, got %d", got)
	}
}

func TestSystemConfig(t *testing.T) {
	env := setup(t, nil)

	rec, resp := env.do(t, http.MethodGet, "/system/config", "")
	mustStatus(t, rec, http.StatusOK)
	cfg := decode[apihttp.SystemConfigResponse](t, resp.Data)
	if cfg.PartitionUnit != partition.UnitMonth {
		t.Errorf("expected month partitions, got %s", cfg.PartitionUnit)
	}
	if cfg.Detector.ZThreshold != 3.0 || cfg.Detector.Window != "1h0m0s" {
		t.Errorf("unexpected detector config %+v", cfg.Detector)
	}

	rec, resp = env.do(t, http.MethodPut, "/system/config", `{"retention":{"metrics_days":14}}`)
	mustStatus(t, rec, http.StatusOK)
	cfg = decode[apihttp.SystemConfigResponse](t, resp.Data)
	if cfg.Policies.Retention.MetricsDays != 14 {
		t.Errorf("expected metrics_days 14, got %d", cfg.Policies.Retention.MetricsDays)
	}
	if got, want := cfg.Policies.Retention.AnomaliesDays, policy.DefaultRetention().AnomaliesDays; got != want {
		t.Errorf("unset fields keep their value: expected %d, got %d", want, got)
	}
	if got := env.settings.Retention().MetricsDays; got != 14 {
		t.Errorf("expected settings updated, got %d", got)
	}

	if rec, _ = env.do(t, http.MethodPut, "/system/config", `{"sampling":{"rate":2}}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for rate 2, got %d", rec.Code)
	}
	if rec, _ = env.do(t, http.MethodPut, "/system/config", `{"sampling":{"rate":"half"}}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a string rate, got %d", rec.Code)
	}
	if got := env.settings.Sampling().Rate; got != 1.0 {
		t.Errorf("expected rejected updates to leave rate 1, got %v", got)
	}
}

func TestSystemRetentionAndPartitions(t *testing.T) {
	env := setup(t, nil)
	rec, _ := env.do(t, http.MethodPost, "/events", validEvent)
	mustStatus(t, rec, http.StatusCreated)

	rec, resp := env.do(t, http.MethodGet, "/system/partitions", "")
	mustStatus(t, rec, http.StatusOK)
	parts := decode[list[apihttp.PartitionResponse]](t, resp.Data)
	if parts.Total != 1 || parts.Items[0].Key != "2026_10" {
		t.Errorf("expected partition 2026_10, got %+v", parts)
	}

	rec, resp = env.do(t, http.MethodPost, "/system/retention", "")
	mustStatus(t, rec, http.StatusOK)
	report := decode[app.RetentionReport](t, resp.Data)
	if len(report.Classes) != len(policy.AllClasses()) {
		t.Errorf("expected %d classes, got %d", len(policy.AllClasses()), len(report.Classes))
	}
}
