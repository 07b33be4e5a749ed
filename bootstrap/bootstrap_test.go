package bootstrap_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/artpar/tokenwatch/bootstrap"
	"github.com/artpar/tokenwatch/config"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newApp(t *testing.T, content string) (*bootstrap.App, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenwatch.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	holder, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	a, err := bootstrap.New(holder, bootstrap.Options{Version: "test", Output: io.Discard})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	return a, path
}

func memoryConfig() string {
	return "database:\n  driver: memory\nlogging:\n  level: error\n"
}

func sqliteConfig(dsn string) string {
	return "database:\n  driver: sqlite\n  dsn: \"" + dsn + "\"\nlogging:\n  level: error\n"
}

func TestBootstrap_Memory(t *testing.T) {
	app, _ := newApp(t, memoryConfig())
	defer app.Shutdown()

	if app.DB != nil {
		t.Error("DB should be nil with the memory driver")
	}
	if app.HTTPServer == nil {
		t.Fatal("HTTPServer should not be nil")
	}
	if app.HTTPServer.Addr != "0.0.0.0:8080" {
		t.Errorf("Addr = %s, want 0.0.0.0:8080", app.HTTPServer.Addr)
	}
	if app.Settings == nil || app.Ingest == nil || app.Detector == nil || app.Alerts == nil {
		t.Error("services should be initialized")
	}

	jobs := app.Scheduler.Jobs()
	sort.Strings(jobs)
	want := []string{"aggregate", "alerts", "partitions", "retention"}
	if strings.Join(jobs, ",") != strings.Join(want, ",") {
		t.Errorf("jobs = %v, want %v", jobs, want)
	}
}

func TestBootstrap_DatabaseMigration(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "migrate-test.db")
	app, _ := newApp(t, sqliteConfig(dsn))
	defer app.Shutdown()

	if app.DB == nil {
		t.Fatal("DB should not be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tables := []string{
		"settings",
		"metric_partitions",
		"daily_aggregates",
		"anomalies",
		"alert_configs",
		"alert_events",
		"hallucinations",
		"request_metadata",
	}
	for _, table := range tables {
		var count int
		if err := app.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("query %s table: %v", table, err)
		}
	}
}

func TestBootstrap_GracefulShutdown(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "shutdown-test.db")
	app, _ := newApp(t, sqliteConfig(dsn))
	db := app.DB

	if err := app.Shutdown(); err != nil {
		t.Errorf("shutdown error: %v", err)
	}

	// Verify DB is closed (should error on query)
	if _, err := db.Query("SELECT 1"); err == nil {
		t.Error("expected error querying closed database")
	}

	// A second shutdown is harmless.
	if err := app.Shutdown(); err != nil {
		t.Errorf("second shutdown error: %v", err)
	}
}

func TestBootstrap_PoliciesSeededOnce(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "policies.db")
	content := sqliteConfig(dsn) + "policies:\n  retention:\n    metrics_days: 30\n"

	app, _ := newApp(t, content)
	if got := app.Settings.Retention().MetricsDays; got != 30 {
		t.Fatalf("seeded MetricsDays = %d, want 30", got)
	}

	snap := app.Settings.Policies()
	snap.Retention.MetricsDays = 14
	if err := app.Settings.Update(context.Background(), snap); err != nil {
		t.Fatalf("update policies: %v", err)
	}
	app.Shutdown()

	// Stored policies win over the seed on the next boot.
	reopened, _ := newApp(t, content)
	defer reopened.Shutdown()
	if got := reopened.Settings.Retention().MetricsDays; got != 14 {
		t.Errorf("MetricsDays after restart = %d, want 14", got)
	}
}

func TestBootstrap_ServesEvents(t *testing.T) {
	app, _ := newApp(t, memoryConfig())
	defer app.Shutdown()

	srv := httptest.NewServer(app.HTTPServer.Handler)
	defer srv.Close()

	body := `{"request_id":"req-1","provider":"openai","model":"gpt-4o","latency_ms":800,"status":"success","prompt_tokens":100,"completion_tokens":50,"total_tokens":150}`
	resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("POST /events status = %d, want 201", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health/ready")
	if err != nil {
		t.Fatalf("readiness: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health/ready status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(out), "tokenwatch_events_ingested_total") {
		t.Error("metrics output should include ingestion counters")
	}
}

func TestBootstrap_MetricsDisabled(t *testing.T) {
	app, _ := newApp(t, memoryConfig()+"metrics:\n  enabled: false\n")
	defer app.Shutdown()

	rec := httptest.NewRecorder()
	app.HTTPServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics status = %d, want 404", rec.Code)
	}
}

func TestBootstrap_StartCreatesPartitions(t *testing.T) {
	app, _ := newApp(t, memoryConfig()+"partitioning:\n  precreate: 3\n")

	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer app.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	for {
		handles, err := app.Stores.Partitions.List(context.Background())
		if err != nil {
			t.Fatalf("list partitions: %v", err)
		}
		if len(handles) >= 3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("partitions = %d, want at least 3", len(handles))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBootstrap_RunStopsOnContextCancel(t *testing.T) {
	app, _ := newApp(t, memoryConfig()+"server:\n  host: 127.0.0.1\n  port: 18931\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBootstrap_ConfigReload(t *testing.T) {
	app, path := newApp(t, memoryConfig())
	defer app.Shutdown()

	if got := app.Detector.Thresholds().ZThreshold; got != 3.0 {
		t.Fatalf("initial ZThreshold = %v, want 3", got)
	}

	if err := os.WriteFile(path, []byte(memoryConfig()+"detector:\n  z_threshold: 4.5\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := app.Config.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if got := app.Detector.Thresholds().ZThreshold; got != 4.5 {
		t.Errorf("reloaded ZThreshold = %v, want 4.5", got)
	}
	if got := testutil.ToFloat64(app.Metrics.ConfigReloads); got != 1 {
		t.Errorf("config reloads = %v, want 1", got)
	}

	if err := os.WriteFile(path, []byte("database:\n  driver: nosuch\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := app.Config.Reload(); err == nil {
		t.Fatal("reload of invalid config should fail")
	}
	if got := testutil.ToFloat64(app.Metrics.ConfigReloadErrors); got != 1 {
		t.Errorf("config reload errors = %v, want 1", got)
	}
}

func TestBootstrap_UnknownDriver(t *testing.T) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Database.Driver = "postgres"

	_, err = bootstrap.New(config.NewStaticHolder(cfg, zerolog.Nop()), bootstrap.Options{Output: io.Discard})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestNewLogger(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	logger := bootstrap.NewLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, "shown") {
		t.Errorf("unexpected log output: %s", out)
	}

	buf.Reset()
	console := bootstrap.NewLogger(config.LoggingConfig{Level: "info", Format: "console"}, &buf)
	console.Info().Msg("console line")
	if strings.Contains(buf.String(), "{") || !strings.Contains(buf.String(), "console line") {
		t.Errorf("console output should be plain text: %s", buf.String())
	}
}
