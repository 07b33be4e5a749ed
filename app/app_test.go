package app_test

import (
	"testing"
	"time"

	"github.com/artpar/tokenwatch/adapters/clock"
	"github.com/artpar/tokenwatch/adapters/idgen"
	"github.com/artpar/tokenwatch/adapters/memory"
	"github.com/artpar/tokenwatch/adapters/metrics"
	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/domain/partition"
	"github.com/prometheus/client_golang/prometheus"
)

var start = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

// fixture bundles in-memory stores driven by one fake clock.
type fixture struct {
	clock      *clock.Fake
	ids        *idgen.Sequential
	collector  *metrics.Collector
	partitions *memory.PartitionManager
	metrics    *memory.MetricStore
	aggregates *memory.AggregateStore
	metadata   *memory.MetadataStore
	anomalies  *memory.AnomalyStore
	halluc     *memory.HallucinationStore
	configs    *memory.AlertConfigStore
	events     *memory.AlertEventStore
	settings   *memory.SettingsStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(start)
	pm := memory.NewPartitionManager(partition.UnitMonth, clk)
	return &fixture{
		clock:      clk,
		ids:        idgen.NewSequential("id-"),
		collector:  metrics.NewWithRegistry(prometheus.NewRegistry()),
		partitions: pm,
		metrics:    memory.NewMetricStore(pm, clk),
		aggregates: memory.NewAggregateStore(),
		metadata:   memory.NewMetadataStore(),
		anomalies:  memory.NewAnomalyStore(),
		halluc:     memory.NewHallucinationStore(),
		configs:    memory.NewAlertConfigStore(),
		events:     memory.NewAlertEventStore(),
		settings:   memory.NewSettingsStore(clk),
	}
}

func requestMetric(id string, ts time.Time, latency float64, success bool) metric.RequestMetric {
	return metric.RequestMetric{
		RequestID:        id,
		Timestamp:        ts,
		Provider:         "openai",
		Model:            "gpt-4o",
		Application:      "chat",
		Environment:      "prod",
		InferenceTime:    latency,
		Success:          success,
		PromptTokens:     100,
		CompletionTokens: 50,
	}
}
