package bootstrap

import (
	"fmt"

	"github.com/artpar/tokenwatch/adapters/memory"
	"github.com/artpar/tokenwatch/adapters/sqlite"
	"github.com/artpar/tokenwatch/config"
	"github.com/artpar/tokenwatch/ports"
)

// Stores groups the storage ports the services are built on.
type Stores struct {
	Partitions     ports.PartitionManager
	Metrics        ports.MetricStore
	Aggregates     ports.AggregateStore
	Metadata       ports.MetadataStore
	Anomalies      ports.AnomalyStore
	Hallucinations ports.HallucinationStore
	AlertConfigs   ports.AlertConfigStore
	AlertEvents    ports.AlertEventStore
	Settings       ports.SettingsStore
}

// OpenStores builds the stores for the configured driver. The returned DB is
// nil for the memory driver; otherwise it is migrated and owned by the caller.
func OpenStores(cfg *config.Config, clk ports.Clock) (Stores, *sqlite.DB, error) {
	unit := cfg.Partitioning.PartitionUnit()

	switch cfg.Database.Driver {
	case "memory":
		pm := memory.NewPartitionManager(unit, clk)
		return Stores{
			Partitions:     pm,
			Metrics:        memory.NewMetricStore(pm, clk),
			Aggregates:     memory.NewAggregateStore(),
			Metadata:       memory.NewMetadataStore(),
			Anomalies:      memory.NewAnomalyStore(),
			Hallucinations: memory.NewHallucinationStore(),
			AlertConfigs:   memory.NewAlertConfigStore(),
			AlertEvents:    memory.NewAlertEventStore(),
			Settings:       memory.NewSettingsStore(clk),
		}, nil, nil

	case "sqlite":
		db, err := sqlite.Open(cfg.Database.DSN)
		if err != nil {
			return Stores{}, nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return Stores{}, nil, fmt.Errorf("migrate: %w", err)
		}

		pm := sqlite.NewPartitionManager(db, unit, clk)
		return Stores{
			Partitions:     pm,
			Metrics:        sqlite.NewMetricStore(db, pm, clk),
			Aggregates:     sqlite.NewAggregateStore(db, clk),
			Metadata:       sqlite.NewMetadataStore(db),
			Anomalies:      sqlite.NewAnomalyStore(db),
			Hallucinations: sqlite.NewHallucinationStore(db),
			AlertConfigs:   sqlite.NewAlertConfigStore(db),
			AlertEvents:    sqlite.NewAlertEventStore(db),
			Settings:       sqlite.NewSettingsStore(db, clk),
		}, db, nil
	}

	return Stores{}, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}
