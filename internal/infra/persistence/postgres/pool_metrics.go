package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/waitroom/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{
		name:        "waitroom_db_pool_connections_total",
		description: "Total connections (idle + acquired + constructing)",
		read:        func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) },
	},
	{
		name:        "waitroom_db_pool_connections_idle",
		description: "Idle connections ready for checkout",
		read:        func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) },
	},
	{
		name:        "waitroom_db_pool_connections_acquired",
		description: "Connections currently acquired by callers, including the bus listener",
		read:        func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) },
	},
	{
		name:        "waitroom_db_pool_connections_constructing",
		description: "Connections currently being constructed",
		read:        func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) },
	},
}

// ObservePoolMetrics registers observable gauges that report pgx pool health.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "bus"
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db_pool", normalized),
	}

	meter := otel.Meter("postgres.pool")
	for _, gauge := range poolGauges {
		read := gauge.read
		if _, err := meter.Int64ObservableGauge(gauge.name,
			metric.WithDescription(gauge.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(read(pool.Stat()), metric.WithAttributes(attrs...))
				return nil
			}),
		); err != nil {
			return
		}
	}
}
