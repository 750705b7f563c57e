package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/kora/internal/infra/telemetry"
)

type poolGauge struct {
	name  string
	desc  string
	value func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"kora_db_pool_connections_total", "Open connections", func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"kora_db_pool_connections_idle", "Idle connections", func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"kora_db_pool_connections_acquired", "Connections held by engine stores", func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"kora_db_pool_connections_max", "Configured connection ceiling", func(s *pgxpool.Stat) int64 { return int64(s.MaxConns()) }},
	{"kora_db_pool_acquire_empty_total", "Acquires that waited for a free connection", func(s *pgxpool.Stat) int64 { return s.EmptyAcquireCount() }},
	{"kora_db_pool_acquire_wait_ms", "Cumulative time spent waiting to acquire", func(s *pgxpool.Stat) int64 { return s.AcquireDuration().Milliseconds() }},
}

// ObservePoolMetrics reports pool health through one callback per collection.
// Registration errors are ignored; metrics are best effort.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", name),
	)

	meter := otel.Meter("postgres.pool")
	gauges := make([]metric.Int64ObservableGauge, 0, len(poolGauges))
	observables := make([]metric.Observable, 0, len(poolGauges))
	for _, g := range poolGauges {
		inst, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit("1"),
		)
		if err != nil {
			return
		}
		gauges = append(gauges, inst)
		observables = append(observables, inst)
	}
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := pool.Stat()
		for i, g := range poolGauges {
			o.ObserveInt64(gauges[i], g.value(stat), attrs)
		}
		return nil
	}, observables...)
}
