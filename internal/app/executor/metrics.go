package executor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/infra/telemetry"
)

type engineMetrics struct {
	operations        metric.Int64Counter
	intents           metric.Int64Counter
	hookFailures      metric.Int64Counter
	swapVolume        metric.Int64Counter
	pending           metric.Int64UpDownCounter
	batchSize         metric.Int64Histogram
	decryptionLatency metric.Float64Histogram
}

func newEngineMetrics() engineMetrics {
	meter := otel.Meter("executor")
	var m engineMetrics
	m.operations, _ = meter.Int64Counter("kora.engine.operations",
		metric.WithDescription("Engine entry point invocations by result"),
		metric.WithUnit("{call}"))
	m.intents, _ = meter.Int64Counter("kora.intents",
		metric.WithDescription("Resolved intents by outcome"),
		metric.WithUnit("{intent}"))
	m.hookFailures, _ = meter.Int64Counter("kora.hooks.failures",
		metric.WithDescription("Hook calls that failed during batch processing"),
		metric.WithUnit("{call}"))
	m.swapVolume, _ = meter.Int64Counter("kora.swap.volume",
		metric.WithDescription("Aggregated swap volume in token base units"),
		metric.WithUnit("{unit}"))
	m.pending, _ = meter.Int64UpDownCounter("kora.batches.pending",
		metric.WithDescription("Batches awaiting their decryption callback"),
		metric.WithUnit("{batch}"))
	m.batchSize, _ = meter.Int64Histogram("kora.batch.size",
		metric.WithDescription("Intents per submitted batch"),
		metric.WithUnit("{intent}"))
	m.decryptionLatency, _ = meter.Float64Histogram("kora.decryption.latency",
		metric.WithDescription("Time from batch request to decryption callback"),
		metric.WithUnit("ms"))
	return m
}

func (m engineMetrics) operation(ctx context.Context, op string, err error) {
	if m.operations == nil {
		return
	}
	result, errType := telemetry.ResultSuccess, ""
	if err != nil {
		result, errType = telemetry.ResultError, string(errs.CanonicalOf(err))
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), op, result, errType)...))
}

func (m engineMetrics) intent(ctx context.Context, outcome string) {
	if m.intents == nil {
		return
	}
	m.intents.Add(ctx, 1, metric.WithAttributes(telemetry.IntentAttributes(telemetry.Environment(), outcome)...))
}

func (m engineMetrics) hookFailure(ctx context.Context, kind, stage string) {
	if m.hookFailures == nil {
		return
	}
	m.hookFailures.Add(ctx, 1, metric.WithAttributes(telemetry.HookFailureAttributes(telemetry.Environment(), kind, stage)...))
}

func (m engineMetrics) swapped(ctx context.Context, token string, amount uint64) {
	if m.swapVolume == nil {
		return
	}
	m.swapVolume.Add(ctx, int64(amount), metric.WithAttributes(telemetry.VolumeAttributes(telemetry.Environment(), token)...))
}

func (m engineMetrics) requested(ctx context.Context, size int) {
	if m.pending != nil {
		m.pending.Add(ctx, 1)
	}
	if m.batchSize != nil {
		m.batchSize.Record(ctx, int64(size))
	}
}

func (m engineMetrics) resolved(ctx context.Context, requestedAt, now time.Time) {
	if m.pending != nil {
		m.pending.Add(ctx, -1)
	}
	if m.decryptionLatency != nil && !requestedAt.IsZero() {
		m.decryptionLatency.Record(ctx, float64(now.Sub(requestedAt).Milliseconds()))
	}
}
