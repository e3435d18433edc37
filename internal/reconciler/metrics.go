package reconciler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gamerboy74/agrisync/internal/telemetry"
)

type reconcilerMetrics struct {
	environment string

	cycles          metric.Int64Counter
	transitions     metric.Int64Counter
	inconsistencies metric.Int64Counter
	oracleFailures  metric.Int64Counter
	escalations     metric.Int64Counter
	oracleLatency   metric.Float64Histogram
	workingSetSize  metric.Int64ObservableGauge
}

func newReconcilerMetrics(r *Reconciler) *reconcilerMetrics {
	if r == nil {
		return nil
	}

	meter := otel.Meter("reconciler")

	rm := new(reconcilerMetrics)
	rm.environment = telemetry.Environment()

	rm.cycles, _ = meter.Int64Counter("agrisync_reconciler_cycles",
		metric.WithDescription("Reconciliation cycles executed"),
		metric.WithUnit("{cycle}"))

	rm.transitions, _ = meter.Int64Counter("agrisync_reconciler_transitions",
		metric.WithDescription("Status transitions applied from authoritative state"),
		metric.WithUnit("{transition}"))

	rm.inconsistencies, _ = meter.Int64Counter("agrisync_reconciler_inconsistencies",
		metric.WithDescription("Rejected writes and unmapped chain codes observed during reconciliation"),
		metric.WithUnit("{inconsistency}"))

	rm.oracleFailures, _ = meter.Int64Counter("agrisync_reconciler_oracle_failures",
		metric.WithDescription("Oracle lookups that failed and were scheduled for retry"),
		metric.WithUnit("{failure}"))

	rm.escalations, _ = meter.Int64Counter("agrisync_reconciler_escalations",
		metric.WithDescription("Orders escalated to the review queue after retry exhaustion"),
		metric.WithUnit("{order}"))

	rm.oracleLatency, _ = meter.Float64Histogram("agrisync_reconciler_oracle_latency",
		metric.WithDescription("Latency of authoritative status lookups"),
		metric.WithUnit("ms"))

	rm.workingSetSize, _ = meter.Int64ObservableGauge("agrisync_reconciler_working_set",
		metric.WithDescription("Orders currently tracked for reconciliation"),
		metric.WithUnit("{order}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(r.workingSetLen()), metric.WithAttributes(rm.baseAttrs()...))
			return nil
		}))

	return rm
}

func (rm *reconcilerMetrics) baseAttrs() []attribute.KeyValue {
	if rm == nil {
		return nil
	}
	return []attribute.KeyValue{telemetry.AttrEnvironment.String(rm.environment)}
}

func (rm *reconcilerMetrics) recordCycle(ctx context.Context) {
	if rm == nil || rm.cycles == nil {
		return
	}
	rm.cycles.Add(ensureContext(ctx), 1, metric.WithAttributes(rm.baseAttrs()...))
}

func (rm *reconcilerMetrics) recordTransition(ctx context.Context, to string, actor string) {
	if rm == nil || rm.transitions == nil {
		return
	}
	attrs := append(rm.baseAttrs(),
		telemetry.AttrOrderStatus.String(to),
		telemetry.AttrActor.String(actor))
	rm.transitions.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (rm *reconcilerMetrics) recordInconsistency(ctx context.Context, reason string) {
	if rm == nil || rm.inconsistencies == nil {
		return
	}
	attrs := append(rm.baseAttrs(), telemetry.AttrReason.String(reason))
	rm.inconsistencies.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (rm *reconcilerMetrics) recordOracleFailure(ctx context.Context, result string) {
	if rm == nil || rm.oracleFailures == nil {
		return
	}
	attrs := append(rm.baseAttrs(), telemetry.AttrResult.String(result))
	rm.oracleFailures.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (rm *reconcilerMetrics) recordEscalation(ctx context.Context) {
	if rm == nil || rm.escalations == nil {
		return
	}
	rm.escalations.Add(ensureContext(ctx), 1, metric.WithAttributes(rm.baseAttrs()...))
}

func (rm *reconcilerMetrics) recordOracleLatency(ctx context.Context, latency time.Duration, result string) {
	if rm == nil || rm.oracleLatency == nil {
		return
	}
	if latency < 0 {
		latency = 0
	}
	attrs := append(rm.baseAttrs(), telemetry.AttrResult.String(result))
	rm.oracleLatency.Record(ensureContext(ctx), float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
