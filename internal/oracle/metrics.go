package oracle

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gamerboy74/agrisync/internal/telemetry"
)

type watcherMetrics struct {
	environment string

	reconnects  metric.Int64Counter
	heads       metric.Int64Counter
	headBytes   metric.Int64Histogram
	pingCount   metric.Int64Counter
	pingLatency metric.Float64Histogram
}

func newWatcherMetrics() *watcherMetrics {
	meter := otel.Meter("oracle.watcher")

	wm := new(watcherMetrics)
	wm.environment = telemetry.Environment()

	wm.reconnects, _ = meter.Int64Counter("agrisync_oracle_ws_reconnects",
		metric.WithDescription("Number of chain gateway websocket reconnect attempts"),
		metric.WithUnit("{reconnect}"))

	wm.heads, _ = meter.Int64Counter("agrisync_oracle_ws_heads",
		metric.WithDescription("Chain head notifications received from the gateway"),
		metric.WithUnit("{head}"))

	wm.headBytes, _ = meter.Int64Histogram("agrisync_oracle_ws_head_bytes",
		metric.WithDescription("Size of chain head notification frames"),
		metric.WithUnit("By"))

	wm.pingCount, _ = meter.Int64Counter("agrisync_oracle_ws_pings",
		metric.WithDescription("Ping frames sent on the gateway websocket"),
		metric.WithUnit("{ping}"))

	wm.pingLatency, _ = meter.Float64Histogram("agrisync_oracle_ws_ping_latency",
		metric.WithDescription("Latency of ping frames on the gateway websocket"),
		metric.WithUnit("ms"))

	return wm
}

func (wm *watcherMetrics) baseAttrs() []attribute.KeyValue {
	if wm == nil {
		return nil
	}
	return []attribute.KeyValue{telemetry.AttrEnvironment.String(wm.environment)}
}

func (wm *watcherMetrics) recordReconnect(ctx context.Context, result string) {
	if wm == nil || wm.reconnects == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := wm.baseAttrs()
	if result != "" {
		attrs = append(attrs, telemetry.AttrResult.String(result))
	}
	wm.reconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (wm *watcherMetrics) recordHead(ctx context.Context, bytes int) {
	if wm == nil || wm.heads == nil || wm.headBytes == nil || bytes <= 0 {
		return
	}
	ctx = ensureContext(ctx)
	attrs := wm.baseAttrs()
	wm.heads.Add(ctx, 1, metric.WithAttributes(attrs...))
	wm.headBytes.Record(ctx, int64(bytes), metric.WithAttributes(attrs...))
}

func (wm *watcherMetrics) recordPing(ctx context.Context, latency time.Duration, result string) {
	if wm == nil || wm.pingCount == nil || wm.pingLatency == nil {
		return
	}
	ctx = ensureContext(ctx)
	if latency < 0 {
		latency = 0
	}
	attrs := wm.baseAttrs()
	if result != "" {
		attrs = append(attrs, telemetry.AttrResult.String(result))
	}
	wm.pingCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	wm.pingLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
