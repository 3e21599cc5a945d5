package repolock

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type lockMetrics struct {
	acquireCount    metric.Int64Counter
	acquireDuration metric.Int64Histogram
	breakCount      metric.Int64Counter
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter("pkt.systems/pdmd/repolock")
	m := &lockMetrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"pdmd.repolock.acquire",
		metric.WithDescription("Repository mutex acquisitions by result"),
	)
	logMetricInitError(logger, "pdmd.repolock.acquire", err)

	m.acquireDuration, err = meter.Int64Histogram(
		"pdmd.repolock.acquire.duration_ms",
		metric.WithDescription("Repository mutex acquire wait"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "pdmd.repolock.acquire.duration_ms", err)

	m.breakCount, err = meter.Int64Counter(
		"pdmd.repolock.stale_breaks",
		metric.WithDescription("Forced stale-lock recoveries"),
	)
	logMetricInitError(logger, "pdmd.repolock.stale_breaks", err)

	return m
}

func (m *lockMetrics) observeAcquire(ctx context.Context, result string, waited time.Duration) {
	if m == nil || m.acquireCount == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.acquireCount.Add(ctx, 1, attrs)
	if m.acquireDuration != nil {
		m.acquireDuration.Record(ctx, waited.Milliseconds(), attrs)
	}
}

func (m *lockMetrics) observeBreak(ctx context.Context) {
	if m == nil || m.breakCount == nil {
		return
	}
	m.breakCount.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("metrics.init_failed", "metric", name, "error", err)
}
