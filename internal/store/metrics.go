package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type storeMetrics struct {
	publishCount    metric.Int64Counter
	publishDuration metric.Int64Histogram
	resyncCount     metric.Int64Counter
	repairCount     metric.Int64Counter
	lfsFetchCount   metric.Int64Counter
	lfsFetchDur     metric.Int64Histogram
}

func newStoreMetrics(logger pslog.Logger) *storeMetrics {
	meter := otel.Meter("pkt.systems/pdmd/store")
	m := &storeMetrics{}
	var err error

	m.publishCount, err = meter.Int64Counter(
		"pdmd.store.publish",
		metric.WithDescription("Publish transactions by result"),
	)
	logMetricInitError(logger, "pdmd.store.publish", err)

	m.publishDuration, err = meter.Int64Histogram(
		"pdmd.store.publish.duration_ms",
		metric.WithDescription("Publish transaction duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "pdmd.store.publish.duration_ms", err)

	m.resyncCount, err = meter.Int64Counter(
		"pdmd.store.resync",
		metric.WithDescription("Fetch-and-reset recoveries to remote state"),
	)
	logMetricInitError(logger, "pdmd.store.resync", err)

	m.repairCount, err = meter.Int64Counter(
		"pdmd.store.repair",
		metric.WithDescription("Corrupted working-copy repair cycles"),
	)
	logMetricInitError(logger, "pdmd.store.repair", err)

	m.lfsFetchCount, err = meter.Int64Counter(
		"pdmd.store.lfs_fetch",
		metric.WithDescription("Single-path large-object fetches by result"),
	)
	logMetricInitError(logger, "pdmd.store.lfs_fetch", err)

	m.lfsFetchDur, err = meter.Int64Histogram(
		"pdmd.store.lfs_fetch.duration_ms",
		metric.WithDescription("Large-object fetch duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "pdmd.store.lfs_fetch.duration_ms", err)

	return m
}

func (m *storeMetrics) observePublish(ctx context.Context, result string, elapsed time.Duration) {
	if m == nil || m.publishCount == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.publishCount.Add(ctx, 1, attrs)
	if m.publishDuration != nil {
		m.publishDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (m *storeMetrics) observeResync(ctx context.Context) {
	if m == nil || m.resyncCount == nil {
		return
	}
	m.resyncCount.Add(ctx, 1)
}

func (m *storeMetrics) observeRepair(ctx context.Context) {
	if m == nil || m.repairCount == nil {
		return
	}
	m.repairCount.Add(ctx, 1)
}

func (m *storeMetrics) observeLFSFetch(ctx context.Context, result string, elapsed time.Duration) {
	if m == nil || m.lfsFetchCount == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.lfsFetchCount.Add(ctx, 1, attrs)
	if m.lfsFetchDur != nil {
		m.lfsFetchDur.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("metrics.init_failed", "metric", name, "error", err)
}
