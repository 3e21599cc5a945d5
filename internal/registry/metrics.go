package registry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type registryMetrics struct {
	createCount    metric.Int64Counter
	releaseCount   metric.Int64Counter
	corruptedCount metric.Int64Counter
}

func newRegistryMetrics(logger pslog.Logger) *registryMetrics {
	meter := otel.Meter("pkt.systems/pdmd/registry")
	m := &registryMetrics{}
	var err error

	m.createCount, err = meter.Int64Counter(
		"pdmd.registry.create",
		metric.WithDescription("Checkout record creations by result"),
	)
	logMetricInitError(logger, "pdmd.registry.create", err)

	m.releaseCount, err = meter.Int64Counter(
		"pdmd.registry.release",
		metric.WithDescription("Checkout record releases"),
	)
	logMetricInitError(logger, "pdmd.registry.release", err)

	m.corruptedCount, err = meter.Int64Counter(
		"pdmd.registry.corrupted_discarded",
		metric.WithDescription("Corrupted checkout records discarded during reads"),
	)
	logMetricInitError(logger, "pdmd.registry.corrupted_discarded", err)

	return m
}

func (m *registryMetrics) observeCreate(ctx context.Context, result string) {
	if m == nil || m.createCount == nil {
		return
	}
	m.createCount.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *registryMetrics) observeRelease(ctx context.Context) {
	if m == nil || m.releaseCount == nil {
		return
	}
	m.releaseCount.Add(ctx, 1)
}

func (m *registryMetrics) observeCorrupted(ctx context.Context) {
	if m == nil || m.corruptedCount == nil {
		return
	}
	m.corruptedCount.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("metrics.init_failed", "metric", name, "error", err)
}
