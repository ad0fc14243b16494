package backend

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/jmanhype/mcphoenix/internal/backend"

// Metrics holds backend pool instrumentation.
type Metrics struct {
	logger *zap.Logger

	spawnsTotal   metric.Int64Counter
	exitsTotal    metric.Int64Counter
	timeoutsTotal metric.Int64Counter
	callsTotal    metric.Int64Counter
	callDur       metric.Float64Histogram
}

// NewMetrics creates backend metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{logger: logger}
	meter := otel.Meter(instrumentationName)

	var err error
	m.spawnsTotal, err = meter.Int64Counter(
		"mcphoenix.backend.spawns_total",
		metric.WithDescription("Backend child processes spawned, labeled by backend id."),
		metric.WithUnit("{process}"),
	)
	if err != nil {
		logger.Warn("failed to create spawns counter", zap.Error(err))
	}

	m.exitsTotal, err = meter.Int64Counter(
		"mcphoenix.backend.exits_total",
		metric.WithDescription("Backend child processes exited, labeled by backend id."),
		metric.WithUnit("{process}"),
	)
	if err != nil {
		logger.Warn("failed to create exits counter", zap.Error(err))
	}

	m.timeoutsTotal, err = meter.Int64Counter(
		"mcphoenix.backend.timeouts_total",
		metric.WithDescription("Tool calls that hit the per-call deadline, labeled by backend id and tool."),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn("failed to create timeouts counter", zap.Error(err))
	}

	m.callsTotal, err = meter.Int64Counter(
		"mcphoenix.tools.calls_total",
		metric.WithDescription("Tool calls routed to backends, labeled by backend id, tool, and outcome."),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn("failed to create calls counter", zap.Error(err))
	}

	m.callDur, err = meter.Float64Histogram(
		"mcphoenix.tools.call_duration_seconds",
		metric.WithDescription("Tool call round-trip duration in seconds, labeled by backend id and tool."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0),
	)
	if err != nil {
		logger.Warn("failed to create call duration histogram", zap.Error(err))
	}

	return m
}

// RecordSpawn counts a child process spawn.
func (m *Metrics) RecordSpawn(ctx context.Context, backendID string) {
	if m == nil || m.spawnsTotal == nil {
		return
	}
	m.spawnsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("backend_id", backendID)))
}

// RecordExit counts a child process exit.
func (m *Metrics) RecordExit(ctx context.Context, backendID string) {
	if m == nil || m.exitsTotal == nil {
		return
	}
	m.exitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("backend_id", backendID)))
}

// RecordTimeout counts a call that hit the deadline.
func (m *Metrics) RecordTimeout(ctx context.Context, backendID, tool string) {
	if m == nil || m.timeoutsTotal == nil {
		return
	}
	m.timeoutsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend_id", backendID),
		attribute.String("tool", tool),
	))
}

// RecordCall records a completed call with its outcome and duration.
func (m *Metrics) RecordCall(ctx context.Context, backendID, tool, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend_id", backendID),
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	if m.callsTotal != nil {
		m.callsTotal.Add(ctx, 1, attrs)
	}
	if m.callDur != nil {
		m.callDur.Record(ctx, dur.Seconds(), metric.WithAttributes(
			attribute.String("backend_id", backendID),
			attribute.String("tool", tool),
		))
	}
}
