package mcp

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/jmanhype/mcphoenix/pkg/mcp"

// Metrics holds dispatcher and SSE instrumentation.
type Metrics struct {
	requestsTotal metric.Int64Counter
	requestDur    metric.Float64Histogram
	sseActive     metric.Int64UpDownCounter
}

// NewMetrics creates MCP metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}
	meter := otel.Meter(instrumentationName)

	var err error
	m.requestsTotal, err = meter.Int64Counter(
		"mcphoenix.rpc.requests_total",
		metric.WithDescription("Incoming JSON-RPC requests labeled by method and outcome (ok, error, notification)."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.requestDur, err = meter.Float64Histogram(
		"mcphoenix.rpc.request_duration_seconds",
		metric.WithDescription("JSON-RPC dispatch duration in seconds, labeled by method."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.sseActive, err = meter.Int64UpDownCounter(
		"mcphoenix.sse.active_connections",
		metric.WithDescription("Currently open SSE streams."),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		logger.Warn("failed to create sse gauge", zap.Error(err))
	}

	return m
}

// RecordRequest records one dispatched RPC.
func (m *Metrics) RecordRequest(ctx context.Context, method, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unparseable"
	}
	if m.requestsTotal != nil {
		m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("outcome", outcome),
		))
	}
	if m.requestDur != nil {
		m.requestDur.Record(ctx, dur.Seconds(), metric.WithAttributes(
			attribute.String("method", method),
		))
	}
}

// StreamOpened bumps the active SSE connection gauge.
func (m *Metrics) StreamOpened(ctx context.Context) {
	if m != nil && m.sseActive != nil {
		m.sseActive.Add(ctx, 1)
	}
}

// StreamClosed decrements the active SSE connection gauge.
func (m *Metrics) StreamClosed(ctx context.Context) {
	if m != nil && m.sseActive != nil {
		m.sseActive.Add(ctx, -1)
	}
}
