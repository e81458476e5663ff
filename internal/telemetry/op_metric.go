package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// OpMetrics holds the instruments for public database operations.
type OpMetrics struct {
	OpsStartedCounter      metric.Int64Counter
	OpsHandledCounter      metric.Int64Counter
	OpLatencyHistogram     metric.Int64Histogram
	ActiveOpsUpDownCounter metric.Int64UpDownCounter
}

// NewOpMetrics creates and registers the operation instruments on meter.
func NewOpMetrics(meter metric.Meter) (*OpMetrics, error) {
	started, err := meter.Int64Counter(
		"gojotable.db.ops_started_total",
		metric.WithDescription("Database operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	handled, err := meter.Int64Counter(
		"gojotable.db.ops_handled_total",
		metric.WithDescription("Database operations completed, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"gojotable.db.op_duration",
		metric.WithDescription("Latency of database operations."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojotable.db.active_ops",
		metric.WithDescription("Database operations in flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &OpMetrics{
		OpsStartedCounter:      started,
		OpsHandledCounter:      handled,
		OpLatencyHistogram:     latency,
		ActiveOpsUpDownCounter: active,
	}, nil
}

// NoopOpMetrics returns instruments that record nothing.
func NoopOpMetrics() *OpMetrics {
	m, _ := NewOpMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
