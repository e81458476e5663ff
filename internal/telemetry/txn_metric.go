package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// TxnMetrics holds the metric instruments for the transaction manager.
type TxnMetrics struct {
	BegunCounter          metric.Int64Counter
	CommittedCounter      metric.Int64Counter
	AbortedCounter        metric.Int64Counter
	ConflictsCounter      metric.Int64Counter
	CommitLatency         metric.Int64Histogram
	ActiveTxnsUpDown      metric.Int64UpDownCounter
	VacuumedVersionsTotal metric.Int64Counter
}

// NewTxnMetrics creates and registers the transaction instruments on meter.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	begun, err := meter.Int64Counter(
		"gojotable.txn.begun_total",
		metric.WithDescription("Transactions started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	committed, err := meter.Int64Counter(
		"gojotable.txn.committed_total",
		metric.WithDescription("Transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	aborted, err := meter.Int64Counter(
		"gojotable.txn.aborted_total",
		metric.WithDescription("Transactions aborted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	conflicts, err := meter.Int64Counter(
		"gojotable.txn.conflicts_total",
		metric.WithDescription("Commits rejected by the first-committer-wins check."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"gojotable.txn.commit_duration",
		metric.WithDescription("Time spent in the commit critical section."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojotable.txn.active",
		metric.WithDescription("Transactions currently active."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	vacuumed, err := meter.Int64Counter(
		"gojotable.txn.vacuumed_versions_total",
		metric.WithDescription("Row versions removed by vacuum."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		BegunCounter:          begun,
		CommittedCounter:      committed,
		AbortedCounter:        aborted,
		ConflictsCounter:      conflicts,
		CommitLatency:         latency,
		ActiveTxnsUpDown:      active,
		VacuumedVersionsTotal: vacuumed,
	}, nil
}

// NoopTxnMetrics returns instruments that record nothing.
func NoopTxnMetrics() *TxnMetrics {
	m, _ := NewTxnMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
