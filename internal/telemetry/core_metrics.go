package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// CoreMetrics holds the metric instruments for the coordination core. A nil
// *CoreMetrics is valid and records nothing, so managers can run without
// telemetry configured.
type CoreMetrics struct {
	TxnStartedCounter      metric.Int64Counter
	TxnCommittedCounter    metric.Int64Counter
	TxnFailedCounter       metric.Int64Counter
	CompensationsCounter   metric.Int64Counter
	TxnDurationHistogram   metric.Int64Histogram
	LockConflictsCounter   metric.Int64Counter
	LockWaitHistogram      metric.Int64Histogram
	ActiveSagasUpDownCount metric.Int64UpDownCounter
}

// NewCoreMetrics creates and registers all instruments for the core.
func NewCoreMetrics(meter metric.Meter) (*CoreMetrics, error) {
	txnStarted, err := meter.Int64Counter(
		"gojotx.txn.started_total",
		metric.WithDescription("Total number of transactions and sagas started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnCommitted, err := meter.Int64Counter(
		"gojotx.txn.committed_total",
		metric.WithDescription("Total number of transactions committed and sagas completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnFailed, err := meter.Int64Counter(
		"gojotx.txn.failed_total",
		metric.WithDescription("Total number of transactions and sagas that reached a failure terminal state."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	compensations, err := meter.Int64Counter(
		"gojotx.txn.compensations_total",
		metric.WithDescription("Total number of compensation invocations during rollback sweeps."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnDuration, err := meter.Int64Histogram(
		"gojotx.txn.duration",
		metric.WithDescription("Wall time from begin to terminal state."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	lockConflicts, err := meter.Int64Counter(
		"gojotx.lock.conflicts_total",
		metric.WithDescription("Total number of lock requests denied or timed out."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	lockWait, err := meter.Int64Histogram(
		"gojotx.lock.wait_duration",
		metric.WithDescription("Time spent waiting for lock grants."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeSagas, err := meter.Int64UpDownCounter(
		"gojotx.saga.active",
		metric.WithDescription("Number of sagas currently running or compensating."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &CoreMetrics{
		TxnStartedCounter:      txnStarted,
		TxnCommittedCounter:    txnCommitted,
		TxnFailedCounter:       txnFailed,
		CompensationsCounter:   compensations,
		TxnDurationHistogram:   txnDuration,
		LockConflictsCounter:   lockConflicts,
		LockWaitHistogram:      lockWait,
		ActiveSagasUpDownCount: activeSagas,
	}, nil
}
