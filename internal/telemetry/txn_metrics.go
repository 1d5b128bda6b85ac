package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TxnMetrics holds the metric instruments for transactions and the lock table.
// A nil *TxnMetrics records nothing.
type TxnMetrics struct {
	StartedCounter      metric.Int64Counter
	CommittedCounter    metric.Int64Counter
	AbortedCounter      metric.Int64Counter
	ActiveUpDownCounter metric.Int64UpDownCounter
	LockWaitHistogram   metric.Int64Histogram
	DeadlocksCounter    metric.Int64Counter
	ParticipantsCounter metric.Int64Counter
}

// NewTxnMetrics creates and registers all the transaction metrics.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	started, err := meter.Int64Counter(
		"reddwarf.txn.started_total",
		metric.WithDescription("Total number of transactions started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	committed, err := meter.Int64Counter(
		"reddwarf.txn.committed_total",
		metric.WithDescription("Total number of transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	aborted, err := meter.Int64Counter(
		"reddwarf.txn.aborted_total",
		metric.WithDescription("Total number of transactions aborted, by reason."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"reddwarf.txn.active",
		metric.WithDescription("Number of transactions neither committed nor aborted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	lockWait, err := meter.Int64Histogram(
		"reddwarf.lock.wait.duration",
		metric.WithDescription("Time spent waiting for contended object locks."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	deadlocks, err := meter.Int64Counter(
		"reddwarf.lock.deadlocks_total",
		metric.WithDescription("Total number of wait-for cycles broken by the lock table."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	participants, err := meter.Int64Counter(
		"reddwarf.txn.participants_joined_total",
		metric.WithDescription("Total number of participants joined to transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		StartedCounter:      started,
		CommittedCounter:    committed,
		AbortedCounter:      aborted,
		ActiveUpDownCounter: active,
		LockWaitHistogram:   lockWait,
		DeadlocksCounter:    deadlocks,
		ParticipantsCounter: participants,
	}, nil
}

func (m *TxnMetrics) TxnStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.StartedCounter.Add(ctx, 1)
	m.ActiveUpDownCounter.Add(ctx, 1)
}

func (m *TxnMetrics) TxnCommitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.CommittedCounter.Add(ctx, 1)
	m.ActiveUpDownCounter.Add(ctx, -1)
}

func (m *TxnMetrics) TxnAborted(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.AbortedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.ActiveUpDownCounter.Add(ctx, -1)
}

func (m *TxnMetrics) LockWaited(ctx context.Context, d time.Duration, granted bool) {
	if m == nil {
		return
	}
	m.LockWaitHistogram.Record(ctx, d.Milliseconds(), metric.WithAttributes(attribute.Bool("granted", granted)))
}

func (m *TxnMetrics) Deadlock(ctx context.Context) {
	if m == nil {
		return
	}
	m.DeadlocksCounter.Add(ctx, 1)
}

func (m *TxnMetrics) ParticipantJoined(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ParticipantsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("participant", kind)))
}
