package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Run executes fn in a transaction of appID and commits it. When the
// transaction aborts for a retryable reason (deadlock, interrupt, lock wait
// timeout) the whole unit of work runs again in a fresh transaction, after
// an exponential backoff and the Manager's retry rate limit, up to
// Config.MaxRetries times. fn must not keep state across attempts.
//
// An error returned by fn that does not match ErrDeadlock aborts the
// transaction and is returned as is.
func (m *Manager) Run(ctx context.Context, appID uint64, fn func(txn *Transaction) error) (Outcome, error) {
	bo := backoff.NewExponentialBackOff()
	if m.cfg.RetryInitialInterval > 0 {
		bo.InitialInterval = m.cfg.RetryInitialInterval
	}
	if m.cfg.RetryMaxInterval > 0 {
		bo.MaxInterval = m.cfg.RetryMaxInterval
	}

	for attempt := 0; ; attempt++ {
		out, err := m.attempt(ctx, appID, fn)
		if out.Committed() || !out.Reason.Retryable() {
			return out, err
		}
		if ctx.Err() != nil {
			return out, fmt.Errorf("%w: %w", err, context.Cause(ctx))
		}
		if attempt >= m.cfg.MaxRetries {
			return out, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
		}
		m.logger.Debug("retrying transaction",
			zap.Uint64("app_id", appID), zap.Int("attempt", attempt+1), zap.Stringer("reason", out.Reason))
		if err := m.limiter.Wait(ctx); err != nil {
			return out, err
		}
		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return out, context.Cause(ctx)
		case <-timer.C:
		}
	}
}

func (m *Manager) attempt(ctx context.Context, appID uint64, fn func(txn *Transaction) error) (Outcome, error) {
	txn, err := m.Begin(ctx, appID)
	if err != nil {
		return Outcome{State: TxnStateAborted, Reason: AbortStoreFailure}, err
	}
	if err := fn(txn); err != nil {
		reason := AbortExplicit
		if errors.Is(err, ErrDeadlock) {
			reason = AbortDeadlock
		}
		_ = txn.abortWith(reason)
		return txn.Outcome(), err
	}
	if out := txn.Outcome(); out.State == TxnStateAborted {
		return out, fmt.Errorf("%w: %s", ErrAborted, out.Reason)
	}
	out, err := txn.Commit()
	if err == nil && out.State == TxnStateAborted {
		err = fmt.Errorf("%w: %s", ErrAborted, out.Reason)
	}
	return out, err
}

// IsRetryable reports whether err ended a transaction that may succeed when
// run again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDeadlock)
}
