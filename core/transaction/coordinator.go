package transaction

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// batch collects the write-back of the locked copies. Locked copies whose
// encoding did not change are left out.
func (t *Transaction) batch() (objectstore.Batch, error) {
	ids := make([]objectstore.ObjectID, 0, len(t.locked))
	for id := range t.locked {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var b objectstore.Batch
	for _, id := range ids {
		c := t.locked[id]
		if c.destroyed {
			if !c.created {
				b.Writes = append(b.Writes, objectstore.Write{ID: id, Tombstone: true})
			}
			continue
		}
		data, err := objectstore.Encode(c.obj)
		if err != nil {
			return objectstore.Batch{}, fmt.Errorf("encode %s: %w", id, err)
		}
		if !c.created && bytes.Equal(data, c.orig) {
			continue
		}
		b.Writes = append(b.Writes, objectstore.Write{ID: id, Data: data})
		if c.created && c.name != "" {
			b.Names = append(b.Names, objectstore.NameBinding{Name: c.name, ID: id})
		}
	}
	return b, nil
}

// claim marks the transaction as finishing. Only the first caller wins; from
// then on every operation fails with ErrInvalidState.
func (t *Transaction) claim(state TransactionState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() || t.finishing {
		return false
	}
	t.finishing = true
	t.state = state
	return true
}

func (t *Transaction) spanStart(name string) (context.Context, trace.Span) {
	ctx := context.WithoutCancel(t.Context())
	return t.mgr.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int64("txn.id", int64(t.id)),
		attribute.String("txn.uuid", t.handle.String()),
		attribute.Int64("app.id", int64(t.scope.appID)),
		attribute.Int("txn.participants", len(t.participants)),
	))
}

// commit drives the participants and the store write-back. It is not
// cancellable: the transaction context may already be interrupted.
func (t *Transaction) commit() (Outcome, error) {
	if !t.claim(TxnStatePreparing) {
		return t.Outcome(), fmt.Errorf("%w: commit of %s transaction", ErrInvalidState, t.State())
	}
	ctx, span := t.spanStart("txn.commit")
	defer span.End()

	b, err := t.batch()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		_ = t.finishAbort(ctx, AbortStoreFailure, t.participants)
		return t.Outcome(), err
	}
	span.SetAttributes(attribute.Int("txn.writes", len(b.Writes)))

	parts := t.participants
	if len(parts) == 1 && b.Empty() {
		p := parts[0]
		if err := p.PrepareAndCommit(ctx, t); err != nil {
			t.logger.Warn("participant refused single phase commit",
				zap.String("participant", participantName(p)), zap.Error(err))
			span.SetStatus(codes.Error, "participant refused")
			_ = t.finishAbort(ctx, AbortParticipantRefused, parts)
			return t.Outcome(), nil
		}
		t.finishCommit(ctx)
		return t.Outcome(), nil
	}

	votes := make([]Vote, len(parts))
	for i, p := range parts {
		vote, err := p.Prepare(ctx, t)
		if err != nil || vote == VoteAbort {
			t.logger.Warn("participant refused to prepare",
				zap.String("participant", participantName(p)), zap.Error(err))
			span.SetStatus(codes.Error, "participant refused")
			_ = t.finishAbort(ctx, AbortParticipantRefused, parts)
			return t.Outcome(), nil
		}
		votes[i] = vote
	}

	if !b.Empty() {
		if err := t.scope.store.WriteBatch(ctx, b); err != nil {
			t.logger.Error("write back failed", zap.Error(err))
			span.SetStatus(codes.Error, err.Error())
			_ = t.finishAbort(ctx, AbortStoreFailure, parts)
			return t.Outcome(), fmt.Errorf("write back: %w", err)
		}
	}

	var errs error
	for i, p := range parts {
		if votes[i] == VoteReadOnly {
			continue
		}
		if err := p.Commit(ctx, t); err != nil {
			t.logger.Error("participant commit failed",
				zap.String("participant", participantName(p)), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s commit: %w", participantName(p), err))
		}
	}
	t.finishCommit(ctx)
	return t.Outcome(), errs
}

func (t *Transaction) finishCommit(ctx context.Context) {
	t.release()
	t.mu.Lock()
	t.state = TxnStateCommitted
	t.finishing = false
	cancel := t.cancel
	t.mu.Unlock()
	cancel(nil)
	t.mgr.metrics.TxnCommitted(ctx)
	t.logger.Debug("transaction committed")
}

// abortWith aborts an active transaction, notifying every joined
// participant. It does nothing if the transaction already finished.
func (t *Transaction) abortWith(reason AbortReason) error {
	if !t.claim(TxnStateActive) {
		return nil
	}
	return t.abortClaimed(reason)
}

func (t *Transaction) abortClaimed(reason AbortReason) error {
	ctx, span := t.spanStart("txn.abort")
	defer span.End()
	span.SetAttributes(attribute.String("txn.abort_reason", reason.String()))
	return t.finishAbort(ctx, reason, t.participants)
}

// finishAbort releases the transaction and aborts the given participants.
func (t *Transaction) finishAbort(ctx context.Context, reason AbortReason, parts []Participant) error {
	var errs error
	for _, p := range parts {
		if err := p.Abort(ctx, t); err != nil {
			t.logger.Error("participant abort failed",
				zap.String("participant", participantName(p)), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s abort: %w", participantName(p), err))
		}
	}
	t.release()
	t.mu.Lock()
	t.state = TxnStateAborted
	t.reason = reason
	t.finishing = false
	cancel := t.cancel
	t.mu.Unlock()
	cancel(ErrAborted)
	t.mgr.metrics.TxnAborted(ctx, reason.String())
	if reason == AbortExplicit {
		t.logger.Debug("transaction aborted", zap.Stringer("reason", reason))
	} else {
		t.logger.Info("transaction aborted", zap.Stringer("reason", reason))
	}
	return errs
}

// release drops the working set, the locks and the name reservations.
func (t *Transaction) release() {
	t.scope.locks.ReleaseAll(t.owner.ID)
	t.scope.releaseNames(t.names, t.id)
	clear(t.names)
	clear(t.peeked)
	clear(t.locked)
	clear(t.held)
	clear(t.enlisted)
}
