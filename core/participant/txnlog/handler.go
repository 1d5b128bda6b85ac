// Package txnlog makes logging transactional: entries written through a
// transaction's logger reach the backing zap core only if the transaction
// commits, in the order they were written. Aborted transactions log nothing.
package txnlog

import (
	"context"
	"sync"

	"github.com/AbreuRodrigo/reddwarf/core/transaction"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Handler buffers entries per transaction in front of a backing core.
type Handler struct {
	backing zapcore.Core
}

func NewHandler(backing zapcore.Core) *Handler {
	return &Handler{backing: backing}
}

// Backing returns the core that committed entries are written to.
func (h *Handler) Backing() zapcore.Core { return h.backing }

// Logger returns a logger bound to txn. The transaction joins the handler's
// participant on the first entry written. Entries written once the
// transaction has finished go straight to the backing core. An entry whose
// write finds the transaction unable to take more work (interrupted, or in the
// middle of committing) is dropped.
func (h *Handler) Logger(txn *transaction.Transaction, opts ...zap.Option) *zap.Logger {
	return zap.New(&txnCore{LevelEnabler: h.backing, h: h, txn: txn}, opts...)
}

func (h *Handler) buffer(txn *transaction.Transaction) (*buffer, error) {
	p, err := txn.Enlist(h, func() transaction.Participant {
		return &buffer{h: h}
	})
	if err != nil {
		return nil, err
	}
	return p.(*buffer), nil
}

type txnCore struct {
	zapcore.LevelEnabler
	h      *Handler
	txn    *transaction.Transaction
	fields []zapcore.Field
}

func (c *txnCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *txnCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *txnCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	all := append(append([]zapcore.Field(nil), c.fields...), fields...)
	if c.txn.State().Terminal() {
		return c.h.backing.Write(ent, all)
	}
	buf, err := c.h.buffer(c.txn)
	if err != nil {
		return nil
	}
	buf.add(ent, all)
	return nil
}

func (c *txnCore) Sync() error { return nil }

type entry struct {
	ent    zapcore.Entry
	fields []zapcore.Field
}

// buffer is the participant holding one transaction's entries.
type buffer struct {
	h *Handler

	mu      sync.Mutex
	entries []entry
}

func (b *buffer) Name() string { return "txnlog" }

func (b *buffer) add(ent zapcore.Entry, fields []zapcore.Field) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry{ent: ent, fields: fields})
}

func (b *buffer) take() []entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.entries
	b.entries = nil
	return entries
}

// Prepare always asks for a commit call.
func (b *buffer) Prepare(context.Context, *transaction.Transaction) (transaction.Vote, error) {
	return transaction.VoteCommit, nil
}

func (b *buffer) Commit(context.Context, *transaction.Transaction) error {
	var err error
	for _, e := range b.take() {
		err = multierr.Append(err, b.h.backing.Write(e.ent, e.fields))
	}
	return multierr.Append(err, b.h.backing.Sync())
}

func (b *buffer) Abort(context.Context, *transaction.Transaction) error {
	b.take()
	return nil
}

func (b *buffer) PrepareAndCommit(ctx context.Context, txn *transaction.Transaction) error {
	return b.Commit(ctx, txn)
}
