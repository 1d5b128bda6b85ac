// Package outbox queues channel messages inside a transaction and publishes
// them only when the transaction commits.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AbreuRodrigo/reddwarf/core/transaction"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrEmptyChannel   = errors.New("channel name is empty")
)

type Message struct {
	Channel string
	Payload []byte
	TxnID   uint64
}

// Publisher delivers committed messages.
type Publisher interface {
	HasChannel(ctx context.Context, channel string) bool
	Publish(ctx context.Context, msg Message) error
}

type Outbox struct {
	pub    Publisher
	logger *zap.Logger
}

func New(pub Publisher, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{pub: pub, logger: logger.Named("outbox")}
}

// Send queues payload for channel on txn.
func (o *Outbox) Send(txn *transaction.Transaction, channel string, payload []byte) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	p, err := txn.Enlist(o, func() transaction.Participant {
		return &pending{o: o}
	})
	if err != nil {
		return err
	}
	p.(*pending).add(Message{
		Channel: channel,
		Payload: append([]byte(nil), payload...),
		TxnID:   txn.ID(),
	})
	return nil
}

// SendArgs is Send for untyped arguments coming from outside the process:
// a channel name followed by a string or []byte payload. Malformed arguments
// are logged and skipped. It reports whether a message was queued.
func (o *Outbox) SendArgs(txn *transaction.Transaction, args ...any) bool {
	if len(args) < 2 {
		o.logger.Warn("invalid parameters", zap.Int("count", len(args)))
		return false
	}
	channel, ok := args[0].(string)
	if !ok {
		o.logger.Warn("invalid parameter", zap.String("channel_type", fmt.Sprintf("%T", args[0])))
		return false
	}
	var payload []byte
	switch v := args[1].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		o.logger.Warn("invalid parameter", zap.String("payload_type", fmt.Sprintf("%T", args[1])))
		return false
	}
	if err := o.Send(txn, channel, payload); err != nil {
		o.logger.Warn("send skipped", zap.Uint64("txn_id", txn.ID()), zap.Error(err))
		return false
	}
	return true
}

// pending is the participant holding one transaction's messages.
type pending struct {
	o *Outbox

	mu   sync.Mutex
	msgs []Message
}

func (p *pending) Name() string { return "outbox" }

func (p *pending) add(msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *pending) take() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.msgs
	p.msgs = nil
	return msgs
}

func (p *pending) check(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.msgs {
		if !p.o.pub.HasChannel(ctx, m.Channel) {
			return fmt.Errorf("%w: %s", ErrUnknownChannel, m.Channel)
		}
	}
	return nil
}

func (p *pending) Prepare(ctx context.Context, _ *transaction.Transaction) (transaction.Vote, error) {
	if err := p.check(ctx); err != nil {
		return transaction.VoteAbort, err
	}
	return transaction.VoteCommit, nil
}

func (p *pending) Commit(ctx context.Context, _ *transaction.Transaction) error {
	var err error
	for _, m := range p.take() {
		err = multierr.Append(err, p.o.pub.Publish(ctx, m))
	}
	return err
}

func (p *pending) Abort(context.Context, *transaction.Transaction) error {
	p.take()
	return nil
}

func (p *pending) PrepareAndCommit(ctx context.Context, txn *transaction.Transaction) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	return p.Commit(ctx, txn)
}
