package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore/memory"
	"github.com/AbreuRodrigo/reddwarf/core/transaction"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func newManager(t *testing.T) *transaction.Manager {
	t.Helper()
	p, err := memory.NewProvider(memory.Options{})
	require.NoError(t, err)
	m := transaction.NewManager(p)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func begin(t *testing.T, m *transaction.Manager) *transaction.Transaction {
	t.Helper()
	txn, err := m.Begin(context.Background(), 1)
	require.NoError(t, err)
	return txn
}

func newBroker(t *testing.T, channels ...string) *Broker {
	t.Helper()
	b := NewBroker(nil)
	for _, c := range channels {
		require.True(t, b.CreateChannel(c))
	}
	return b
}

func TestOutbox_PublishesOnCommit(t *testing.T) {
	b := newBroker(t, "chat")
	sub, cancel, err := b.Subscribe("chat", 4)
	require.NoError(t, err)
	defer cancel()

	o := New(b, nil)
	m := newManager(t)
	txn := begin(t, m)
	require.NoError(t, o.Send(txn, "chat", []byte("hello")))
	require.NoError(t, o.Send(txn, "chat", []byte("again")))
	require.Empty(t, sub)

	out, err := txn.Commit()
	require.NoError(t, err)
	require.True(t, out.Committed())

	first := <-sub
	require.Equal(t, "hello", string(first.Payload))
	require.Equal(t, txn.ID(), first.TxnID)
	require.Equal(t, "again", string((<-sub).Payload))
}

func TestOutbox_AbortDropsMessages(t *testing.T) {
	b := newBroker(t, "chat")
	sub, cancel, err := b.Subscribe("chat", 4)
	require.NoError(t, err)
	defer cancel()

	o := New(b, nil)
	m := newManager(t)
	txn := begin(t, m)
	require.NoError(t, o.Send(txn, "chat", []byte("hello")))
	require.NoError(t, txn.Abort())
	require.Empty(t, sub)
}

func TestOutbox_UnknownChannelAbortsTransaction(t *testing.T) {
	b := newBroker(t)
	o := New(b, nil)
	m := newManager(t)

	txn := begin(t, m)
	require.NoError(t, o.Send(txn, "nowhere", []byte("x")))
	out, err := txn.Commit()
	require.NoError(t, err)
	require.Equal(t, transaction.AbortParticipantRefused, out.Reason)
}

func TestOutbox_UnknownChannelRefusedInPrepare(t *testing.T) {
	b := newBroker(t, "chat")
	sub, cancel, err := b.Subscribe("chat", 4)
	require.NoError(t, err)
	defer cancel()

	o := New(b, nil)
	m := newManager(t)
	txn := begin(t, m)
	require.NoError(t, o.Send(txn, "chat", []byte("ok")))
	require.NoError(t, o.Send(txn, "nowhere", []byte("x")))
	out, err := txn.Commit()
	require.NoError(t, err)
	require.Equal(t, transaction.AbortParticipantRefused, out.Reason)
	require.Empty(t, sub)
}

func TestOutbox_SendArgsSkipsMalformedInput(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	b := newBroker(t, "chat")
	o := New(b, zap.New(core))
	m := newManager(t)
	txn := begin(t, m)

	require.False(t, o.SendArgs(txn))
	require.False(t, o.SendArgs(txn, "chat"))
	require.False(t, o.SendArgs(txn, 42, "payload"))
	require.False(t, o.SendArgs(txn, "chat", 3.5))
	require.Equal(t, 2, logs.FilterMessage("invalid parameters").Len())
	require.Equal(t, 2, logs.FilterMessage("invalid parameter").Len())
	require.Empty(t, txn.Participants())
	require.Equal(t, transaction.TxnStateActive, txn.State())

	require.True(t, o.SendArgs(txn, "chat", "text"))
	require.True(t, o.SendArgs(txn, "chat", []byte("bytes")))
	out, err := txn.Commit()
	require.NoError(t, err)
	require.True(t, out.Committed())
}

func TestOutbox_SendRejectsEmptyChannel(t *testing.T) {
	o := New(newBroker(t), nil)
	txn := begin(t, newManager(t))
	require.ErrorIs(t, o.Send(txn, "", nil), ErrEmptyChannel)
}

type failingPublisher struct{ *Broker }

func (f *failingPublisher) Publish(context.Context, Message) error {
	return errors.New("link down")
}

func TestOutbox_PublishErrorReportedAfterCommit(t *testing.T) {
	f := &failingPublisher{Broker: newBroker(t, "chat")}
	o := New(f, nil)
	m := newManager(t)
	txn := begin(t, m)
	// A store write forces the two-phase path.
	_, err := txn.Create(wrapperspb.String("x"), "")
	require.NoError(t, err)
	require.NoError(t, o.Send(txn, "chat", []byte("x")))
	out, err := txn.Commit()
	require.ErrorContains(t, err, "link down")
	require.Equal(t, transaction.TxnStateCommitted, out.State)
}
