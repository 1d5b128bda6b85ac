package txncache

import (
	"context"
	"testing"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore/memory"
	"github.com/AbreuRodrigo/reddwarf/core/transaction"
	"github.com/stretchr/testify/require"
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

func TestCache_ReadYourWritesThenPublish(t *testing.T) {
	c, err := New[string, int]("scores", 16)
	require.NoError(t, err)
	m := newManager(t)

	txn := begin(t, m)
	require.NoError(t, c.Put(txn, "alice", 10))
	v, ok, err := c.Get(txn, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 10, v)

	_, ok = c.Peek("alice")
	require.False(t, ok)

	out, err := txn.Commit()
	require.NoError(t, err)
	require.True(t, out.Committed())

	v, ok = c.Peek("alice")
	require.True(t, ok)
	require.Equal(t, 10, v)
}

func TestCache_AbortDropsWrites(t *testing.T) {
	c, err := New[string, int]("scores", 16)
	require.NoError(t, err)
	m := newManager(t)

	seed := begin(t, m)
	require.NoError(t, c.Put(seed, "bob", 1))
	_, err = seed.Commit()
	require.NoError(t, err)

	txn := begin(t, m)
	require.NoError(t, c.Put(txn, "bob", 2))
	require.NoError(t, c.Remove(txn, "bob"))
	_, ok, err := c.Get(txn, "bob")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, txn.Abort())

	v, ok := c.Peek("bob")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestCache_RemoveCommits(t *testing.T) {
	c, err := New[string, int]("scores", 16)
	require.NoError(t, err)
	m := newManager(t)

	txn := begin(t, m)
	require.NoError(t, c.Put(txn, "carol", 3))
	_, err = txn.Commit()
	require.NoError(t, err)

	txn = begin(t, m)
	require.NoError(t, c.Remove(txn, "carol"))
	_, err = txn.Commit()
	require.NoError(t, err)
	require.Zero(t, c.Len())
}

func TestCache_ReadOnlyVote(t *testing.T) {
	c, err := New[string, int]("scores", 16)
	require.NoError(t, err)
	m := newManager(t)

	txn := begin(t, m)
	_, _, err = c.Get(txn, "nobody")
	require.NoError(t, err)
	parts := txn.Participants()
	require.Len(t, parts, 1)
	vote, err := parts[0].Prepare(context.Background(), txn)
	require.NoError(t, err)
	require.Equal(t, transaction.VoteReadOnly, vote)

	require.NoError(t, c.Put(txn, "nobody", 0))
	vote, err = parts[0].Prepare(context.Background(), txn)
	require.NoError(t, err)
	require.Equal(t, transaction.VoteCommit, vote)
	require.NoError(t, txn.Abort())
}

func TestCache_FinishedTransactionRejected(t *testing.T) {
	c, err := New[string, int]("scores", 16)
	require.NoError(t, err)
	m := newManager(t)

	txn := begin(t, m)
	_, err = txn.Commit()
	require.NoError(t, err)
	require.ErrorIs(t, c.Put(txn, "late", 1), transaction.ErrInvalidState)
}

func TestCache_EvictsCommittedEntries(t *testing.T) {
	c, err := New[int, string]("small", 2)
	require.NoError(t, err)
	m := newManager(t)

	txn := begin(t, m)
	for i := range 3 {
		require.NoError(t, c.Put(txn, i, "v"))
	}
	_, err = txn.Commit()
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())
	_, ok := c.Peek(0)
	require.False(t, ok)
}

func TestNew_RejectsBadSize(t *testing.T) {
	_, err := New[string, int]("bad", 0)
	require.Error(t, err)
}
