package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
	"github.com/AbreuRodrigo/reddwarf/core/objectstore/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const testApp = 1

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	p, err := memory.NewProvider(memory.Options{})
	require.NoError(t, err)
	return newManagerWith(t, p, opts...)
}

func newManagerWith(t *testing.T, p objectstore.Provider, opts ...Option) *Manager {
	t.Helper()
	t.Cleanup(func() { _ = p.Close() })
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	m := NewManager(p, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func begin(t *testing.T, m *Manager) *Transaction {
	t.Helper()
	txn, err := m.Begin(context.Background(), testApp)
	require.NoError(t, err)
	return txn
}

func commit(t *testing.T, txn *Transaction) {
	t.Helper()
	out, err := txn.Commit()
	require.NoError(t, err)
	require.Equal(t, TxnStateCommitted, out.State)
}

// seed commits one string object and returns its ID.
func seed(t *testing.T, m *Manager, value, name string) objectstore.ObjectID {
	t.Helper()
	txn := begin(t, m)
	id, err := txn.Create(wrapperspb.String(value), name)
	require.NoError(t, err)
	commit(t, txn)
	return id
}

func peekString(t *testing.T, m *Manager, id objectstore.ObjectID) string {
	t.Helper()
	txn := begin(t, m)
	defer func() { _ = txn.Abort() }()
	obj, err := txn.Peek(id)
	require.NoError(t, err)
	return obj.(*wrapperspb.StringValue).GetValue()
}

// waitForWaiter blocks until the transaction is queued on the object's lock.
func waitForWaiter(t *testing.T, txn *Transaction, id objectstore.ObjectID) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, w := range txn.scope.locks.Waiters(id) {
			if w.ID == txn.ID() {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

// recorder is a participant that records the calls it receives.
type recorder struct {
	name       string
	vote       Vote
	prepareErr error
	commitErr  error
	abortErr   error
	singleErr  error

	mu    sync.Mutex
	calls []string
}

var errRefused = errors.New("refused")

func (r *recorder) Name() string { return r.name }

func (r *recorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Prepare(_ context.Context, _ *Transaction) (Vote, error) {
	r.record("prepare")
	return r.vote, r.prepareErr
}

func (r *recorder) Commit(_ context.Context, _ *Transaction) error {
	r.record("commit")
	return r.commitErr
}

func (r *recorder) Abort(_ context.Context, _ *Transaction) error {
	r.record("abort")
	return r.abortErr
}

func (r *recorder) PrepareAndCommit(_ context.Context, _ *Transaction) error {
	r.record("prepare_and_commit")
	return r.singleErr
}
