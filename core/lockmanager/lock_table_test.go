package lockmanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func owner(id uint64, ts int64) Owner {
	return Owner{ID: id, Priority: Priority{Timestamp: ts, TxnID: id}}
}

func newTable(t *testing.T) *LockTable {
	return NewLockTable(WithLogger(zaptest.NewLogger(t)))
}

// acquireAsync starts Acquire in a goroutine and waits until it is queued.
func acquireAsync(t *testing.T, lt *LockTable, ctx context.Context, id objectstore.ObjectID, o Owner) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- lt.Acquire(ctx, id, o) }()
	require.Eventually(t, func() bool {
		for _, w := range lt.Waiters(id) {
			if w.ID == o.ID {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	return done
}

func TestPriority_TotalOrder(t *testing.T) {
	a := Priority{Timestamp: 1, Tiebreaker: 5, TxnID: 9}
	b := Priority{Timestamp: 2, Tiebreaker: 0, TxnID: 1}
	c := Priority{Timestamp: 1, Tiebreaker: 6, TxnID: 1}
	d := Priority{Timestamp: 1, Tiebreaker: 5, TxnID: 10}

	assert.True(t, a.Less(b), "timestamp decides first")
	assert.True(t, a.Less(c), "tiebreaker decides second")
	assert.True(t, a.Less(d), "transaction id decides last")
	assert.False(t, a.Less(a))
	assert.Equal(t, Owner{ID: 2, Priority: b}, youngest([]Owner{{ID: 1, Priority: a}, {ID: 2, Priority: b}, {ID: 3, Priority: c}}))
}

func TestAcquire_FreeAndReentrant(t *testing.T) {
	lt := newTable(t)
	ctx := context.Background()
	a := owner(1, 1)

	require.NoError(t, lt.Acquire(ctx, 10, a))
	require.NoError(t, lt.Acquire(ctx, 10, a))

	h, ok := lt.Holder(10)
	require.True(t, ok)
	require.Equal(t, a, h)
	require.Equal(t, 1, lt.Held(a.ID))
	require.Empty(t, lt.Waiters(10))
}

func TestTryAcquire(t *testing.T) {
	lt := newTable(t)
	a, b := owner(1, 1), owner(2, 2)

	require.True(t, lt.TryAcquire(42, a))
	require.True(t, lt.TryAcquire(42, a))
	require.False(t, lt.TryAcquire(42, b))

	lt.ReleaseAll(a.ID)
	require.True(t, lt.TryAcquire(42, b))
}

func TestReleaseAll_GrantsWaitersInFIFOOrder(t *testing.T) {
	lt := newTable(t)
	ctx := context.Background()
	a, b, c := owner(1, 1), owner(2, 2), owner(3, 3)

	require.NoError(t, lt.Acquire(ctx, 7, a))
	bDone := acquireAsync(t, lt, ctx, 7, b)
	cDone := acquireAsync(t, lt, ctx, 7, c)
	require.Equal(t, []Owner{b, c}, lt.Waiters(7))

	lt.ReleaseAll(a.ID)
	require.NoError(t, <-bDone)
	h, _ := lt.Holder(7)
	require.Equal(t, b, h)
	select {
	case err := <-cDone:
		t.Fatalf("c granted out of order: %v", err)
	default:
	}

	lt.ReleaseAll(b.ID)
	require.NoError(t, <-cDone)
	lt.ReleaseAll(c.ID)

	_, held := lt.Holder(7)
	require.False(t, held)
	require.Zero(t, lt.Held(a.ID))
}

func TestAcquire_TwoWayDeadlockYoungerYields(t *testing.T) {
	lt := newTable(t)
	ctx := context.Background()
	older, younger := owner(1, 100), owner(2, 200)

	require.NoError(t, lt.Acquire(ctx, 1, older))
	require.NoError(t, lt.Acquire(ctx, 2, younger))

	// The older owner waits first; the younger closes the cycle and yields.
	olderDone := acquireAsync(t, lt, ctx, 2, older)
	err := lt.Acquire(ctx, 1, younger)
	require.ErrorIs(t, err, ErrDeadlock)
	var derr *DeadlockError
	require.True(t, errors.As(err, &derr))
	require.Equal(t, younger, derr.Victim)
	require.Equal(t, []uint64{2, 1}, derr.Cycle)

	lt.ReleaseAll(younger.ID)
	require.NoError(t, <-olderDone)
	h, _ := lt.Holder(2)
	require.Equal(t, older, h)
}

func TestAcquire_DeadlockVictimIsWaiter(t *testing.T) {
	lt := newTable(t)
	ctx := context.Background()
	older, younger := owner(1, 100), owner(2, 200)

	require.NoError(t, lt.Acquire(ctx, 1, older))
	require.NoError(t, lt.Acquire(ctx, 2, younger))

	// The younger owner waits first; the older closes the cycle and the
	// waiting younger owner is told to yield instead.
	youngerDone := acquireAsync(t, lt, ctx, 1, younger)
	olderDone := acquireAsync(t, lt, ctx, 2, older)

	err := <-youngerDone
	require.ErrorIs(t, err, ErrDeadlock)
	var derr *DeadlockError
	require.True(t, errors.As(err, &derr))
	require.Equal(t, younger, derr.Victim)
	require.Equal(t, objectstore.ObjectID(1), derr.ObjectID)
	require.Empty(t, lt.Waiters(1))

	lt.ReleaseAll(younger.ID)
	require.NoError(t, <-olderDone)
}

func TestAcquire_ThreeWayDeadlock(t *testing.T) {
	lt := newTable(t)
	ctx := context.Background()
	a, b, c := owner(1, 10), owner(2, 30), owner(3, 20)

	require.NoError(t, lt.Acquire(ctx, 1, a))
	require.NoError(t, lt.Acquire(ctx, 2, b))
	require.NoError(t, lt.Acquire(ctx, 3, c))

	aDone := acquireAsync(t, lt, ctx, 2, a) // a -> b
	bDone := acquireAsync(t, lt, ctx, 3, b) // b -> c
	cDone := acquireAsync(t, lt, ctx, 1, c) // c -> a closes the cycle; b is youngest

	require.ErrorIs(t, <-bDone, ErrDeadlock)
	lt.ReleaseAll(b.ID)
	require.NoError(t, <-aDone)

	lt.ReleaseAll(a.ID)
	require.NoError(t, <-cDone)
}

func TestAcquire_ChainWithoutCycleWaits(t *testing.T) {
	lt := newTable(t)
	ctx := context.Background()
	a, b, c := owner(1, 1), owner(2, 2), owner(3, 3)

	require.NoError(t, lt.Acquire(ctx, 1, a))
	require.NoError(t, lt.Acquire(ctx, 2, b))
	bDone := acquireAsync(t, lt, ctx, 1, b)
	cDone := acquireAsync(t, lt, ctx, 2, c)

	lt.ReleaseAll(a.ID)
	require.NoError(t, <-bDone)
	lt.ReleaseAll(b.ID)
	require.NoError(t, <-cDone)
}

func TestAcquire_ContextCancelAbandonsWait(t *testing.T) {
	lt := newTable(t)
	a, b := owner(1, 1), owner(2, 2)
	require.NoError(t, lt.Acquire(context.Background(), 5, a))

	interrupted := errors.New("interrupted")
	ctx, cancel := context.WithCancelCause(context.Background())
	done := acquireAsync(t, lt, ctx, 5, b)
	cancel(interrupted)

	require.ErrorIs(t, <-done, interrupted)
	require.Empty(t, lt.Waiters(5))

	lt.ReleaseAll(a.ID)
	_, held := lt.Holder(5)
	require.False(t, held)
}

func TestAcquire_CancelledContextDoesNotQueue(t *testing.T) {
	lt := newTable(t)
	a, b := owner(1, 1), owner(2, 2)
	require.NoError(t, lt.Acquire(context.Background(), 5, a))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, lt.Acquire(ctx, 5, b), context.Canceled)
	require.Empty(t, lt.Waiters(5))
}

func TestAcquire_TimeoutCause(t *testing.T) {
	lt := newTable(t)
	a, b := owner(1, 1), owner(2, 2)
	require.NoError(t, lt.Acquire(context.Background(), 5, a))

	timedOut := errors.New("lock wait timed out")
	ctx, cancel := context.WithTimeoutCause(context.Background(), 20*time.Millisecond, timedOut)
	defer cancel()
	require.ErrorIs(t, lt.Acquire(ctx, 5, b), timedOut)
}

func TestReleaseAll_EndsOwnPendingWait(t *testing.T) {
	lt := newTable(t)
	ctx := context.Background()
	a, b := owner(1, 1), owner(2, 2)
	require.NoError(t, lt.Acquire(ctx, 5, a))
	done := acquireAsync(t, lt, ctx, 5, b)

	lt.ReleaseAll(b.ID)
	require.ErrorIs(t, <-done, ErrReleased)
	h, _ := lt.Holder(5)
	require.Equal(t, a, h)
}

func TestRelease_SingleLock(t *testing.T) {
	lt := newTable(t)
	ctx := context.Background()
	a, b := owner(1, 1), owner(2, 2)
	require.NoError(t, lt.Acquire(ctx, 1, a))
	require.NoError(t, lt.Acquire(ctx, 2, a))
	done := acquireAsync(t, lt, ctx, 1, b)

	lt.Release(1, a.ID)
	require.NoError(t, <-done)
	require.Equal(t, 1, lt.Held(a.ID))
	h, _ := lt.Holder(2)
	require.Equal(t, a, h)

	lt.Release(2, b.ID) // not held by b
	h, _ = lt.Holder(2)
	require.Equal(t, a, h)
}
