// Package lockmanager implements the lock table shared by all transactions
// of one application: exclusive object locks, FIFO waiter queues and
// wait-for cycle detection.
package lockmanager

import (
	"context"
	"sync"
	"time"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
	internaltelemetry "github.com/AbreuRodrigo/reddwarf/internal/telemetry"
	"go.uber.org/zap"
)

type waiter struct {
	owner    Owner
	objectID objectstore.ObjectID
	// ch receives nil when the lock is granted, or the reason the wait ended.
	ch chan error
}

type entry struct {
	holder Owner
	queue  []*waiter
}

func (e *entry) remove(w *waiter) {
	for i, q := range e.queue {
		if q == w {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// LockTable maps object IDs to their holder and waiters. An owner waits for
// at most one object at a time, so every owner has at most one outgoing
// wait-for edge and cycle detection is a walk along a single chain.
type LockTable struct {
	mu      sync.Mutex
	entries map[objectstore.ObjectID]*entry
	waiting map[uint64]*waiter
	held    map[uint64]map[objectstore.ObjectID]struct{}

	logger  *zap.Logger
	metrics *internaltelemetry.TxnMetrics
}

type Option func(*LockTable)

func WithLogger(logger *zap.Logger) Option {
	return func(lt *LockTable) {
		if logger != nil {
			lt.logger = logger.Named("locktable")
		}
	}
}

func WithMetrics(m *internaltelemetry.TxnMetrics) Option {
	return func(lt *LockTable) { lt.metrics = m }
}

func NewLockTable(opts ...Option) *LockTable {
	lt := &LockTable{
		entries: make(map[objectstore.ObjectID]*entry),
		waiting: make(map[uint64]*waiter),
		held:    make(map[uint64]map[objectstore.ObjectID]struct{}),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(lt)
	}
	return lt
}

// Acquire blocks until owner holds the lock on id. Acquiring a lock the owner
// already holds returns nil at once. If waiting would close a wait-for cycle
// the youngest owner in the cycle gets a *DeadlockError: either this call
// returns it without waiting, or the victim's pending Acquire does and this
// call keeps waiting.
//
// When ctx ends first the wait is abandoned and the context cause returned.
// If the lock was granted in the same instant the owner stays its holder and
// must still call ReleaseAll.
func (lt *LockTable) Acquire(ctx context.Context, id objectstore.ObjectID, owner Owner) error {
	lt.mu.Lock()
	e, ok := lt.entries[id]
	if !ok {
		lt.grant(id, owner)
		lt.mu.Unlock()
		return nil
	}
	if e.holder.ID == owner.ID {
		lt.mu.Unlock()
		return nil
	}
	if _, ok := lt.waiting[owner.ID]; ok {
		lt.mu.Unlock()
		return ErrAlreadyWaiting
	}
	if ctx.Err() != nil {
		lt.mu.Unlock()
		return context.Cause(ctx)
	}
	if cycle := lt.cycle(owner, e.holder); cycle != nil {
		victim := youngest(cycle)
		derr := &DeadlockError{ObjectID: id, Victim: victim, Cycle: ownerIDs(cycle)}
		lt.metrics.Deadlock(ctx)
		if victim.ID == owner.ID {
			lt.mu.Unlock()
			lt.logger.Warn("deadlock, requester yields",
				zap.Uint64("txn_id", owner.ID), zap.Stringer("object_id", id), zap.Uint64s("cycle", derr.Cycle))
			return derr
		}
		vw := lt.waiting[victim.ID]
		lt.dequeue(vw)
		derr.ObjectID = vw.objectID
		vw.ch <- derr
		lt.logger.Warn("deadlock, waiter yields",
			zap.Uint64("txn_id", victim.ID), zap.Uint64("requester", owner.ID),
			zap.Stringer("object_id", vw.objectID), zap.Uint64s("cycle", derr.Cycle))
	}
	w := &waiter{owner: owner, objectID: id, ch: make(chan error, 1)}
	e.queue = append(e.queue, w)
	lt.waiting[owner.ID] = w
	holder := e.holder.ID
	lt.mu.Unlock()

	lt.logger.Debug("waiting for lock",
		zap.Uint64("txn_id", owner.ID), zap.Stringer("object_id", id), zap.Uint64("holder", holder))
	start := time.Now()
	select {
	case err := <-w.ch:
		lt.metrics.LockWaited(ctx, time.Since(start), err == nil)
		return err
	case <-ctx.Done():
	}

	lt.mu.Lock()
	if lt.waiting[owner.ID] == w {
		lt.dequeue(w)
		lt.mu.Unlock()
		lt.metrics.LockWaited(ctx, time.Since(start), false)
		return context.Cause(ctx)
	}
	lt.mu.Unlock()
	// The wait was already decided; the result is buffered.
	if err := <-w.ch; err != nil {
		lt.metrics.LockWaited(ctx, time.Since(start), false)
		return err
	}
	lt.metrics.LockWaited(ctx, time.Since(start), true)
	return context.Cause(ctx)
}

// TryAcquire takes the lock only if it is free or already held by owner.
func (lt *LockTable) TryAcquire(id objectstore.ObjectID, owner Owner) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	e, ok := lt.entries[id]
	if !ok {
		lt.grant(id, owner)
		return true
	}
	return e.holder.ID == owner.ID
}

// ReleaseAll releases every lock held by the owner and hands each one to the
// first waiter in its queue. A pending wait of the owner ends with ErrReleased.
func (lt *LockTable) ReleaseAll(ownerID uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if w, ok := lt.waiting[ownerID]; ok {
		lt.dequeue(w)
		w.ch <- ErrReleased
	}
	for id := range lt.held[ownerID] {
		lt.handOver(id, ownerID)
	}
	delete(lt.held, ownerID)
}

// Release releases a single lock held by the owner.
func (lt *LockTable) Release(id objectstore.ObjectID, ownerID uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	set, ok := lt.held[ownerID]
	if !ok {
		return
	}
	if _, ok := set[id]; !ok {
		return
	}
	lt.handOver(id, ownerID)
	delete(set, id)
	if len(set) == 0 {
		delete(lt.held, ownerID)
	}
}

// handOver gives the lock on id to its first waiter, or frees it.
func (lt *LockTable) handOver(id objectstore.ObjectID, ownerID uint64) {
	e := lt.entries[id]
	if e == nil || e.holder.ID != ownerID {
		return
	}
	if len(e.queue) == 0 {
		delete(lt.entries, id)
		return
	}
	next := e.queue[0]
	e.queue = e.queue[1:]
	delete(lt.waiting, next.owner.ID)
	e.holder = next.owner
	lt.hold(id, next.owner.ID)
	next.ch <- nil
	lt.logger.Debug("lock handed over",
		zap.Stringer("object_id", id), zap.Uint64("from", ownerID), zap.Uint64("to", next.owner.ID))
}

// Holder returns the current holder of the lock on id.
func (lt *LockTable) Holder(id objectstore.ObjectID) (Owner, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	e, ok := lt.entries[id]
	if !ok {
		return Owner{}, false
	}
	return e.holder, true
}

// Waiters returns the owners queued for id in grant order.
func (lt *LockTable) Waiters(id objectstore.ObjectID) []Owner {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	e, ok := lt.entries[id]
	if !ok {
		return nil
	}
	out := make([]Owner, len(e.queue))
	for i, w := range e.queue {
		out[i] = w.owner
	}
	return out
}

// Held returns the number of locks held by the owner.
func (lt *LockTable) Held(ownerID uint64) int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.held[ownerID])
}

func (lt *LockTable) grant(id objectstore.ObjectID, owner Owner) {
	lt.entries[id] = &entry{holder: owner}
	lt.hold(id, owner.ID)
}

func (lt *LockTable) hold(id objectstore.ObjectID, ownerID uint64) {
	set, ok := lt.held[ownerID]
	if !ok {
		set = make(map[objectstore.ObjectID]struct{})
		lt.held[ownerID] = set
	}
	set[id] = struct{}{}
}

func (lt *LockTable) dequeue(w *waiter) {
	if e, ok := lt.entries[w.objectID]; ok {
		e.remove(w)
	}
	delete(lt.waiting, w.owner.ID)
}

// cycle follows wait-for edges from holder. It returns the owners on the
// cycle, requester first, when the chain leads back to the requester.
func (lt *LockTable) cycle(requester, holder Owner) []Owner {
	members := []Owner{requester}
	seen := map[uint64]bool{requester.ID: true}
	cur := holder
	for {
		if cur.ID == requester.ID {
			return members
		}
		if seen[cur.ID] {
			return nil
		}
		seen[cur.ID] = true
		members = append(members, cur)
		w, ok := lt.waiting[cur.ID]
		if !ok {
			return nil
		}
		next, ok := lt.entries[w.objectID]
		if !ok {
			return nil
		}
		cur = next.holder
	}
}

func ownerIDs(owners []Owner) []uint64 {
	ids := make([]uint64, len(owners))
	for i, o := range owners {
		ids[i] = o.ID
	}
	return ids
}
