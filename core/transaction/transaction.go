// Package transaction implements transactions over the object store: a
// per-transaction working set of peeked and locked object copies, strict
// two-phase locking through the application's lock table, and a two-phase
// commit across the participants that joined the transaction.
//
// A Transaction is used by one goroutine at a time. Interrupt, State, Outcome,
// ID and Handle may be called from any goroutine.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AbreuRodrigo/reddwarf/core/lockmanager"
	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// lockedCopy is the write-intent copy of an object. orig holds the encoded
// state read from the store, nil for objects created by the transaction.
type lockedCopy struct {
	obj       proto.Message
	orig      []byte
	created   bool
	destroyed bool
	name      string
}

// Transaction is the per-caller context of a unit of work. It owns its
// working set and participant list; the lock table only references it by ID.
type Transaction struct {
	mgr    *Manager
	scope  *appScope
	id     uint64
	handle uuid.UUID
	owner  lockmanager.Owner
	logger *zap.Logger

	mu        sync.Mutex
	state     TransactionState
	reason    AbortReason
	finishing bool
	ctx       context.Context
	cancel    context.CancelCauseFunc

	peeked map[objectstore.ObjectID]proto.Message
	locked map[objectstore.ObjectID]*lockedCopy
	// names created by this transaction and reserved in the scope
	names map[string]objectstore.ObjectID
	held  map[objectstore.ObjectID]struct{}

	participants []Participant
	enlisted     map[any]Participant
}

// ID is unique among the transactions of a Manager.
func (t *Transaction) ID() uint64 { return t.id }

// Handle is a globally unique identifier for correlating logs.
func (t *Transaction) Handle() uuid.UUID { return t.handle }

// AppID is the application the transaction is scoped to.
func (t *Transaction) AppID() uint64 { return t.scope.appID }

// Priority is the ordering used to pick deadlock victims.
func (t *Transaction) Priority() lockmanager.Priority { return t.owner.Priority }

// Context is cancelled when the transaction is interrupted or finished.
func (t *Transaction) Context() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}

// Logger carries the transaction's identifying fields.
func (t *Transaction) Logger() *zap.Logger {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logger
}

func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Outcome returns the final outcome, or the current state while unfinished.
func (t *Transaction) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Outcome{State: t.state, Reason: t.reason}
}

// Start fixes the ordering metadata of the transaction and may move it to
// another application. It is only valid before the transaction has touched any
// object. ctx replaces the context given to Begin.
func (t *Transaction) Start(ctx context.Context, appID uint64, ts time.Time, tiebreaker int64) error {
	if err := t.enter(); err != nil {
		return err
	}
	if len(t.held) > 0 || len(t.peeked) > 0 || len(t.locked) > 0 || len(t.participants) > 0 {
		return fmt.Errorf("%w: start after the transaction used objects", ErrInvalidState)
	}
	if appID != t.scope.appID {
		s, err := t.mgr.scope(ctx, appID)
		if err != nil {
			return err
		}
		t.scope = s
	}
	logger := t.mgr.logger.With(zap.Uint64("txn_id", t.id), zap.Stringer("txn_uuid", t.handle), zap.Uint64("app_id", appID))
	t.owner.Priority = lockmanager.Priority{Timestamp: ts.UnixNano(), Tiebreaker: tiebreaker, TxnID: t.id}

	tctx, cancel := context.WithCancelCause(ctx)
	t.mu.Lock()
	if t.ctx.Err() != nil {
		cause := context.Cause(t.ctx)
		t.mu.Unlock()
		cancel(nil)
		return t.abortOnContext(cause)
	}
	old := t.cancel
	t.ctx, t.cancel = tctx, cancel
	t.logger = logger
	t.mu.Unlock()
	old(context.Canceled)
	logger.Debug("transaction started", zap.Stringer("priority", t.owner.Priority))
	return nil
}

// Interrupt asks the transaction to surrender. A pending lock wait ends at
// once; the transaction aborts with AbortInterrupted at its next operation or
// during the wait.
func (t *Transaction) Interrupt() {
	t.mu.Lock()
	logger := t.logger
	active := !t.state.Terminal()
	if active {
		t.cancel(ErrInterrupted)
	}
	t.mu.Unlock()
	if active {
		logger.Info("transaction interrupted")
	}
}

// enter guards every operation: the transaction must be active and not
// interrupted.
func (t *Transaction) enter() error {
	t.mu.Lock()
	state, finishing, ctx := t.state, t.finishing, t.ctx
	t.mu.Unlock()
	if state != TxnStateActive || finishing {
		return fmt.Errorf("%w: transaction is %s", ErrInvalidState, state)
	}
	if ctx.Err() != nil {
		return t.abortOnContext(context.Cause(ctx))
	}
	return nil
}

// abortOnContext aborts after the transaction context ended and returns the
// error for the caller, which always matches ErrDeadlock.
func (t *Transaction) abortOnContext(cause error) error {
	reason := AbortInterrupted
	if errors.Is(cause, ErrLockTimeout) {
		reason = AbortLockTimeout
	}
	_ = t.abortWith(reason)
	if errors.Is(cause, ErrInterrupted) || errors.Is(cause, ErrDeadlock) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrInterrupted, cause)
}

func (t *Transaction) acquire(id objectstore.ObjectID) error {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if timeout := t.mgr.cfg.LockWaitTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrLockTimeout)
		defer cancel()
	}
	t.held[id] = struct{}{}
	err := t.scope.locks.Acquire(ctx, id, t.owner)
	if err == nil {
		return nil
	}
	if errors.Is(err, lockmanager.ErrDeadlock) && !errors.Is(err, ErrInterrupted) && !errors.Is(err, ErrLockTimeout) {
		_ = t.abortWith(AbortDeadlock)
		return fmt.Errorf("lock %s: %w", id, err)
	}
	return fmt.Errorf("lock %s: %w", id, t.abortOnContext(err))
}

func (t *Transaction) read(id objectstore.ObjectID) (proto.Message, []byte, error) {
	data, err := t.scope.store.Read(t.Context(), id)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("read %s: %w", id, err)
	}
	obj, err := objectstore.Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return obj, data, nil
}

// Peek returns a read-only copy of the object without locking it. If the
// transaction already has a copy, that copy is returned. Changes made to a
// peeked copy are never written back.
func (t *Transaction) Peek(id objectstore.ObjectID) (proto.Message, error) {
	if err := t.enter(); err != nil {
		return nil, err
	}
	if c, ok := t.locked[id]; ok {
		if c.destroyed {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return c.obj, nil
	}
	if obj, ok := t.peeked[id]; ok {
		return obj, nil
	}
	obj, _, err := t.read(id)
	if err != nil {
		return nil, err
	}
	t.peeked[id] = obj
	t.logger.Debug("object peeked", zap.Stringer("object_id", id))
	return obj, nil
}

// Lock acquires the write lock on the object and returns the transaction's
// locked copy, blocking while another transaction holds the lock. Repeated
// calls return the same copy. On deadlock, interrupt or lock wait timeout the
// transaction is aborted and the error matches ErrDeadlock.
func (t *Transaction) Lock(id objectstore.ObjectID) (proto.Message, error) {
	if err := t.enter(); err != nil {
		return nil, err
	}
	c, err := t.lockCopy(id)
	if err != nil {
		return nil, err
	}
	return c.obj, nil
}

// Get is Lock.
func (t *Transaction) Get(id objectstore.ObjectID) (proto.Message, error) {
	return t.Lock(id)
}

func (t *Transaction) lockCopy(id objectstore.ObjectID) (*lockedCopy, error) {
	if c, ok := t.locked[id]; ok {
		if c.destroyed {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return c, nil
	}
	if err := t.acquire(id); err != nil {
		return nil, err
	}
	obj, data, err := t.read(id)
	if err != nil {
		return nil, err
	}
	c := &lockedCopy{obj: obj, orig: data}
	t.locked[id] = c
	delete(t.peeked, id)
	t.logger.Debug("object locked", zap.Stringer("object_id", id))
	return c, nil
}

// Create stores a new object under a fresh ID, binding name to it when name
// is not empty. The transaction holds the lock on the new ID.
func (t *Transaction) Create(obj proto.Message, name string) (objectstore.ObjectID, error) {
	if err := t.enter(); err != nil {
		return objectstore.InvalidObjectID, err
	}
	if obj == nil {
		return objectstore.InvalidObjectID, ErrNilObject
	}
	if _, err := objectstore.Encode(obj); err != nil {
		return objectstore.InvalidObjectID, err
	}
	if name != "" {
		if err := t.reserveName(name); err != nil {
			return objectstore.InvalidObjectID, err
		}
	}
	id, err := t.allocate()
	if err != nil {
		if name != "" {
			t.dropName(name)
		}
		return objectstore.InvalidObjectID, err
	}
	t.locked[id] = &lockedCopy{obj: obj, created: true, name: name}
	if name != "" {
		t.names[name] = id
	}
	t.logger.Debug("object created", zap.Stringer("object_id", id), zap.String("name", name))
	return id, nil
}

// allocate returns a fresh ID locked by the transaction. An allocated ID can
// still be taken by a pending CreateWithID or by a stored record, in which
// case another is drawn.
func (t *Transaction) allocate() (objectstore.ObjectID, error) {
	const attempts = 8
	for range attempts {
		id, err := t.scope.store.AllocateID(t.Context())
		if err != nil {
			return objectstore.InvalidObjectID, fmt.Errorf("allocate id: %w", err)
		}
		if !id.Valid() {
			return objectstore.InvalidObjectID, fmt.Errorf("allocate id: %w: %s", objectstore.ErrInvalidID, id)
		}
		if _, mine := t.held[id]; mine {
			continue
		}
		if !t.scope.locks.TryAcquire(id, t.owner) {
			continue
		}
		_, err = t.scope.store.Read(t.Context(), id)
		if errors.Is(err, objectstore.ErrNotFound) {
			t.held[id] = struct{}{}
			return id, nil
		}
		t.scope.locks.Release(id, t.owner.ID)
		if err != nil {
			return objectstore.InvalidObjectID, fmt.Errorf("read %s: %w", id, err)
		}
		t.logger.Warn("allocated id already stored", zap.Stringer("object_id", id))
	}
	return objectstore.InvalidObjectID, ErrDuplicateID
}

// CreateWithID stores a new object under an explicit ID. It returns false
// and changes nothing when the ID is already in use. Destroying an object and
// creating it again under the same ID in one transaction is not allowed.
func (t *Transaction) CreateWithID(id objectstore.ObjectID, obj proto.Message, name string) (bool, error) {
	if err := t.enter(); err != nil {
		return false, err
	}
	if !id.Valid() {
		return false, fmt.Errorf("%w: %s", objectstore.ErrInvalidID, id)
	}
	if obj == nil {
		return false, ErrNilObject
	}
	if _, err := objectstore.Encode(obj); err != nil {
		return false, err
	}
	if c, ok := t.locked[id]; ok {
		if c.destroyed {
			return false, fmt.Errorf("%w: %s was destroyed in this transaction", ErrInvalidState, id)
		}
		return false, nil
	}
	_, wasHeld := t.held[id]
	if !t.scope.locks.TryAcquire(id, t.owner) {
		return false, nil
	}
	t.held[id] = struct{}{}
	release := func() {
		if !wasHeld {
			t.scope.locks.Release(id, t.owner.ID)
			delete(t.held, id)
		}
	}
	if _, err := t.scope.store.Read(t.Context(), id); err == nil {
		release()
		return false, nil
	} else if !errors.Is(err, objectstore.ErrNotFound) {
		release()
		return false, fmt.Errorf("read %s: %w", id, err)
	}
	if name != "" {
		if err := t.reserveName(name); err != nil {
			release()
			return false, err
		}
		t.names[name] = id
	}
	delete(t.peeked, id)
	t.locked[id] = &lockedCopy{obj: obj, created: true, name: name}
	t.logger.Debug("object created", zap.Stringer("object_id", id), zap.String("name", name), zap.Bool("explicit_id", true))
	return true, nil
}

// reserveName fails with ErrDuplicateName when the name is bound in the store
// to an object this transaction does not destroy, or is reserved by another
// live transaction.
func (t *Transaction) reserveName(name string) error {
	if _, ok := t.names[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	bound, err := t.scope.store.ResolveName(t.Context(), name)
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
	case err != nil:
		return fmt.Errorf("resolve %q: %w", name, err)
	default:
		if c, ok := t.locked[bound]; !ok || !c.destroyed {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
	}
	if !t.scope.reserveName(name, t.id) {
		return fmt.Errorf("%w: %q is being created by another transaction", ErrDuplicateName, name)
	}
	return nil
}

func (t *Transaction) dropName(name string) {
	t.scope.releaseNames(map[string]objectstore.ObjectID{name: objectstore.InvalidObjectID}, t.id)
}

// Destroy removes the object when the transaction commits. It takes the
// write lock like Lock does.
func (t *Transaction) Destroy(id objectstore.ObjectID) error {
	if err := t.enter(); err != nil {
		return err
	}
	c, err := t.lockCopy(id)
	if err != nil {
		return err
	}
	c.destroyed = true
	if c.name != "" {
		delete(t.names, c.name)
		t.dropName(c.name)
	}
	t.logger.Debug("object destroyed", zap.Stringer("object_id", id))
	return nil
}

// Lookup resolves a name, including names bound by this transaction's own
// uncommitted creates.
func (t *Transaction) Lookup(name string) (objectstore.ObjectID, error) {
	if err := t.enter(); err != nil {
		return objectstore.InvalidObjectID, err
	}
	if id, ok := t.names[name]; ok {
		return id, nil
	}
	id, err := t.scope.store.ResolveName(t.Context(), name)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return objectstore.InvalidObjectID, fmt.Errorf("name %q: %w", name, ErrNotFound)
		}
		return objectstore.InvalidObjectID, fmt.Errorf("resolve %q: %w", name, err)
	}
	if c, ok := t.locked[id]; ok && c.destroyed {
		return objectstore.InvalidObjectID, fmt.Errorf("name %q: %w", name, ErrNotFound)
	}
	return id, nil
}

// Join registers a participant. Joining the same participant again is a
// no-op.
func (t *Transaction) Join(p Participant) error {
	if err := t.enter(); err != nil {
		return err
	}
	t.join(p)
	return nil
}

func (t *Transaction) join(p Participant) {
	for _, q := range t.participants {
		if q == p {
			return
		}
	}
	t.participants = append(t.participants, p)
	t.mgr.metrics.ParticipantJoined(t.Context(), participantName(p))
	t.logger.Debug("participant joined", zap.String("participant", participantName(p)))
}

// Enlist returns the participant registered under key, creating and joining
// it with newParticipant on first use. Subsystems use it to keep their
// per-transaction buffer owned by the transaction.
func (t *Transaction) Enlist(key any, newParticipant func() Participant) (Participant, error) {
	if err := t.enter(); err != nil {
		return nil, err
	}
	if p, ok := t.enlisted[key]; ok {
		return p, nil
	}
	p := newParticipant()
	t.enlisted[key] = p
	t.join(p)
	return p, nil
}

// Participants returns the joined participants in join order.
func (t *Transaction) Participants() []Participant {
	return append([]Participant(nil), t.participants...)
}

// Abort discards the transaction's changes, releases its locks and aborts
// every participant. Aborting a finished transaction fails with
// ErrInvalidState. Errors returned by participants are combined in the result.
func (t *Transaction) Abort() error {
	if !t.claim(TxnStateActive) {
		return fmt.Errorf("%w: abort of %s transaction", ErrInvalidState, t.State())
	}
	return t.abortClaimed(AbortExplicit)
}

// Commit runs the commit protocol. A refusal by a participant is not an
// error: the returned Outcome is ABORTED with AbortParticipantRefused.
// Committing a finished transaction fails with ErrInvalidState.
func (t *Transaction) Commit() (Outcome, error) {
	if err := t.enter(); err != nil {
		return t.Outcome(), err
	}
	return t.commit()
}
