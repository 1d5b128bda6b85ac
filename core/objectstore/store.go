// Package objectstore defines the boundary between transactions and the
// durable storage of object records. A Store is a passive keyed store of
// encoded object state plus a name index; it holds no locking logic of its
// own beyond making each WriteBatch atomic with respect to readers.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ObjectID identifies an object record within one application's store.
type ObjectID uint64

// InvalidObjectID is never allocated by a Store.
const InvalidObjectID ObjectID = 0

// MaxObjectID is the largest ID a Store accepts. It fits a signed 64-bit SQL
// column, and allocators stop there instead of wrapping around.
const MaxObjectID ObjectID = math.MaxInt64

// Valid reports whether id lies in [1, MaxObjectID].
func (id ObjectID) Valid() bool {
	return id != InvalidObjectID && id <= MaxObjectID
}

func (id ObjectID) String() string {
	return fmt.Sprintf("oid:%d", uint64(id))
}

var (
	ErrNotFound      = errors.New("object not found")
	ErrNameNotFound  = fmt.Errorf("%w: name not bound", ErrNotFound)
	ErrDuplicateName = errors.New("name already bound to another object")
	ErrDuplicateID   = errors.New("object id already in use")
	ErrClosed        = errors.New("object store is closed")
	ErrInvalidName   = errors.New("object name must not be empty")
	ErrInvalidID     = errors.New("object id out of range")
	ErrIDsExhausted  = errors.New("object ids exhausted")
)

// Write is a single record mutation inside a Batch. A Tombstone write removes
// the record and every name bound to it.
type Write struct {
	ID        ObjectID
	Data      []byte
	Tombstone bool
}

// NameBinding associates a name with an object as part of a Batch.
type NameBinding struct {
	Name string
	ID   ObjectID
}

// Batch is the unit of write-back produced by a committing transaction.
type Batch struct {
	Writes []Write
	Names  []NameBinding
}

// Empty reports whether the batch would change nothing.
func (b Batch) Empty() bool {
	return len(b.Writes) == 0 && len(b.Names) == 0
}

// Store is the storage of one application.
type Store interface {
	// AllocateID returns a fresh ID that has never been returned before and
	// is not used by any stored record.
	AllocateID(ctx context.Context) (ObjectID, error)
	// Read returns the encoded state of the record, or ErrNotFound.
	Read(ctx context.Context, id ObjectID) ([]byte, error)
	// WriteBatch applies every write and name binding, or none of them.
	WriteBatch(ctx context.Context, batch Batch) error
	// BindName binds name to id outside of a batch. It returns false when the
	// name is already bound.
	BindName(ctx context.Context, name string, id ObjectID) (bool, error)
	// ResolveName returns the ID bound to name, or ErrNameNotFound.
	ResolveName(ctx context.Context, name string) (ObjectID, error)
	Close() error
}

// Provider opens the Store of an application. Stores of different
// applications never share IDs or names.
type Provider interface {
	Open(ctx context.Context, appID uint64) (Store, error)
	Close() error
}

// ValidateBatch checks the structural validity of a batch before a backend
// applies it.
func ValidateBatch(batch Batch) error {
	for _, w := range batch.Writes {
		if !w.ID.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidID, w.ID)
		}
	}
	for _, n := range batch.Names {
		if n.Name == "" {
			return ErrInvalidName
		}
		if !n.ID.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidID, n.ID)
		}
	}
	return nil
}
