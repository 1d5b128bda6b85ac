package lockmanager

import (
	"errors"
	"fmt"

	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
)

var (
	ErrDeadlock       = errors.New("deadlock")
	ErrAlreadyWaiting = errors.New("owner is already waiting for a lock")
	ErrReleased       = errors.New("owner released its locks while waiting")
)

// DeadlockError is returned to the transaction chosen to break a wait-for
// cycle. It matches ErrDeadlock with errors.Is.
type DeadlockError struct {
	// ObjectID is the object the victim was waiting for or requesting.
	ObjectID objectstore.ObjectID
	Victim   Owner
	// Cycle lists the owner IDs in the cycle, starting with the requester
	// that closed it.
	Cycle []uint64
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock: owner %d yields %s (cycle %v)", e.Victim.ID, e.ObjectID, e.Cycle)
}

func (e *DeadlockError) Is(target error) bool {
	return target == ErrDeadlock
}
