package transaction

import (
	"errors"
	"fmt"

	"github.com/AbreuRodrigo/reddwarf/core/lockmanager"
	"github.com/AbreuRodrigo/reddwarf/core/objectstore"
)

var (
	ErrDeadlock      = lockmanager.ErrDeadlock
	ErrNotFound      = objectstore.ErrNotFound
	ErrDuplicateName = objectstore.ErrDuplicateName
	ErrDuplicateID   = objectstore.ErrDuplicateID
	ErrInvalidState  = errors.New("transaction is in an invalid state for this operation")
	ErrNilObject     = errors.New("object must not be nil")
	ErrAborted       = errors.New("transaction aborted")
	ErrManagerClosed = errors.New("transaction manager is closed")
	// ErrInterrupted and ErrLockTimeout both match ErrDeadlock.
	ErrInterrupted      = fmt.Errorf("%w: transaction interrupted", ErrDeadlock)
	ErrLockTimeout      = fmt.Errorf("%w: lock wait timed out", ErrDeadlock)
	ErrRetriesExhausted = errors.New("transaction retries exhausted")
)
