package transaction

// TransactionState is the lifecycle state of a Transaction. Committed and
// Aborted are final.
type TransactionState int

const (
	TxnStateActive    TransactionState = iota // Operations are accepted
	TxnStatePreparing                         // Participants are being asked to vote
	TxnStateCommitted                         // Effects are durable and locks released
	TxnStateAborted                           // Effects discarded and locks released
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateActive:
		return "ACTIVE"
	case TxnStatePreparing:
		return "PREPARING"
	case TxnStateCommitted:
		return "COMMITTED"
	case TxnStateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further operation is permitted.
func (s TransactionState) Terminal() bool {
	return s == TxnStateCommitted || s == TxnStateAborted
}

// AbortReason classifies why a transaction ended ABORTED.
type AbortReason int

const (
	AbortNone AbortReason = iota
	AbortExplicit
	AbortDeadlock
	AbortInterrupted
	AbortLockTimeout
	AbortParticipantRefused
	AbortStoreFailure
)

func (r AbortReason) String() string {
	switch r {
	case AbortNone:
		return "none"
	case AbortExplicit:
		return "explicit"
	case AbortDeadlock:
		return "deadlock"
	case AbortInterrupted:
		return "interrupted"
	case AbortLockTimeout:
		return "lock_timeout"
	case AbortParticipantRefused:
		return "participant_refused"
	case AbortStoreFailure:
		return "store_failure"
	default:
		return "unknown"
	}
}

// Retryable reports whether running the same unit of work again in a fresh
// transaction may succeed.
func (r AbortReason) Retryable() bool {
	switch r {
	case AbortDeadlock, AbortInterrupted, AbortLockTimeout:
		return true
	default:
		return false
	}
}

// Outcome is the final result of a transaction.
type Outcome struct {
	State  TransactionState
	Reason AbortReason
}

func (o Outcome) Committed() bool { return o.State == TxnStateCommitted }

func (o Outcome) String() string {
	if o.State == TxnStateAborted {
		return o.State.String() + "(" + o.Reason.String() + ")"
	}
	return o.State.String()
}
