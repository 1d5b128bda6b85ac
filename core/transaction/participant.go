package transaction

import "context"

// Vote is a participant's answer to Prepare.
type Vote int

const (
	// VoteCommit means the participant is ready and needs a Commit call.
	VoteCommit Vote = iota
	// VoteReadOnly means the participant has nothing to commit; it receives
	// no further call on success.
	VoteReadOnly
	// VoteAbort refuses the commit; every participant is then aborted.
	VoteAbort
)

func (v Vote) String() string {
	switch v {
	case VoteCommit:
		return "commit"
	case VoteReadOnly:
		return "read_only"
	case VoteAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Participant buffers side effects of a transaction and is driven through the
// commit protocol by the transaction that it joined. Participants keep their
// per-transaction state themselves, usually by being created per transaction
// through Transaction.Enlist, and must drop it on both Commit and Abort.
//
// Prepare must not cause irreversible external effects. An error from
// Prepare counts as VoteAbort. Implementations must be comparable.
type Participant interface {
	Prepare(ctx context.Context, txn *Transaction) (Vote, error)
	Commit(ctx context.Context, txn *Transaction) error
	Abort(ctx context.Context, txn *Transaction) error
	// PrepareAndCommit is used instead of Prepare and Commit when the
	// participant is the only one and the transaction wrote no objects. An
	// error aborts the transaction.
	PrepareAndCommit(ctx context.Context, txn *Transaction) error
}

// Named is implemented by participants that want a label in logs and metrics.
type Named interface {
	Name() string
}

func participantName(p Participant) string {
	if n, ok := p.(Named); ok {
		return n.Name()
	}
	return "participant"
}
