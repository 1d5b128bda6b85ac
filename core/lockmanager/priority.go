package lockmanager

import "fmt"

// Priority orders transactions for deadlock resolution. Timestamp is compared
// first, then Tiebreaker, then TxnID, which makes the order total as long as
// transaction IDs are unique. The greater Priority is the younger transaction
// and yields when it takes part in a wait-for cycle.
type Priority struct {
	Timestamp  int64
	Tiebreaker int64
	TxnID      uint64
}

// Less reports whether p is older than o.
func (p Priority) Less(o Priority) bool {
	if p.Timestamp != o.Timestamp {
		return p.Timestamp < o.Timestamp
	}
	if p.Tiebreaker != o.Tiebreaker {
		return p.Tiebreaker < o.Tiebreaker
	}
	return p.TxnID < o.TxnID
}

func (p Priority) String() string {
	return fmt.Sprintf("%d/%d/%d", p.Timestamp, p.Tiebreaker, p.TxnID)
}

// Owner is a lock holder or waiter. ID must be unique among live owners.
type Owner struct {
	ID       uint64
	Priority Priority
}

// youngest returns the owner with the greatest priority.
func youngest(owners []Owner) Owner {
	v := owners[0]
	for _, o := range owners[1:] {
		if v.Priority.Less(o.Priority) {
			v = o
		}
	}
	return v
}
