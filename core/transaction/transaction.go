package transaction

import (
	"time"
)

// State is the lifecycle position of a transaction.
type State int

const (
	StateActive    State = iota // Operations may be issued
	StateCommitted              // Writes are visible to later snapshots
	StateAborted                // Writes were discarded
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// pendingWrite is what a transaction has done to one user key so far.
type pendingWrite struct {
	// prior is the cell key of the committed version visible at the
	// snapshot. Commit closes it; nothing on disk changes before that.
	prior []byte
	// own is set while the transaction's pending version cell exists.
	own     bool
	deleted bool
}

// Transaction is a snapshot plus the writes made under it. A Transaction must
// be used by one goroutine at a time.
type Transaction struct {
	// ID doubles as the snapshot timestamp and as the creator field of
	// every version this transaction writes.
	ID       uint64
	StartTS  uint64
	CommitTS uint64

	state  State
	writes map[uint64]*pendingWrite
	began  time.Time
}

func newTransaction(ts uint64) *Transaction {
	return &Transaction{
		ID:      ts,
		StartTS: ts,
		state:   StateActive,
		writes:  make(map[uint64]*pendingWrite),
		began:   time.Now(),
	}
}

// State returns the current lifecycle state.
func (t *Transaction) State() State { return t.state }

// WriteSet returns the user keys this transaction has written.
func (t *Transaction) WriteSet() []uint64 {
	keys := make([]uint64, 0, len(t.writes))
	for k := range t.writes {
		keys = append(keys, k)
	}
	return keys
}

// pick chooses the version of one user key this transaction sees, given all
// version cells of that key.
func (t *Transaction) pick(key uint64, versions []version) (version, bool) {
	if w, ok := t.writes[key]; ok {
		if w.deleted || !w.own {
			return version{}, false
		}
		for _, v := range versions {
			if v.creator == t.ID && v.pending {
				return v, true
			}
		}
		return version{}, false
	}
	var (
		best  version
		found bool
	)
	for _, v := range versions {
		if v.visibleAt(t.StartTS) && (!found || v.start > best.start) {
			best, found = v, true
		}
	}
	return best, found
}
