package audit

import (
	"database/sql"
	"fmt"
)

// sequenceAllocator issues the strictly monotonic sequence numbers that
// define chain order. The counter is recovered from MAX(sequence) in the
// store at open time, so it survives process restart; wall-clock
// timestamps play no part in ordering — multiple entries written within
// the same millisecond still get a deterministic total order.
//
// Not safe for concurrent use on its own: the Log's append mutex guards
// every call, because allocation is one step of the read-modify-write
// cycle that must be serialized as a whole.
type sequenceAllocator struct {
	next uint64
}

// recoverAllocator reads the highest persisted sequence number and
// positions the allocator immediately after it. An empty store starts
// the chain at sequence 1.
func recoverAllocator(db *sql.DB) (*sequenceAllocator, error) {
	var max sql.NullInt64
	err := db.QueryRow(`SELECT MAX(sequence) FROM audit_entries`).Scan(&max)
	if err != nil {
		return nil, fmt.Errorf("recovering sequence allocator: %w", err)
	}
	a := &sequenceAllocator{next: 1}
	if max.Valid {
		a.next = uint64(max.Int64) + 1
	}
	return a, nil
}

// allocate returns the next sequence number and advances the counter.
func (a *sequenceAllocator) allocate() uint64 {
	n := a.next
	a.next++
	return n
}

// release returns a sequence number after a failed append so it is not
// burned. Only the most recently allocated number can be released; the
// append mutex guarantees no later allocation happened in between.
func (a *sequenceAllocator) release(n uint64) {
	if n+1 == a.next {
		a.next = n
	}
}
