package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// timestampLayout is RFC 3339 with a fixed-width fraction. RFC3339Nano
// trims trailing zeros, which breaks the lexicographic ordering of the
// stored strings ("…:00Z" sorts after "…:00.5Z"); padding the fraction
// keeps string order equal to chronological order so SQL range filters
// on timestamp stay correct.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Log is the append-only, hash-chained audit store.
//
// Append serializes the whole allocate → chain → persist cycle behind a
// mutex: two concurrent appends must never read the same tail and both
// chain to it. Readers (Query, Verify, ListBySequenceRange) take no lock
// and see only committed entries — an append is atomic from a reader's
// point of view.
type Log struct {
	mu       sync.Mutex
	db       *sql.DB
	alloc    *sequenceAllocator
	lastHash string // integrity hash of the chain tail; "" when empty

	notify     func(Entry) // optional observer for appended entries
	lastAppend atomic.Int64
}

// Open opens or creates the audit log database at path and recovers the
// chain state (next sequence number and tail hash) so appends continue
// the existing chain after restart.
func Open(path string) (*Log, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	l := &Log{db: db}
	if err := l.recoverChain(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("audit log opened", "path", path, "next_sequence", l.alloc.next)
	return l, nil
}

// Close releases the underlying database.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// Notify registers an observer called with each entry after it has been
// durably appended. Used by the live feed; must not block.
func (l *Log) Notify(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notify = fn
}

// LastAppend returns the wall-clock time of the most recent local append,
// zero if this process has not appended. The tamper monitor uses it to
// tell our own database writes apart from out-of-band ones.
func (l *Log) LastAppend() time.Time {
	ns := l.lastAppend.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Append records an event as the new chain tail and returns the
// completed, immutable entry. The entry is durably stored and visible to
// subsequent reads and appends before Append returns.
//
// Failure semantics: validation and serialization problems are rejected
// before any sequence number is consumed; a storage failure rolls the
// allocation back, so sequence numbers never have gaps. If another
// process appended to the same database concurrently, the whole cycle is
// retried against the new tail.
func (l *Log) Append(ctx context.Context, ev Event) (Entry, error) {
	if err := ev.validate(); err != nil {
		return Entry{}, fmt.Errorf("invalid audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; ; attempt++ {
		seq := l.alloc.allocate()
		e := Entry{
			ID:           uuid.NewString(),
			Sequence:     seq,
			Timestamp:    time.Now().UTC().Format(timestampLayout),
			EventType:    ev.EventType,
			Actor:        ev.Actor,
			ResourceType: ev.ResourceType,
			ResourceID:   ev.ResourceID,
			Action:       ev.Action,
			Details:      ev.Details,
			Success:      ev.Success,
			ErrorMessage: ev.ErrorMessage,
			PreviousHash: l.lastHash,
		}

		canonical, err := canonicalBytes(&e)
		if err != nil {
			l.alloc.release(seq)
			return Entry{}, err
		}
		e.IntegrityHash = computeHash(canonical, e.PreviousHash)

		err = insertEntry(ctx, l.db, &e)
		if err == nil {
			l.lastHash = e.IntegrityHash
			l.lastAppend.Store(time.Now().UnixNano())
			if l.notify != nil {
				l.notify(e)
			}
			return e, nil
		}

		l.alloc.release(seq)
		if isSequenceConflict(err) && attempt < 3 {
			// Another writer (a second process on the same database)
			// appended first. Re-read the tail and chain to it instead.
			if rerr := l.recoverChain(); rerr != nil {
				return Entry{}, fmt.Errorf("%w: resyncing after conflict: %v", ErrWriteFailure, rerr)
			}
			continue
		}
		return Entry{}, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
}

// recoverChain repositions the allocator and tail hash from storage.
// Called under the append mutex (or before the Log escapes Open).
func (l *Log) recoverChain() error {
	alloc, err := recoverAllocator(l.db)
	if err != nil {
		return err
	}
	l.alloc = alloc
	l.lastHash = ""

	if alloc.next > 1 {
		var hash string
		err := l.db.QueryRow(
			`SELECT integrity_hash FROM audit_entries WHERE sequence = ?`,
			alloc.next-1,
		).Scan(&hash)
		if err != nil {
			return fmt.Errorf("recovering chain tail: %w", err)
		}
		l.lastHash = hash
	}
	return nil
}

// ListBySequenceRange returns entries with from <= sequence <= to in
// ascending sequence order — the canonical read order for chain walking.
// to == 0 means "through the current tail"; from == 0 is treated as 1.
func (l *Log) ListBySequenceRange(ctx context.Context, from, to uint64) ([]Entry, error) {
	if from == 0 {
		from = 1
	}

	query := `SELECT ` + entryColumns + ` FROM audit_entries WHERE sequence >= ?`
	args := []any{from}
	if to > 0 {
		query += ` AND sequence <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY sequence ASC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return collectEntries(ctx, rows)
}

// Tail returns the most recent entry (highest sequence), or nil if the
// log is empty.
func (l *Log) Tail(ctx context.Context) (*Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("reading audit tail: %w", err)
	}
	entries, err := collectEntries(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// Recent returns the n most recent entries in ascending sequence order.
func (l *Log) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries ORDER BY sequence DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("reading recent audit entries: %w", err)
	}
	entries, err := collectEntries(ctx, rows)
	if err != nil {
		return nil, err
	}
	// Flip back to ascending sequence order for display.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Follow polls for entries appended after the current tail and invokes
// the callback for each, in sequence order. Blocks until the context is
// cancelled. The CLI uses this for tail -f style output.
func (l *Log) Follow(ctx context.Context, callback func(Entry)) error {
	tail, err := l.Tail(ctx)
	if err != nil {
		return err
	}
	var lastSeq uint64
	if tail != nil {
		lastSeq = tail.Sequence
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			entries, err := l.ListBySequenceRange(ctx, lastSeq+1, 0)
			if err != nil {
				slog.Error("follow: error reading entries", "error", err)
				continue
			}
			for _, e := range entries {
				callback(e)
				lastSeq = e.Sequence
			}
		}
	}
}
