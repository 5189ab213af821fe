package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// VerifyResult is the outcome of a chain integrity scan. A broken chain
// is a finding, not an error: Verify only returns a non-nil error for
// storage access failures or cancellation.
type VerifyResult struct {
	Valid          bool `json:"valid"`
	EntriesChecked int  `json:"entries_checked"`
	// FirstBreakSequence is the sequence number of the first entry at
	// which tampering was detected. Zero when Valid.
	FirstBreakSequence uint64   `json:"first_break_sequence,omitempty"`
	Errors             []string `json:"errors,omitempty"`
}

// VerifyOptions bounds and tunes a verification scan.
type VerifyOptions struct {
	// From/To bound the scanned sequence range; zero values mean the
	// whole chain. A partial scan seeds its expected previous hash from
	// the entry just before From.
	From uint64
	To   uint64

	// All continues past the first break and collects every finding
	// instead of stopping at the earliest one.
	All bool
}

// verifyBatchSize bounds memory during a scan of a large chain.
const verifyBatchSize = 512

// Verify walks the store in ascending sequence order, recomputes each
// entry's integrity hash, and checks that each stored previous_hash
// matches the actual previous entry's hash. It localizes tampering to
// the first offending sequence number.
//
// Three independent checks per entry:
//
//  1. recomputed hash vs stored integrity_hash — the entry's own
//     content was altered;
//  2. stored previous_hash vs the preceding entry's hash — an entry was
//     inserted, deleted, or reordered;
//  3. sequence contiguity — appends never burn sequence numbers, so a
//     gap is itself evidence of a deleted row.
//
// An empty store (or empty range) is trivially valid. The scan performs
// no writes and stops promptly when ctx is cancelled.
func (l *Log) Verify(ctx context.Context, opts VerifyOptions) (VerifyResult, error) {
	result := VerifyResult{Valid: true}

	expectedPrev := ""
	expectedSeq := opts.From
	if expectedSeq == 0 {
		expectedSeq = 1
	}
	if expectedSeq > 1 {
		// Partial scan: anchor the chain on the entry before the range.
		hash, err := l.hashAt(ctx, expectedSeq-1)
		if err != nil {
			return VerifyResult{}, err
		}
		if hash == "" {
			result.fail(expectedSeq, fmt.Sprintf("entry %d not found, cannot anchor range scan", expectedSeq-1))
			return result, nil
		}
		expectedPrev = hash
	}

	for {
		if err := ctx.Err(); err != nil {
			return VerifyResult{}, err
		}

		entries, err := l.listBatch(ctx, expectedSeq, opts.To, verifyBatchSize)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("verification read failed: %w", err)
		}
		if len(entries) == 0 {
			return result, nil
		}

		for i := range entries {
			e := &entries[i]
			result.EntriesChecked++

			if e.Sequence != expectedSeq {
				result.fail(e.Sequence, fmt.Sprintf(
					"sequence gap: expected %d, found %d (entries deleted?)", expectedSeq, e.Sequence))
				if !opts.All {
					return result, nil
				}
				expectedSeq = e.Sequence
			}

			recomputed, err := entryHash(e)
			if err != nil {
				// Stored details that no longer parse canonically count
				// as tampering, not as a scan failure.
				result.fail(e.Sequence, fmt.Sprintf("entry %d: %v", e.Sequence, err))
				if !opts.All {
					return result, nil
				}
			} else if recomputed != e.IntegrityHash {
				result.fail(e.Sequence, fmt.Sprintf(
					"entry %d: content altered (stored hash %s, recomputed %s)",
					e.Sequence, e.IntegrityHash, recomputed))
				if !opts.All {
					return result, nil
				}
			}

			if e.Sequence == 1 && e.PreviousHash != "" {
				result.fail(e.Sequence, "entry 1: previous_hash must be null for the first entry")
				if !opts.All {
					return result, nil
				}
			} else if e.PreviousHash != expectedPrev {
				result.fail(e.Sequence, fmt.Sprintf(
					"entry %d: chain link broken (stored previous_hash %s, expected %s)",
					e.Sequence, orNull(e.PreviousHash), orNull(expectedPrev)))
				if !opts.All {
					return result, nil
				}
			}

			expectedPrev = e.IntegrityHash
			expectedSeq++
		}

		if opts.To > 0 && expectedSeq > opts.To {
			return result, nil
		}
	}
}

// fail records a finding, keeping the earliest break sequence.
func (r *VerifyResult) fail(seq uint64, msg string) {
	if r.Valid {
		r.Valid = false
		r.FirstBreakSequence = seq
	}
	r.Errors = append(r.Errors, msg)
}

// listBatch returns up to limit entries with sequence >= from (and
// <= to when to > 0) in ascending order. Batching by LIMIT rather than
// by range arithmetic keeps the scan correct across sequence gaps wider
// than one batch.
func (l *Log) listBatch(ctx context.Context, from, to uint64, limit int) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_entries WHERE sequence >= ?`
	args := []any{from}
	if to > 0 {
		query += ` AND sequence <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY sequence ASC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return collectEntries(ctx, rows)
}

// hashAt returns the integrity hash of the entry at seq, or "" if no
// such entry exists.
func (l *Log) hashAt(ctx context.Context, seq uint64) (string, error) {
	var hash string
	err := l.db.QueryRowContext(ctx,
		`SELECT integrity_hash FROM audit_entries WHERE sequence = ?`, seq).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading anchor entry %d: %w", seq, err)
	}
	return hash, nil
}

// orNull renders an empty hash as "null" in findings, matching how the
// column is stored.
func orNull(hash string) string {
	if hash == "" {
		return "null"
	}
	return hash
}
