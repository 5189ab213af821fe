package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sqlite "github.com/glebarez/go-sqlite"
)

// schema is the append-only entry table. The application layer never
// issues UPDATE or DELETE against it. The UNIQUE constraint on sequence
// is the mechanical backstop for the chain's total order: if two writers
// ever race to the same tail, the second insert fails and is retried
// against the new tail instead of silently forking the chain.
//
// Secondary indexes serve chain walking (sequence), per-resource audit
// trails, and category filters.
const schema = `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id             TEXT NOT NULL PRIMARY KEY,
		sequence       INTEGER NOT NULL UNIQUE,
		timestamp      TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		actor          TEXT,
		resource_type  TEXT NOT NULL,
		resource_id    TEXT NOT NULL,
		action         TEXT NOT NULL,
		details        TEXT,
		success        INTEGER NOT NULL DEFAULT 1,
		error_message  TEXT,
		integrity_hash TEXT NOT NULL,
		previous_hash  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_resource ON audit_entries(resource_type, resource_id);
	CREATE INDEX IF NOT EXISTS idx_event_type ON audit_entries(event_type);
	CREATE INDEX IF NOT EXISTS idx_timestamp ON audit_entries(timestamp);
`

// entryColumns is the column list shared by every SELECT so scanEntry
// stays in lockstep with it.
const entryColumns = `id, sequence, timestamp, event_type, actor, resource_type, resource_id, action, details, success, error_message, integrity_hash, previous_hash`

// openDB opens (or creates) the SQLite database and ensures the schema
// exists. WAL mode allows readers (queries, verification) to run
// concurrently with the single append writer.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return db, nil
}

// insertEntry persists a fully-formed entry. The single INSERT commits
// atomically: either the complete row is durable or nothing is.
func insertEntry(ctx context.Context, db *sql.DB, e *Entry) error {
	var details any
	if e.Details != nil {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		details = string(data)
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO audit_entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Sequence, e.Timestamp, e.EventType,
		nullable(e.Actor), e.ResourceType, e.ResourceID, string(e.Action),
		details, e.Success, nullable(e.ErrorMessage),
		e.IntegrityHash, nullable(e.PreviousHash),
	)
	return err
}

// sqliteConstraintUnique is the SQLite extended result code for a
// UNIQUE constraint violation (SQLITE_CONSTRAINT_UNIQUE).
const sqliteConstraintUnique = 2067

// isSequenceConflict reports whether an insert failed because another
// writer took the same sequence number (UNIQUE constraint on sequence).
// The driver's typed error carries the result code; the message match
// narrows it to the sequence column and doubles as a fallback for
// untyped errors.
func isSequenceConflict(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code() != sqliteConstraintUnique {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed: audit_entries.sequence")
}

// nullable maps the empty string to NULL so optional columns round-trip
// as absent rather than as "".
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// scanEntry reads one row in entryColumns order.
func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e            Entry
		actor        sql.NullString
		details      sql.NullString
		errorMessage sql.NullString
		previousHash sql.NullString
	)
	err := rows.Scan(
		&e.ID, &e.Sequence, &e.Timestamp, &e.EventType,
		&actor, &e.ResourceType, &e.ResourceID, &e.Action,
		&details, &e.Success, &errorMessage,
		&e.IntegrityHash, &previousHash,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("scanning audit entry: %w", err)
	}
	e.Actor = actor.String
	e.ErrorMessage = errorMessage.String
	e.PreviousHash = previousHash.String
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
			return Entry{}, fmt.Errorf("parsing details of entry %d: %w", e.Sequence, err)
		}
	}
	return e, nil
}

// collectEntries drains a result set into a slice, checking the context
// between rows so long scans stay cancellable.
func collectEntries(ctx context.Context, rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
