package audit

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// openTestLog opens a fresh log in a temp directory and closes it when
// the test ends.
func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("opening test log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// caseEvent builds a valid event for tests.
func caseEvent(eventType string, action Action) Event {
	return Event{
		EventType:    eventType,
		Actor:        "attorney-7",
		ResourceType: "case",
		ResourceID:   "case-42",
		Action:       action,
		Success:      true,
	}
}

func TestAppend_Scenario(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	a, err := l.Append(ctx, caseEvent(EventCaseCreate, ActionCreate))
	if err != nil {
		t.Fatalf("append A: %v", err)
	}
	b, err := l.Append(ctx, caseEvent(EventCaseUpdate, ActionUpdate))
	if err != nil {
		t.Fatalf("append B: %v", err)
	}
	cEv := caseEvent(EventCaseDelete, ActionDelete)
	cEv.Success = false
	cEv.ErrorMessage = "constraint violation"
	c, err := l.Append(ctx, cEv)
	if err != nil {
		t.Fatalf("append C: %v", err)
	}

	entries, err := l.ListBySequenceRange(ctx, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []Entry{a, b, c} {
		if entries[i].ID != want.ID {
			t.Errorf("entry %d: expected id %s, got %s", i+1, want.ID, entries[i].ID)
		}
	}

	if a.Sequence != 1 || b.Sequence != 2 || c.Sequence != 3 {
		t.Errorf("sequences should be 1,2,3; got %d,%d,%d", a.Sequence, b.Sequence, c.Sequence)
	}
	if a.PreviousHash != "" {
		t.Errorf("first entry must have null previous hash, got %q", a.PreviousHash)
	}
	if b.PreviousHash != a.IntegrityHash {
		t.Error("B.previousHash should equal A.integrityHash")
	}
	if c.PreviousHash != b.IntegrityHash {
		t.Error("C.previousHash should equal B.integrityHash")
	}

	result, err := l.Verify(ctx, VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid {
		t.Errorf("fresh chain should verify: %v", result.Errors)
	}
	if result.EntriesChecked != 3 {
		t.Errorf("expected 3 entries checked, got %d", result.EntriesChecked)
	}
}

func TestAppend_Validation(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		modify func(ev *Event)
	}{
		{"missing event type", func(ev *Event) { ev.EventType = "" }},
		{"missing resource type", func(ev *Event) { ev.ResourceType = "" }},
		{"missing resource id", func(ev *Event) { ev.ResourceID = "" }},
		{"unknown action", func(ev *Event) { ev.Action = "destroy" }},
		{"error message on success", func(ev *Event) { ev.ErrorMessage = "boom" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := caseEvent(EventCaseCreate, ActionCreate)
			tt.modify(&ev)
			if _, err := l.Append(ctx, ev); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestAppend_RejectedEventBurnsNoSequence(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	if _, err := l.Append(ctx, caseEvent(EventCaseCreate, ActionCreate)); err != nil {
		t.Fatal(err)
	}

	bad := caseEvent(EventCaseUpdate, ActionUpdate)
	bad.Details = map[string]any{"bad": make(chan int)}
	_, err := l.Append(ctx, bad)
	if err == nil {
		t.Fatal("expected serialization error")
	}
	if !errors.Is(err, ErrSerialization) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}

	// The failed append must not consume sequence 2.
	e, err := l.Append(ctx, caseEvent(EventCaseUpdate, ActionUpdate))
	if err != nil {
		t.Fatal(err)
	}
	if e.Sequence != 2 {
		t.Errorf("expected sequence 2 after rejected append, got %d", e.Sequence)
	}

	result, err := l.Verify(ctx, VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid {
		t.Errorf("chain should be valid: %v", result.Errors)
	}
}

func TestAppend_ChainContinuesAfterReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")
	ctx := context.Background()

	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	first, err := l.Append(ctx, caseEvent(EventCaseCreate, ActionCreate))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	second, err := reopened.Append(ctx, caseEvent(EventCaseUpdate, ActionUpdate))
	if err != nil {
		t.Fatal(err)
	}
	if second.Sequence != first.Sequence+1 {
		t.Errorf("sequence should continue after reopen: %d then %d", first.Sequence, second.Sequence)
	}
	if second.PreviousHash != first.IntegrityHash {
		t.Error("chain should continue from the persisted tail after reopen")
	}

	result, err := reopened.Verify(ctx, VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid {
		t.Errorf("chain should verify after reopen: %v", result.Errors)
	}
}

func TestAppend_Concurrent(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, caseEvent(EventEvidenceCreate, ActionCreate))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append failed: %v", err)
		}
	}

	entries, err := l.ListBySequenceRange(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != n {
		t.Fatalf("expected %d entries, got %d", n, len(entries))
	}

	// Sequences must be exactly 1..n, no gaps or duplicates, and the
	// chain must link cleanly.
	for i, e := range entries {
		if e.Sequence != uint64(i+1) {
			t.Errorf("entry %d has sequence %d", i, e.Sequence)
		}
		if i > 0 && e.PreviousHash != entries[i-1].IntegrityHash {
			t.Errorf("entry %d does not chain to its predecessor", e.Sequence)
		}
	}

	result, err := l.Verify(ctx, VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid {
		t.Errorf("chain should verify after concurrent appends: %v", result.Errors)
	}
}

func TestAppend_RetriesAfterExternalWriter(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	first, err := l.Append(ctx, caseEvent(EventCaseCreate, ActionCreate))
	if err != nil {
		t.Fatal(err)
	}

	// A second process appends to the same database. This process's
	// allocator still believes the tail is sequence 1, so its next
	// append collides on the UNIQUE sequence constraint and must retry
	// against the new tail.
	external := "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	tamper(t, l, `INSERT INTO audit_entries
		(id, sequence, timestamp, event_type, resource_type, resource_id, action, success, integrity_hash, previous_hash)
		VALUES (?, 2, ?, ?, 'case', 'case-42', 'update', 1, ?, ?)`,
		"external-writer", time.Now().UTC().Format(timestampLayout),
		EventCaseUpdate, external, first.IntegrityHash)

	e, err := l.Append(ctx, caseEvent(EventCaseUpdate, ActionUpdate))
	if err != nil {
		t.Fatalf("append should retry past the sequence conflict: %v", err)
	}
	if e.Sequence != 3 {
		t.Errorf("expected sequence 3 after conflict retry, got %d", e.Sequence)
	}
	if e.PreviousHash != external {
		t.Error("retried append should chain to the external writer's tail")
	}
}

func TestIsSequenceConflict(t *testing.T) {
	if isSequenceConflict(nil) {
		t.Error("nil is not a conflict")
	}
	if isSequenceConflict(errors.New("disk I/O error")) {
		t.Error("unrelated errors are not conflicts")
	}
	if !isSequenceConflict(errors.New("constraint failed: UNIQUE constraint failed: audit_entries.sequence (2067)")) {
		t.Error("untyped UNIQUE sequence errors should still be recognized")
	}
}

func TestAppend_TimestampFixedWidth(t *testing.T) {
	l := openTestLog(t)

	e, err := l.Append(context.Background(), caseEvent(EventCaseCreate, ActionCreate))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := time.Parse(timestampLayout, e.Timestamp); err != nil {
		t.Errorf("timestamp %q does not match the stored layout: %v", e.Timestamp, err)
	}
	if len(e.Timestamp) != len("2006-01-02T15:04:05.000000000Z") {
		t.Errorf("timestamp should carry a fixed-width fraction, got %q", e.Timestamp)
	}
}

func TestAppend_DetailsHoldOnlyMetadata(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	// The caller logs metadata about a sensitive description, never the
	// plaintext itself.
	const sensitive = "client admitted liability in the accident"
	ev := caseEvent(EventCaseCreate, ActionCreate)
	ev.Details = map[string]any{
		"case_type":          "civil",
		"description_length": len(sensitive),
		"encrypted_fields":   []string{"description"},
	}
	if _, err := l.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}

	entries, err := l.ListByResource(ctx, "case", "case-42")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	raw, err := canonicalBytes(&entries[0])
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), sensitive) {
		t.Error("persisted entry must never contain the sensitive plaintext")
	}
	if entries[0].Details["description_length"] != float64(len(sensitive)) {
		t.Errorf("metadata should round-trip: %v", entries[0].Details)
	}
}

func TestTail(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	tail, err := l.Tail(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tail != nil {
		t.Errorf("empty log should have nil tail, got %+v", tail)
	}

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, caseEvent(EventCaseUpdate, ActionUpdate)); err != nil {
			t.Fatal(err)
		}
	}

	tail, err = l.Tail(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tail == nil || tail.Sequence != 3 {
		t.Errorf("tail should be sequence 3, got %+v", tail)
	}
}

func TestRecent(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, caseEvent(EventCaseUpdate, ActionUpdate)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := l.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Sequence != 4 || entries[1].Sequence != 5 {
		t.Errorf("recent entries should be 4,5 ascending; got %d,%d",
			entries[0].Sequence, entries[1].Sequence)
	}
}

func TestNotify(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	var seen []uint64
	l.Notify(func(e Entry) { seen = append(seen, e.Sequence) })

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, caseEvent(EventCaseUpdate, ActionUpdate)); err != nil {
			t.Fatal(err)
		}
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("observer should see every appended entry in order, got %v", seen)
	}
}
