package audit

import (
	"strings"
	"testing"
)

func TestComputeHash_Deterministic(t *testing.T) {
	canonical := []byte(`{"id":"a","sequence":1}`)
	prev := "sha256:0000000000000000000000000000000000000000000000000000000000000000"

	hash1 := computeHash(canonical, prev)
	hash2 := computeHash(canonical, prev)

	if hash1 != hash2 {
		t.Error("same input should produce the same hash")
	}
	if !strings.HasPrefix(hash1, "sha256:") {
		t.Errorf("hash should start with 'sha256:', got %q", hash1)
	}
}

func TestComputeHash_GenesisSentinel(t *testing.T) {
	canonical := []byte(`{"id":"a"}`)

	// An empty previous hash uses the fixed sentinel, so the first
	// entry's hash is still well-defined and reproducible.
	if computeHash(canonical, "") != computeHash(canonical, genesisHash) {
		t.Error("empty previous hash should hash identically to the sentinel")
	}
	if computeHash(canonical, "") == computeHash(canonical, "sha256:abc") {
		t.Error("different previous hashes should produce different digests")
	}
}

func TestEntryHash_SensitiveToHashedFields(t *testing.T) {
	base := Entry{
		ID:           "11111111-1111-1111-1111-111111111111",
		Sequence:     3,
		Timestamp:    "2026-08-01T10:00:00Z",
		EventType:    EventCaseUpdate,
		Actor:        "attorney-7",
		ResourceType: "case",
		ResourceID:   "case-42",
		Action:       ActionUpdate,
		Details:      map[string]any{"fields_changed": 2},
		Success:      true,
		PreviousHash: "sha256:abc",
	}
	baseHash, err := entryHash(&base)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		modify func(e *Entry)
	}{
		{"id", func(e *Entry) { e.ID = "22222222-2222-2222-2222-222222222222" }},
		{"sequence", func(e *Entry) { e.Sequence = 99 }},
		{"timestamp", func(e *Entry) { e.Timestamp = "2026-12-31T00:00:00Z" }},
		{"event_type", func(e *Entry) { e.EventType = EventCaseDelete }},
		{"actor", func(e *Entry) { e.Actor = "paralegal-2" }},
		{"resource_type", func(e *Entry) { e.ResourceType = "evidence" }},
		{"resource_id", func(e *Entry) { e.ResourceID = "case-43" }},
		{"action", func(e *Entry) { e.Action = ActionDelete }},
		{"details", func(e *Entry) { e.Details = map[string]any{"fields_changed": 3} }},
		{"success", func(e *Entry) { e.Success = false }},
		{"previous_hash", func(e *Entry) { e.PreviousHash = "sha256:xyz" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base // copy
			tt.modify(&modified)
			h, err := entryHash(&modified)
			if err != nil {
				t.Fatal(err)
			}
			if h == baseHash {
				t.Errorf("changing %s should produce a different hash", tt.name)
			}
		})
	}
}

func TestEntryHash_IgnoresVolatileFields(t *testing.T) {
	base := Entry{
		ID:           "11111111-1111-1111-1111-111111111111",
		Sequence:     1,
		Timestamp:    "2026-08-01T10:00:00Z",
		EventType:    EventCaseDelete,
		ResourceType: "case",
		ResourceID:   "case-42",
		Action:       ActionDelete,
		Success:      false,
		ErrorMessage: "constraint violation",
	}
	baseHash, err := entryHash(&base)
	if err != nil {
		t.Fatal(err)
	}

	// error_message and integrity_hash are outside the canonical subset.
	modified := base
	modified.ErrorMessage = "different message"
	modified.IntegrityHash = "sha256:bogus"

	h, err := entryHash(&modified)
	if err != nil {
		t.Fatal(err)
	}
	if h != baseHash {
		t.Error("error_message and integrity_hash must not affect the hash")
	}
}
