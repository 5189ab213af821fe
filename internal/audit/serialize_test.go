package audit

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestCanonicalBytes_DetailsKeyOrderIndependent(t *testing.T) {
	// Two maps with the same content, built in different insertion
	// orders, must serialize identically.
	d1 := map[string]any{}
	d1["title_length"] = 42
	d1["case_type"] = "civil"
	d1["attachments"] = 3

	d2 := map[string]any{}
	d2["attachments"] = 3
	d2["case_type"] = "civil"
	d2["title_length"] = 42

	e1 := Entry{ID: "x", Sequence: 1, EventType: EventCaseCreate, ResourceType: "case", ResourceID: "c1", Action: ActionCreate, Success: true, Details: d1}
	e2 := e1
	e2.Details = d2

	b1, err := canonicalBytes(&e1)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := canonicalBytes(&e2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1, b2) {
		t.Errorf("canonical bytes differ:\n%s\n%s", b1, b2)
	}
}

func TestCanonicalBytes_FixedFieldOrder(t *testing.T) {
	e := Entry{
		ID:           "id-1",
		Sequence:     7,
		Timestamp:    "2026-08-01T10:00:00Z",
		EventType:    EventEncryptDecrypt,
		Actor:        "attorney-7",
		ResourceType: "case_field",
		ResourceID:   "cf-9",
		Action:       ActionDecrypt,
		Success:      true,
	}
	b, err := canonicalBytes(&e)
	if err != nil {
		t.Fatal(err)
	}

	s := string(b)
	fields := []string{`"id"`, `"sequence"`, `"timestamp"`, `"event_type"`, `"actor"`, `"resource_type"`, `"resource_id"`, `"action"`, `"details"`, `"success"`}
	last := -1
	for _, f := range fields {
		i := strings.Index(s, f)
		if i < 0 {
			t.Fatalf("canonical form missing field %s: %s", f, s)
		}
		if i < last {
			t.Errorf("field %s out of canonical order: %s", f, s)
		}
		last = i
	}

	if strings.Contains(s, "error_message") {
		t.Error("error_message must not be part of the canonical form")
	}
	if strings.Contains(s, "integrity_hash") || strings.Contains(s, "previous_hash") {
		t.Error("hashes must not be part of the canonical form")
	}
}

func TestCanonicalBytes_UnserializableDetails(t *testing.T) {
	e := Entry{
		ID: "x", Sequence: 1, EventType: EventCaseCreate,
		ResourceType: "case", ResourceID: "c1", Action: ActionCreate,
		Details: map[string]any{"bad": make(chan int)},
	}
	_, err := canonicalBytes(&e)
	if err == nil {
		t.Fatal("expected error for unserializable details")
	}
	if !errors.Is(err, ErrSerialization) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}
}
