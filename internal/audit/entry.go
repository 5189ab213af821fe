package audit

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action is the closed set of operations an audit entry can record.
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionExport  Action = "export"
	ActionDecrypt Action = "decrypt"
)

// valid reports whether a is one of the defined actions.
func (a Action) valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionExport, ActionDecrypt:
		return true
	}
	return false
}

// Known event types. Callers are free to use others; these cover the
// case-management operations casetrace ships with.
const (
	EventCaseCreate     = "case.create"
	EventCaseRead       = "case.read"
	EventCaseUpdate     = "case.update"
	EventCaseDelete     = "case.delete"
	EventEvidenceCreate = "evidence.create"
	EventEvidenceUpdate = "evidence.update"
	EventEvidenceDelete = "evidence.delete"
	EventUserLogin      = "user.login"
	EventUserLogout     = "user.logout"
	EventEncryptDecrypt = "encryption.decrypt"
	EventExportPDF      = "export.pdf"
)

// Sentinel errors for the append-time failure modes. Callers that need to
// distinguish a rejected payload from a storage failure match with
// errors.Is.
var (
	// ErrSerialization means the event's details cannot be canonically
	// encoded. Nothing is persisted and no sequence number is consumed.
	ErrSerialization = errors.New("details not serializable")

	// ErrWriteFailure means the underlying storage rejected the append.
	// The triggering business operation should fail loudly rather than
	// proceed without an audit trail.
	ErrWriteFailure = errors.New("audit write failed")
)

// Event is the caller-supplied portion of an audit record: what happened,
// to which resource, by whom. The store assigns id, sequence, timestamp,
// and the chain hashes at append time.
//
// Details must hold only non-sensitive metadata (field names, lengths,
// counts, flags). Callers are responsible for never passing plaintext of
// fields their domain marks sensitive — the log stores Details verbatim.
type Event struct {
	EventType    string         `json:"event_type"`
	Actor        string         `json:"actor,omitempty"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Action       Action         `json:"action"`
	Details      map[string]any `json:"details,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// validate checks the event before any sequence number is allocated or
// hash computed. Serialization of Details is checked here so a rejected
// payload never consumes a sequence number.
func (ev *Event) validate() error {
	if ev.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if ev.ResourceType == "" {
		return fmt.Errorf("resource_type is required")
	}
	if ev.ResourceID == "" {
		return fmt.Errorf("resource_id is required")
	}
	if !ev.Action.valid() {
		return fmt.Errorf("action %q is not one of create/read/update/delete/export/decrypt", ev.Action)
	}
	if ev.Success && ev.ErrorMessage != "" {
		return fmt.Errorf("error_message is only allowed when success=false")
	}
	if ev.Details != nil {
		if _, err := json.Marshal(ev.Details); err != nil {
			return fmt.Errorf("%w: %v", ErrSerialization, err)
		}
	}
	return nil
}

// Entry is a fully-formed, immutable audit record. Once persisted, no
// field is ever mutated or removed by the application layer.
//
// Sequence is the sole ordering key for chaining and verification.
// Timestamp is informational only — it may collide across entries written
// in the same instant and is never used for chain order.
type Entry struct {
	ID            string         `json:"id"`
	Sequence      uint64         `json:"sequence"`
	Timestamp     string         `json:"timestamp"`
	EventType     string         `json:"event_type"`
	Actor         string         `json:"actor,omitempty"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	Action        Action         `json:"action"`
	Details       map[string]any `json:"details,omitempty"`
	Success       bool           `json:"success"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	IntegrityHash string         `json:"integrity_hash"`
	// PreviousHash is the IntegrityHash of the entry with Sequence-1.
	// Empty exactly when Sequence is the first in the chain.
	PreviousHash string `json:"previous_hash,omitempty"`
}
