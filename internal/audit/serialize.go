package audit

import (
	"encoding/json"
	"fmt"
)

// canonicalEntry fixes the exact field list and key order used for
// hashing. Struct declaration order is the canonical order — the encoder
// emits struct fields in declaration order and sorts map keys, so two
// logically equal entries always produce identical bytes regardless of
// how the caller built its Details map.
//
// Volatile fields are deliberately absent: error_message, the hashes
// themselves, and anything environmental (network address, client agent)
// that would make hash equality irreproducible or leak infrastructure
// metadata into compliance exports.
//
// No omitempty — absent values encode as "" / null so the byte shape of
// the canonical form never depends on which optional fields were set.
type canonicalEntry struct {
	ID           string         `json:"id"`
	Sequence     uint64         `json:"sequence"`
	Timestamp    string         `json:"timestamp"`
	EventType    string         `json:"event_type"`
	Actor        string         `json:"actor"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Action       Action         `json:"action"`
	Details      map[string]any `json:"details"`
	Success      bool           `json:"success"`
}

// canonicalBytes serializes the hashed subset of an entry into its
// canonical UTF-8 JSON form. Returns ErrSerialization (wrapped) if the
// details map holds values that cannot be encoded.
func canonicalBytes(e *Entry) ([]byte, error) {
	data, err := json.Marshal(canonicalEntry{
		ID:           e.ID,
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp,
		EventType:    e.EventType,
		Actor:        e.Actor,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Action:       e.Action,
		Details:      e.Details,
		Success:      e.Success,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}
