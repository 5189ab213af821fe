// Package audit implements the tamper-evident, hash-chained audit log at
// the core of casetrace.
//
// Every case-management operation (CRUD, decrypt, export) is recorded as
// an immutable Entry in an append-only SQLite store. Each entry's
// integrity hash is computed as
//
//	SHA-256(canonical(entry) | previous_hash)
//
// forming a hash chain ordered by a durable sequence number: altering,
// inserting, deleting, or reordering any historical record breaks the
// chain from that point forward and is reported by Verify.
//
// The chain detects accidental or partial tampering — a row edited
// without recomputing every subsequent hash. It does not protect against
// an attacker with full write access who recomputes the whole chain
// consistently.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// genesisHash is the fixed sentinel substituted for the previous hash
// when hashing the first entry in the chain.
const genesisHash = "casetrace:genesis"

// computeHash calculates the integrity hash for an entry given its
// canonical bytes and the previous entry's hash. Pure and deterministic:
// same inputs always produce the same digest, which is the property
// Verify relies on.
//
// Returns a prefixed digest string: "sha256:<hex>".
func computeHash(canonical []byte, previousHash string) string {
	if previousHash == "" {
		previousHash = genesisHash
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte{'|'})
	h.Write([]byte(previousHash))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// entryHash recomputes an entry's integrity hash from its fields and its
// stored previous hash.
func entryHash(e *Entry) (string, error) {
	canonical, err := canonicalBytes(e)
	if err != nil {
		return "", err
	}
	return computeHash(canonical, e.PreviousHash), nil
}
