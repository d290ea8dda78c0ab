package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainRecord    = "lockstep/record/v1"
	DomainStructure = "lockstep/structure/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordID computes the content-addressed ID of an invocation record.
//
// Tensor payloads are excluded: the ID names "which invocation" (session,
// side, phase, node identity, step), not "what it computed". Two records
// with diverging outputs therefore keep stable IDs across re-runs.
func RecordID(session string, side Side, phase Phase, identity string, step int64) (string, error) {
	obj := Attrs{
		"session":  String(session),
		"side":     String(side),
		"phase":    String(phase),
		"identity": String(identity),
		"step":     Int(step),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("RecordID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRecord, canonical), nil
}

// MustRecordID is like RecordID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRecordID(session string, side Side, phase Phase, identity string, step int64) string {
	id, err := RecordID(session, side, phase, identity, step)
	if err != nil {
		panic(err)
	}
	return id
}

// StructureEntry is one (phase, identity) pair in a side's recorded order.
type StructureEntry struct {
	Phase    Phase
	Identity string
}

// StructureHash digests the ordered (phase, identity) sequence of one side.
// Two sides that recorded the same invocations in the same order hash
// equal; a mismatch means the tree walk will need to reorder or will fail.
func StructureHash(entries []StructureEntry) (string, error) {
	list := make(List, len(entries))
	for i, e := range entries {
		list[i] = List{String(e.Phase), String(e.Identity)}
	}
	canonical, err := MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("StructureHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainStructure, canonical), nil
}
