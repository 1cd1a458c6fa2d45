// Package ledger implements the per-artifact, append-only, hash-chained
// custody event log.
//
// Each event is linked to its predecessor by prev_hash and carries a
// self_hash computed over a length-prefixed concatenation of its fields,
// so any mutation of a stored event breaks the chain at that sequence.
package ledger

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/caseward/ecl/pkg/canonicalize"
)

// Kind is the closed set of custody event kinds.
type Kind string

const (
	KindAcquired     Kind = "ACQUIRED"
	KindTransferred  Kind = "TRANSFERRED"
	KindAnalyzed     Kind = "ANALYZED"
	KindAnnotated    Kind = "ANNOTATED"
	KindExported     Kind = "EXPORTED"
	KindSealVerified Kind = "SEAL_VERIFIED"
	KindClosed       Kind = "CLOSED"
)

// ZeroHash is the prev_hash of every genesis event: 32 zero bytes, hex.
var ZeroHash = strings.Repeat("0", 64)

// ValidKind reports whether k belongs to the closed kind set.
func ValidKind(k Kind) bool {
	switch k {
	case KindAcquired, KindTransferred, KindAnalyzed, KindAnnotated,
		KindExported, KindSealVerified, KindClosed:
		return true
	}
	return false
}

// Event is one link in an artifact's custody chain. Events are write-once;
// no code path in this module updates or deletes a persisted event.
type Event struct {
	ArtifactID string         `json:"artifact_id"`
	Seq        uint64         `json:"seq"`
	Kind       Kind           `json:"kind"`
	Actor      string         `json:"actor"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload"`
	PrevHash   string         `json:"prev_hash"`
	SelfHash   string         `json:"self_hash"`
}

// Artifact is the canonical unit of evidence, created exactly once per
// ingest commit and owned by the ledger.
type Artifact struct {
	ArtifactID    string    `json:"artifact_id"`
	CanonicalHash string    `json:"canonical_hash"`
	SecondaryHash string    `json:"secondary_hash"`
	ByteLength    int64     `json:"byte_length"`
	MimeHint      string    `json:"mime_hint,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Sealed        bool      `json:"sealed"`
}

// ComputeSelfHash returns the chain hash of the event:
//
//	SHA-256(len(prev_hash_raw) || prev_hash_raw || len(seq) || seq || ...)
//
// over prev_hash (raw bytes), decimal seq, kind, actor, RFC 3339 nano UTC
// timestamp, and the RFC 8785 canonical JSON of the payload. Timestamps are
// normalized to UTC before hashing so the digest is location-independent.
func ComputeSelfHash(ev *Event) (string, error) {
	prevRaw, err := hex.DecodeString(ev.PrevHash)
	if err != nil {
		return "", err
	}
	payload, err := canonicalize.JCS(ev.Payload)
	if err != nil {
		return "", err
	}
	return canonicalize.LengthPrefixedHex(
		prevRaw,
		[]byte(strconv.FormatUint(ev.Seq, 10)),
		[]byte(ev.Kind),
		[]byte(ev.Actor),
		[]byte(ev.Timestamp.UTC().Format(time.RFC3339Nano)),
		payload,
	), nil
}
