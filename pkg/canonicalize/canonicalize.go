// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the length-prefixed digest used by the custody chain.
//
// Every hash that must be reproducible across implementations goes through
// this package: ledger payloads, job parameter digests, and the self-hash
// of a ledger event.
package canonicalize

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON form of v: keys sorted by UTF-16
// code units, no insignificant whitespace, shortest-form number rendering.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the canonical form as a string.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes returns the hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Digest returns the hex SHA-256 digest of the canonical JSON form of v.
// Job params_digest and payload digests are computed with this.
func Digest(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// LengthPrefixed returns the SHA-256 over the length-prefixed concatenation
// of parts. Each part is preceded by its byte length as an 8-byte big-endian
// integer, so no arrangement of part boundaries can collide.
func LengthPrefixed(parts ...[]byte) []byte {
	h := sha256.New()
	var lenBuf [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

// LengthPrefixedHex is LengthPrefixed rendered as lowercase hex.
func LengthPrefixedHex(parts ...[]byte) string {
	return hex.EncodeToString(LengthPrefixed(parts...))
}
