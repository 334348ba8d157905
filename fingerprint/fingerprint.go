// Package fingerprint derives stable 128-bit content identities and the
// token-cost heuristic used for budget admission.
package fingerprint

import (
	"encoding/hex"
	"fmt"

	"github.com/minio/highwayhash"
)

// hashKey is a fixed 32 bytes (as required by HighwayHash) read from
// /dev/random. DO NOT MODIFY this value, as cached entries and warm-tier
// records are keyed by the hashes it produces.
var hashKey, _ = hex.DecodeString("7a9d1f04c3b65e88d20a7c515ef9b360412586dd0c9e447a9b31f8ee25c07d6b")

// Fingerprint identifies one content snapshot. Equal bytes always produce
// an equal Fingerprint across processes and restarts.
type Fingerprint [16]byte

// Sum fingerprints data.
func Sum(data []byte) Fingerprint {
	return highwayhash.Sum128(data, hashKey)
}

// String renders the fingerprint as 32 hex characters.
func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// IsZero reports whether f is the zero value, which no content produces
// in practice and which the runtime treats as "no fingerprint".
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// Parse reads the hex form produced by String.
func Parse(s string) (Fingerprint, error) {
	var f Fingerprint
	var raw, err = hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("parsing fingerprint: %w", err)
	}
	if len(raw) != len(f) {
		return f, fmt.Errorf("parsing fingerprint: got %d bytes, want %d", len(raw), len(f))
	}
	copy(f[:], raw)
	return f, nil
}

// Checksum64 is the short integrity hash appended to warm-tier records.
func Checksum64(data []byte) uint64 {
	return highwayhash.Sum64(data, hashKey)
}

// Tokens estimates the token cost of n bytes of Markdown. The heuristic
// is bytes divided by four, rounded up, matching the admission arithmetic
// used throughout selection.
func Tokens(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}

// Estimate is Tokens applied to a blob.
func Estimate(data []byte) int { return Tokens(len(data)) }
