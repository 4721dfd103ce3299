// Package sha256 derives stable content digests for record identifiers.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher derives SHA-256 hex digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Key digests the parts joined by a unit separator so ("ab","c") and
// ("a","bc") differ.
func (h *Hasher) Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
