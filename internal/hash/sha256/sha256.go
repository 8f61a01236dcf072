// Package sha256 derives repository cache keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher turns a canonical repository URL into a fixed-width hex key.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher { return &Hasher{} }

// Hash implements scan.Hasher. It never fails.
func (*Hasher) Hash(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:]), nil
}
