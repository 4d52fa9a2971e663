// Package checksum computes the SHA-256 digests stamped on archived report
// exports, so every storage backend records objects the same way.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Sum returns the lowercase hex SHA-256 of data
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Hasher accumulates a digest while an object is streamed elsewhere,
// typically as one side of an io.MultiWriter.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns an empty Hasher
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Hex returns the digest of everything written so far
func (h *Hasher) Hex() string {
	return hex.EncodeToString(h.h.Sum(nil))
}
