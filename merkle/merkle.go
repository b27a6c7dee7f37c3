// Package merkle builds binary SHA-256 Merkle trees over donation leaf hashes
// and produces/verifies inclusion proofs.
//
// Pairs are combined as SHA256(min(a,b) || max(a,b)), comparing the two
// hashes as big-endian integers, so a proof step's side never affects the
// recomputed root. A trailing unpaired node is promoted to the next level
// unchanged.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyInput is returned when a tree is requested over zero leaves.
	ErrEmptyInput = errors.New("merkle: cannot build tree from zero leaves")
	// ErrLeafNotFound is returned when a proof is requested for a hash that is not a leaf.
	ErrLeafNotFound = errors.New("merkle: leaf not found in tree")
)

// Hash is a 32-byte SHA-256 digest.
type Hash [32]byte

// Hex returns the lowercase hex form without prefix.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText encodes the hash as hex so it round-trips through JSON.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText decodes a hex hash, with or without 0x prefix.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64 character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("merkle: invalid hash hex: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("merkle: hash must be %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Sum hashes arbitrary bytes into a Hash.
func Sum(data []byte) Hash {
	return sha256.Sum256(data)
}

// Combine returns the parent of two nodes. It is symmetric.
func Combine(a, b Hash) Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return sha256.Sum256(buf[:])
}

// Height returns the number of levels of a tree with n leaves: 1 for a
// single leaf, ceil(log2 n)+1 otherwise, and 0 for n <= 0.
func Height(n int) int {
	if n <= 0 {
		return 0
	}
	h := 1
	for n > 1 {
		n = (n + 1) / 2
		h++
	}
	return h
}
