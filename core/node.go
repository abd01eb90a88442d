package core

import (
	"encoding/hex"
	"fmt"
)

// NodeID is a node's 32-byte Ed25519 public key, which doubles as its
// mesh identity.
type NodeID [32]byte

// String returns the hex-encoded public key.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Hash returns the first byte of the public key. Packets carry this
// single byte per hop in their path, and addressed payloads use it as
// the dest/src hash.
func (n NodeID) Hash() uint8 {
	return n[0]
}

// HashBytes returns the leading size bytes of the public key, for path
// entries wider than one byte.
func (n NodeID) HashBytes(size int) []byte {
	if size < 1 || size > len(n) {
		return nil
	}
	return n[:size]
}

// Bytes returns the key as a byte slice.
func (n NodeID) Bytes() []byte {
	return n[:]
}

// IsZero reports whether the ID is all zeros (uninitialized).
func (n NodeID) IsZero() bool {
	for _, b := range n {
		if b != 0 {
			return false
		}
	}
	return true
}

// IsHashMatch reports whether the first len(hash) bytes of the public
// key equal hash. Hash width varies: routing paths usually carry one
// byte, TRACE auth and CONTROL filters may carry more.
func (n NodeID) IsHashMatch(hash []byte) bool {
	if len(hash) == 0 || len(hash) > len(n) {
		return false
	}
	for i, b := range hash {
		if n[i] != b {
			return false
		}
	}
	return true
}

// ParseNodeID parses a hex-encoded string into a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	bytes, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid hex string: %w", err)
	}
	if len(bytes) != 32 {
		return id, fmt.Errorf("invalid length: expected 32 bytes, got %d", len(bytes))
	}
	copy(id[:], bytes)
	return id, nil
}
