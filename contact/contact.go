// Package contact provides contact/peer management for mesh nodes.
//
// A ContactInfo represents a known peer with its identity, routing
// information, per-peer AEAD nonce counter, and cached ECDH shared
// secret. The ContactManager stores and manages contacts with bounded
// capacity and favorite-aware eviction.
package contact

import (
	"crypto/ed25519"
	"sync"

	"github.com/rfmesh/meshnode/core"
	"github.com/rfmesh/meshnode/core/crypto"
)

const (
	// MaxNameLen is the maximum contact display name length in bytes.
	MaxNameLen = 31

	// FlagFavorite marks a contact as a favorite. Favorites are never evicted
	// when the contact list is full.
	FlagFavorite = 0x01

	// FlagAeadCapable records that the peer advertised support for the AEAD
	// envelope format. Cleared when repeated AEAD sends go unanswered past
	// the abandon threshold.
	FlagAeadCapable = 0x02

	// PermAdmin grants the peer admin-level access on the CLI surface.
	PermAdmin uint8 = 0x01

	// PathUnknown is the sentinel value for OutPathLen when no direct routing
	// path is known. The contact can only be reached via flood routing.
	PathUnknown int8 = -1
)

// ContactInfo represents a known peer in the mesh network.
type ContactInfo struct {
	// Identity
	ID   core.NodeID // Ed25519 public key (32 bytes)
	Name string      // Display name (up to MaxNameLen bytes)
	Type uint8       // Node type: codec.NodeTypeChat, NodeTypeRepeater, etc.

	// Flags and routing
	Flags       uint8  // FlagFavorite, FlagAeadCapable
	Permissions uint8  // ACL permission byte (PermAdmin etc.)
	OutPathLen  int8   // -1 = unknown (flood only), >=0 = direct path length
	OutPath     []byte // Direct routing path (up to codec.MaxPathSize bytes)

	// Timestamps
	LastAdvertTimestamp uint32 // Peer's clock timestamp from their last ADVERT
	LastMod             uint32 // Our clock time when contact was last modified

	// Location (decimal degrees × 1,000,000)
	GPSLat int32
	GPSLon int32

	// Sync cursor for signed-message retrieval from room servers
	SyncSince uint32

	// AeadNonce is the outgoing per-peer message counter. 0 is reserved
	// as the legacy-envelope sentinel and is skipped on wrap.
	AeadNonce uint16

	// Shared secret cache (lazy ECDH, protected by its own mutex)
	mu                sync.Mutex
	sharedSecret      [32]byte
	sharedSecretValid bool
}

// IsFavorite returns true if the contact is marked as a favorite.
// Favorite contacts are never evicted when the contact list is full.
func (c *ContactInfo) IsFavorite() bool {
	return c.Flags&FlagFavorite != 0
}

// SetFavorite sets or clears the favorite flag.
func (c *ContactInfo) SetFavorite(fav bool) {
	if fav {
		c.Flags |= FlagFavorite
	} else {
		c.Flags &^= FlagFavorite
	}
}

// IsAeadCapable returns true if the peer has advertised AEAD envelope support.
func (c *ContactInfo) IsAeadCapable() bool {
	return c.Flags&FlagAeadCapable != 0
}

// SetAeadCapable sets or clears the AEAD capability flag.
func (c *ContactInfo) SetAeadCapable(capable bool) {
	if capable {
		c.Flags |= FlagAeadCapable
	} else {
		c.Flags &^= FlagAeadCapable
	}
}

// IsAdmin returns true if the contact holds admin permission.
func (c *ContactInfo) IsAdmin() bool {
	return c.Permissions&PermAdmin != 0
}

// HasDirectPath returns true if a direct routing path is known for this contact.
func (c *ContactInfo) HasDirectPath() bool {
	return c.OutPathLen >= 0
}

// GetSharedSecret lazily computes and caches the ECDH shared secret between
// the local node's private key and this contact's public key. Thread-safe.
//
// The secret is computed via X25519 ECDH (Ed25519 keys transposed to X25519)
// and cached for subsequent calls. Use InvalidateSharedSecret to force
// recomputation.
func (c *ContactInfo) GetSharedSecret(localPrivKey ed25519.PrivateKey) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sharedSecretValid {
		return c.sharedSecret[:], nil
	}

	secret, err := crypto.ComputeSharedSecret(localPrivKey, c.ID[:])
	if err != nil {
		return nil, err
	}
	copy(c.sharedSecret[:], secret)
	c.sharedSecretValid = true
	return c.sharedSecret[:], nil
}

// InvalidateSharedSecret marks the cached shared secret as stale,
// forcing recomputation on the next GetSharedSecret call.
func (c *ContactInfo) InvalidateSharedSecret() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sharedSecretValid = false
}
