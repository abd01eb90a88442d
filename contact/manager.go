package contact

import (
	"crypto/ed25519"
	"errors"
	"log/slog"
	"sync"

	"github.com/rfmesh/meshnode/core"
)

const (
	// DefaultMaxContacts is the default maximum number of contacts.
	DefaultMaxContacts = 32

	// MaxSearchResults is the maximum number of results returned by
	// SearchByHash. The routing layer addresses peers by a single hash
	// byte, so multiple contacts may collide; at most 4 matches are
	// supported, later ones are unreachable.
	MaxSearchResults = 4
)

var (
	// ErrContactsFull is returned when the contact list is full and no slot
	// could be allocated (overwrite disabled or all contacts are favorites).
	ErrContactsFull = errors.New("contact list full")

	// ErrContactNotFound is returned when a contact lookup fails.
	ErrContactNotFound = errors.New("contact not found")
)

// ManagerConfig configures a ContactManager.
type ManagerConfig struct {
	// MaxContacts is the maximum number of contacts to store.
	// Default: 32 (DefaultMaxContacts).
	MaxContacts int

	// OverwriteWhenFull enables overwriting the oldest non-favorite contact
	// when the list is full. When false, AddContact returns ErrContactsFull.
	OverwriteWhenFull bool

	// Logger for contact management events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// ContactManager is a thread-safe in-memory ContactStore.
type ContactManager struct {
	cfg      ManagerConfig
	log      *slog.Logger
	mu       sync.RWMutex
	contacts []*ContactInfo
	localKey ed25519.PrivateKey

	onContactAdded     func(contact *ContactInfo, isNew bool)
	onContactRemoved   func(id core.NodeID)
	onContactOverwrite func(id core.NodeID)
}

// NewManager creates a ContactManager with the given configuration.
// localPrivKey is this node's Ed25519 private key, used for ECDH shared
// secret computation via GetSharedSecret.
func NewManager(localPrivKey ed25519.PrivateKey, cfg ManagerConfig) *ContactManager {
	if cfg.MaxContacts <= 0 {
		cfg.MaxContacts = DefaultMaxContacts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ContactManager{
		cfg:      cfg,
		log:      logger.WithGroup("contacts"),
		contacts: make([]*ContactInfo, 0, cfg.MaxContacts),
		localKey: localPrivKey,
	}
}

// SetOnContactAdded sets the callback invoked when a contact is added or updated.
// isNew is true for newly added contacts, false for updates.
func (m *ContactManager) SetOnContactAdded(fn func(contact *ContactInfo, isNew bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onContactAdded = fn
}

// SetOnContactRemoved sets the callback invoked when a contact is removed.
func (m *ContactManager) SetOnContactRemoved(fn func(id core.NodeID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onContactRemoved = fn
}

// SetOnContactOverwrite sets the callback invoked before a contact is evicted
// to make room for a new one (when OverwriteWhenFull is true).
func (m *ContactManager) SetOnContactOverwrite(fn func(id core.NodeID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onContactOverwrite = fn
}

// AddContact adds a contact to the manager. If the list is full and
// OverwriteWhenFull is true, the oldest non-favorite contact is evicted.
//
// The contact's shared secret is always invalidated on add, forcing
// recomputation on next access.
//
// Returns a pointer to the stored contact. The caller should not hold
// references to the input ContactInfo after calling AddContact.
func (m *ContactManager) AddContact(c *ContactInfo) (*ContactInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.allocateSlot()
	if stored == nil {
		m.log.Warn("contact list full", "name", c.Name)
		return nil, ErrContactsFull
	}

	copyContactFields(stored, c)
	stored.AeadNonce = c.AeadNonce
	stored.InvalidateSharedSecret()

	if m.onContactAdded != nil {
		m.onContactAdded(stored, true)
	}

	return stored, nil
}

// UpdateContact updates mutable fields of an existing contact identified
// by c.ID. Returns ErrContactNotFound if the contact does not exist.
// The cached shared secret and AEAD nonce counter are preserved.
func (m *ContactManager) UpdateContact(c *ContactInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, stored := range m.contacts {
		if stored.ID == c.ID {
			copyContactFields(stored, c)
			if m.onContactAdded != nil {
				m.onContactAdded(stored, false)
			}
			return nil
		}
	}
	return ErrContactNotFound
}

// RemoveContact removes the contact matching the given public key.
// Returns ErrContactNotFound if no matching contact exists.
func (m *ContactManager) RemoveContact(id core.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, c := range m.contacts {
		if c.ID == id {
			// Compact: shift remaining elements left
			copy(m.contacts[i:], m.contacts[i+1:])
			m.contacts[len(m.contacts)-1] = nil // avoid memory leak
			m.contacts = m.contacts[:len(m.contacts)-1]

			if m.onContactRemoved != nil {
				m.onContactRemoved(id)
			}
			return nil
		}
	}
	return ErrContactNotFound
}

// GetByPubKey returns the contact with the exact public key, or nil if not found.
func (m *ContactManager) GetByPubKey(id core.NodeID) *ContactInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.contacts {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// SearchByHash returns contacts whose public key hash (first byte) matches
// the given hash. Due to hash collisions, up to MaxSearchResults (4) contacts
// may be returned.
func (m *ContactManager) SearchByHash(hash uint8) []*ContactInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*ContactInfo
	for _, c := range m.contacts {
		if c.ID.Hash() == hash {
			results = append(results, c)
			if len(results) >= MaxSearchResults {
				break
			}
		}
	}
	return results
}

// GetSharedSecret finds the contact by public key and returns the cached
// ECDH shared secret, computing it lazily if needed.
func (m *ContactManager) GetSharedSecret(id core.NodeID) ([]byte, error) {
	c := m.GetByPubKey(id)
	if c == nil {
		return nil, ErrContactNotFound
	}
	return c.GetSharedSecret(m.localKey)
}

// Count returns the number of stored contacts.
func (m *ContactManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contacts)
}

// ForEach calls fn for each contact. Return false from fn to stop iteration.
// Holds a read lock for the duration of iteration.
func (m *ContactManager) ForEach(fn func(c *ContactInfo) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.contacts {
		if !fn(c) {
			return
		}
	}
}

// copyContactFields copies the externally mutable fields of src into dst,
// leaving dst's shared-secret cache and nonce counter alone.
func copyContactFields(dst, src *ContactInfo) {
	dst.ID = src.ID
	dst.Name = src.Name
	dst.Type = src.Type
	dst.Flags = src.Flags
	dst.Permissions = src.Permissions
	dst.OutPathLen = src.OutPathLen
	if len(src.OutPath) > 0 {
		dst.OutPath = make([]byte, len(src.OutPath))
		copy(dst.OutPath, src.OutPath)
	} else {
		dst.OutPath = nil
	}
	dst.LastAdvertTimestamp = src.LastAdvertTimestamp
	dst.LastMod = src.LastMod
	dst.GPSLat = src.GPSLat
	dst.GPSLon = src.GPSLon
	dst.SyncSince = src.SyncSince
}

// allocateSlot returns a pointer to an available contact slot.
// If the list is full and OverwriteWhenFull is enabled, evicts the oldest
// non-favorite contact (by LastMod timestamp). Returns nil if no slot is available.
//
// Must be called with m.mu held for writing.
func (m *ContactManager) allocateSlot() *ContactInfo {
	// Case 1: space available
	if len(m.contacts) < m.cfg.MaxContacts {
		c := &ContactInfo{}
		m.contacts = append(m.contacts, c)
		return c
	}

	// Case 2: overwrite oldest non-favorite
	if !m.cfg.OverwriteWhenFull {
		return nil
	}

	oldestIdx := -1
	var oldestMod uint32 = 0xFFFFFFFF

	for i, c := range m.contacts {
		if c.IsFavorite() {
			continue
		}
		if c.LastMod < oldestMod {
			oldestMod = c.LastMod
			oldestIdx = i
		}
	}

	if oldestIdx < 0 {
		// All contacts are favorites
		return nil
	}

	if m.onContactOverwrite != nil {
		m.onContactOverwrite(m.contacts[oldestIdx].ID)
	}

	// Reset the slot
	m.contacts[oldestIdx] = &ContactInfo{}
	return m.contacts[oldestIdx]
}
