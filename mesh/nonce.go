package mesh

import (
	"encoding/binary"
	"log/slog"
	"math/rand/v2"
)

// BlobStore is the persistence contract the mesh managers require: named
// blobs read and written whole. A missing blob loads as empty, not as an
// error.
type BlobStore interface {
	LoadBlob(name string) ([]byte, error)
	SaveBlob(name string, data []byte) error
}

const (
	// NonceBlobName is the blob key the nonce table persists under.
	NonceBlobName = "nonces"

	// nonceRecordSize is one persisted counter: pub_prefix[4] + counter[2].
	nonceRecordSize = 6

	// DefaultNonceSaveEvery is how many increments a counter accumulates
	// before the table is flushed.
	DefaultNonceSaveEvery = 50

	// DefaultBootBump is added to every loaded counter after an unclean
	// shutdown, covering increments that never reached the store.
	DefaultBootBump = 50

	// Fresh contacts start in this window so low counters from a lost
	// store cannot collide with a peer's replay history.
	nonceInitMin = 1000
	nonceInitMax = 50000
)

// NoncePrefix is the four-byte public key prefix a counter is filed under.
type NoncePrefix [4]byte

// MakeNoncePrefix extracts the table key from a public key.
func MakeNoncePrefix(pub []byte) NoncePrefix {
	var p NoncePrefix
	copy(p[:], pub)
	return p
}

// NonceConfig configures a NonceManager.
type NonceConfig struct {
	Store BlobStore

	// SaveEvery flushes the table after this many increments on any one
	// counter. Default DefaultNonceSaveEvery.
	SaveEvery uint16

	// BootBump is added to every counter on a dirty boot. Default
	// DefaultBootBump.
	BootBump uint16

	// Logger for persistence events. Falls back to slog.Default if nil.
	Logger *slog.Logger
}

type nonceEntry struct {
	counter   uint16
	sinceSave uint16
}

// NonceManager owns the per-peer outgoing message counters for the AEAD
// envelope. Counter zero is the legacy-envelope sentinel: Next never hands
// it out except at the 16-bit wrap, where the caller sends that one message
// in the legacy format and the counter continues from 1.
//
// Counters persist lazily. Flushing on every send would wear flash, so the
// table is written once a counter accumulates SaveEvery increments, and a
// dirty boot bumps every loaded counter past anything that may have been
// used but not saved.
type NonceManager struct {
	cfg     NonceConfig
	log     *slog.Logger
	entries map[NoncePrefix]*nonceEntry
	randInt func(n int) int
}

// NewNonceManager creates an empty nonce table. Call Load to restore
// persisted counters.
func NewNonceManager(cfg NonceConfig) *NonceManager {
	if cfg.SaveEvery == 0 {
		cfg.SaveEvery = DefaultNonceSaveEvery
	}
	if cfg.BootBump == 0 {
		cfg.BootBump = DefaultBootBump
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NonceManager{
		cfg:     cfg,
		log:     logger.WithGroup("nonce"),
		entries: make(map[NoncePrefix]*nonceEntry),
		randInt: rand.IntN,
	}
}

// Load restores counters from the store. With dirtyBoot set, every counter
// is bumped by BootBump; a bump that would wrap instead clamps to 65535,
// which keeps the counter in the rekey window until a new session replaces
// it.
func (m *NonceManager) Load(dirtyBoot bool) error {
	data, err := m.cfg.Store.LoadBlob(NonceBlobName)
	if err != nil {
		return err
	}
	for len(data) >= nonceRecordSize {
		var p NoncePrefix
		copy(p[:], data[0:4])
		counter := binary.LittleEndian.Uint16(data[4:6])
		if dirtyBoot {
			bumped := counter + m.cfg.BootBump
			if bumped < counter {
				bumped = 0xFFFF
			}
			counter = bumped
		}
		m.entries[p] = &nonceEntry{counter: counter}
		data = data[nonceRecordSize:]
	}
	m.log.Debug("nonce table loaded", "entries", len(m.entries), "dirty_boot", dirtyBoot)
	return nil
}

// Next advances and returns the counter for the given public key. A new
// peer starts at a random value so a rebuilt table cannot reuse a nonce an
// old install already spent. The zero return at wrap tells the caller to
// fall back to the legacy envelope for that message.
func (m *NonceManager) Next(pub []byte) uint16 {
	p := MakeNoncePrefix(pub)
	e, ok := m.entries[p]
	if !ok {
		e = &nonceEntry{counter: uint16(nonceInitMin + m.randInt(nonceInitMax-nonceInitMin+1))}
		m.entries[p] = e
	}
	e.counter++
	e.sinceSave++
	if e.sinceSave >= m.cfg.SaveEvery {
		if err := m.Save(); err != nil {
			m.log.Warn("nonce table save failed", "error", err)
		}
	}
	return e.counter
}

// Peek returns the current counter without advancing it.
func (m *NonceManager) Peek(pub []byte) uint16 {
	if e, ok := m.entries[MakeNoncePrefix(pub)]; ok {
		return e.counter
	}
	return 0
}

// Save writes the full table to the store and resets the flush accounting.
func (m *NonceManager) Save() error {
	data := make([]byte, 0, len(m.entries)*nonceRecordSize)
	for p, e := range m.entries {
		data = append(data, p[:]...)
		data = binary.LittleEndian.AppendUint16(data, e.counter)
	}
	if err := m.cfg.Store.SaveBlob(NonceBlobName, data); err != nil {
		return err
	}
	for _, e := range m.entries {
		e.sinceSave = 0
	}
	return nil
}
