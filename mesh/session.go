package mesh

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/rfmesh/meshnode/contact"
	"github.com/rfmesh/meshnode/core/crypto"
)

// SessionState is the per-peer key negotiation state.
type SessionState uint8

const (
	// SessionNone means no session key exists; the static ECDH secret
	// protects traffic.
	SessionNone SessionState = iota

	// SessionInitSent means we initiated a handshake and are waiting for
	// the peer's accept. Any prior session key remains usable for receive.
	SessionInitSent

	// SessionDualDecode means the peer initiated and we hold both the new
	// key and the previous one, until the first inbound message proves the
	// peer switched over.
	SessionDualDecode

	// SessionActive means both sides converged on the session key.
	SessionActive
)

const (
	// SessionBlobName is the blob key session records persist under.
	SessionBlobName = "sessions"

	// MaxSessionsRAM bounds the in-memory session pool.
	MaxSessionsRAM = 8

	// MaxSessionsFlash bounds the persisted session file.
	MaxSessionsFlash = 48

	// StaleThreshold is the unanswered-send count past which outgoing
	// traffic stops using the session key and falls back to the static
	// AEAD envelope.
	StaleThreshold = 50

	// EcbFallbackThreshold is the unanswered-send count past which
	// outgoing traffic falls all the way back to the legacy envelope.
	EcbFallbackThreshold = 100

	// AbandonThreshold is the unanswered-send count at which the session
	// entry is dropped and the peer's AEAD capability flag is cleared.
	AbandonThreshold = 255

	// RekeyNonceHigh is the session nonce past which rotation begins.
	RekeyNonceHigh = 60000

	// DefaultHandshakeTimeout is how long an initiated handshake waits for
	// the peer's accept before retrying.
	DefaultHandshakeTimeout = 3 * time.Minute

	// DefaultHandshakeRetries is how many sends, the first included, an
	// unanswered handshake gets before the attempt is cleared.
	DefaultHandshakeRetries = 3
)

// Rekey cadence by hop count. Direct neighbors rotate often; distant peers
// pay more airtime per handshake, so they rotate less.
const (
	rekeySessionDirect = 100
	rekeySessionRelay  = 300
	rekeyStaticDirect  = 100
	rekeyStaticNear    = 500
	rekeyStaticFar     = 1000
)

const sessionFlagPrevValid = 0x01

var (
	// ErrHandshakeInFlight is returned by Initiate while a previous
	// handshake with the same peer is still pending.
	ErrHandshakeInFlight = errors.New("session handshake already in flight")

	// ErrNoHandshake is returned by HandleAccept when no matching
	// handshake was initiated.
	ErrNoHandshake = errors.New("no session handshake in flight")
)

type sessionEntry struct {
	prefix    NoncePrefix
	state     SessionState
	nonce     uint16
	key       [32]byte
	prev      [32]byte
	prevValid bool

	// sendsSinceLastRecv saturates at 255 and drives the fallback ladder.
	sendsSinceLastRecv uint8

	// Ephemeral handshake state, never persisted.
	ephPriv  [32]byte
	ephPub   [32]byte
	deadline time.Time
	retries  int

	lastUsed time.Time
	dirty    bool
}

type sessionRecord struct {
	flags     uint8
	nonce     uint16
	key       [32]byte
	prev      [32]byte
	prevValid bool
}

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	Store      BlobStore
	PrivateKey ed25519.PrivateKey

	// HandshakeTimeout per attempt. Default DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// MaxRetries before a pending handshake is cleared. Default
	// DefaultHandshakeRetries.
	MaxRetries int

	// Logger for session events. Falls back to slog.Default if nil.
	Logger *slog.Logger
}

// SessionManager negotiates and stores per-peer session keys layered over
// the static ECDH secret. It satisfies the engine's PeerDecryptor contract,
// trying the session key, then the previous key while the peer may still be
// mid-switch, then the static secret.
//
// A small RAM pool fronts a larger persisted file. Cache misses fault
// records in; evictions are least-recently-used but skip entries holding
// unpersistable handshake state.
type SessionManager struct {
	cfg     SessionConfig
	log     *slog.Logger
	pool    map[NoncePrefix]*sessionEntry
	flash   map[NoncePrefix]sessionRecord
	removed map[NoncePrefix]bool
	now     func() time.Time
}

// NewSessionManager creates an empty manager. Call Load to restore
// persisted sessions.
func NewSessionManager(cfg SessionConfig) *SessionManager {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultHandshakeRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		cfg:     cfg,
		log:     logger.WithGroup("session"),
		pool:    make(map[NoncePrefix]*sessionEntry),
		flash:   make(map[NoncePrefix]sessionRecord),
		removed: make(map[NoncePrefix]bool),
		now:     time.Now,
	}
}

// Load restores session records from the store.
func (m *SessionManager) Load() error {
	data, err := m.cfg.Store.LoadBlob(SessionBlobName)
	if err != nil {
		return err
	}
	for len(data) >= 4+1+2+32 {
		var p NoncePrefix
		copy(p[:], data[0:4])
		rec := sessionRecord{
			flags: data[4],
			nonce: binary.LittleEndian.Uint16(data[5:7]),
		}
		copy(rec.key[:], data[7:39])
		data = data[39:]
		if rec.flags&sessionFlagPrevValid != 0 {
			if len(data) < 32 {
				break
			}
			copy(rec.prev[:], data[:32])
			rec.prevValid = true
			data = data[32:]
		}
		m.flash[p] = rec
	}
	m.log.Debug("session records loaded", "count", len(m.flash))
	return nil
}

// Save merges the RAM pool into the persisted file and writes it: kept
// records, minus removals, overlaid with current pool entries. Handshakes
// in flight are skipped; their state cannot survive a reboot.
func (m *SessionManager) Save() error {
	merged := make(map[NoncePrefix]sessionRecord, len(m.flash)+len(m.pool))
	for p, rec := range m.flash {
		if !m.removed[p] {
			merged[p] = rec
		}
	}
	for p, e := range m.pool {
		if e.state == SessionInitSent && !m.sessionKeyUsable(e) {
			continue
		}
		rec := sessionRecord{nonce: e.nonce, key: e.key}
		if e.prevValid {
			rec.flags |= sessionFlagPrevValid
			rec.prev = e.prev
			rec.prevValid = true
		}
		merged[p] = rec
	}

	data := make([]byte, 0, len(merged)*(39+32))
	count := 0
	for p, rec := range merged {
		if count >= MaxSessionsFlash {
			break
		}
		data = append(data, p[:]...)
		data = append(data, rec.flags)
		data = binary.LittleEndian.AppendUint16(data, rec.nonce)
		data = append(data, rec.key[:]...)
		if rec.prevValid {
			data = append(data, rec.prev[:]...)
		}
		count++
	}
	if err := m.cfg.Store.SaveBlob(SessionBlobName, data); err != nil {
		return err
	}

	m.flash = merged
	m.removed = make(map[NoncePrefix]bool)
	for _, e := range m.pool {
		e.dirty = false
	}
	return nil
}

// State reports the negotiation state for the given public key.
func (m *SessionManager) State(pub []byte) SessionState {
	if e := m.entryFor(pub); e != nil {
		return e.state
	}
	return SessionNone
}

func (m *SessionManager) entryFor(pub []byte) *sessionEntry {
	p := MakeNoncePrefix(pub)
	if e, ok := m.pool[p]; ok {
		e.lastUsed = m.now()
		return e
	}
	rec, ok := m.flash[p]
	if !ok || m.removed[p] {
		return nil
	}
	state := SessionActive
	if rec.prevValid {
		state = SessionDualDecode
	}
	e := &sessionEntry{
		prefix:    p,
		state:     state,
		nonce:     rec.nonce,
		key:       rec.key,
		prev:      rec.prev,
		prevValid: rec.prevValid,
		lastUsed:  m.now(),
	}
	m.insert(e)
	return e
}

func (m *SessionManager) insert(e *sessionEntry) {
	if len(m.pool) >= MaxSessionsRAM {
		m.evict()
	}
	m.pool[e.prefix] = e
}

// evict drops the least-recently-used entry, preferring ones that are not
// mid-handshake. A dirty victim is merged to the store first so its nonce
// progress is not lost.
func (m *SessionManager) evict() {
	var victim *sessionEntry
	for _, e := range m.pool {
		if e.state == SessionInitSent {
			continue
		}
		if victim == nil || e.lastUsed.Before(victim.lastUsed) {
			victim = e
		}
	}
	if victim == nil {
		for _, e := range m.pool {
			if victim == nil || e.lastUsed.Before(victim.lastUsed) {
				victim = e
			}
		}
	}
	if victim == nil {
		return
	}
	if victim.dirty {
		if err := m.Save(); err != nil {
			m.log.Warn("session save on eviction failed", "error", err)
		}
	}
	delete(m.pool, victim.prefix)
}

func (m *SessionManager) remove(p NoncePrefix) {
	delete(m.pool, p)
	if _, ok := m.flash[p]; ok {
		m.removed[p] = true
	}
	if err := m.Save(); err != nil {
		m.log.Warn("session save on removal failed", "error", err)
	}
}

// Initiate starts a handshake with the peer and returns the ephemeral
// public key to send as REQ_TYPE_SESSION_KEY_INIT. Any existing session key
// stays usable for receive until the peer accepts.
func (m *SessionManager) Initiate(pub []byte) ([32]byte, error) {
	var zero [32]byte
	p := MakeNoncePrefix(pub)
	e := m.entryFor(pub)
	if e != nil && e.state == SessionInitSent {
		return zero, ErrHandshakeInFlight
	}

	priv, ephPub, err := crypto.GenerateEphemeralX25519()
	if err != nil {
		return zero, err
	}
	if e == nil {
		e = &sessionEntry{prefix: p, lastUsed: m.now()}
		m.insert(e)
	}
	e.state = SessionInitSent
	e.ephPriv = priv
	e.ephPub = ephPub
	e.deadline = m.now().Add(m.cfg.HandshakeTimeout)
	e.retries = 0

	m.log.Info("session handshake initiated", "peer", p)
	return ephPub, nil
}

// HandleInit answers a peer-initiated handshake. It derives the new session
// key, keeps the old one alongside until the peer proves the switch, and
// returns our ephemeral public key for the RESP_TYPE_SESSION_KEY_ACCEPT
// reply. The reply must be encrypted under the static secret; the initiator
// cannot use the new key until it sees our half of the exchange.
func (m *SessionManager) HandleInit(c *contact.ContactInfo, peerEph [32]byte) ([32]byte, error) {
	var zero [32]byte
	priv, ourEph, err := crypto.GenerateEphemeralX25519()
	if err != nil {
		return zero, err
	}
	shared, err := crypto.ComputeEphemeralShared(priv, peerEph)
	if err != nil {
		return zero, err
	}
	static, err := c.GetSharedSecret(m.cfg.PrivateKey)
	if err != nil {
		return zero, err
	}
	newKey := crypto.DeriveSessionKey(static, shared)

	p := MakeNoncePrefix(c.ID[:])
	e := m.entryFor(c.ID[:])
	if e == nil {
		e = &sessionEntry{prefix: p, lastUsed: m.now()}
		m.insert(e)
	}
	if e.state == SessionActive || e.state == SessionDualDecode {
		e.prev = e.key
		e.prevValid = true
	}
	e.key = newKey
	e.state = SessionDualDecode
	e.nonce = 1
	e.sendsSinceLastRecv = 0
	e.ephPriv = [32]byte{}
	e.ephPub = [32]byte{}
	e.dirty = true
	delete(m.removed, p)

	if err := m.Save(); err != nil {
		m.log.Warn("session save after handshake failed", "error", err)
	}
	m.log.Info("session handshake answered", "peer", p)
	return ourEph, nil
}

// HandleAccept completes a handshake we initiated. The ephemeral private
// key is zeroed once the session key is derived.
func (m *SessionManager) HandleAccept(c *contact.ContactInfo, peerEph [32]byte) error {
	e := m.entryFor(c.ID[:])
	if e == nil || e.state != SessionInitSent {
		return ErrNoHandshake
	}
	shared, err := crypto.ComputeEphemeralShared(e.ephPriv, peerEph)
	if err != nil {
		return err
	}
	static, err := c.GetSharedSecret(m.cfg.PrivateKey)
	if err != nil {
		return err
	}
	e.key = crypto.DeriveSessionKey(static, shared)
	e.state = SessionActive
	// Both sides start the session counter at 1; seals pre-increment,
	// so the first session message goes out with nonce 2.
	e.nonce = 1
	e.prevValid = false
	e.sendsSinceLastRecv = 0
	e.ephPriv = [32]byte{}
	e.ephPub = [32]byte{}
	e.dirty = true
	delete(m.removed, e.prefix)

	if err := m.Save(); err != nil {
		m.log.Warn("session save after accept failed", "error", err)
	}
	m.log.Info("session established", "peer", e.prefix)
	return nil
}

// Tick advances handshake timers. An expired attempt is re-sent through
// resend with the original ephemeral public key; once retries run out the
// attempt is cleared and the peer drops back to the static secret.
func (m *SessionManager) Tick(resend func(prefix NoncePrefix, ephPub [32]byte)) {
	now := m.now()
	for p, e := range m.pool {
		if e.state != SessionInitSent || now.Before(e.deadline) {
			continue
		}
		e.retries++
		if e.retries >= m.cfg.MaxRetries {
			m.log.Info("session handshake abandoned", "peer", p, "retries", e.retries)
			if m.sessionKeyUsable(e) {
				// A rekey attempt failed over an existing session; keep
				// the old key and just stop waiting.
				e.state = SessionActive
				e.ephPriv = [32]byte{}
				e.ephPub = [32]byte{}
				continue
			}
			delete(m.pool, p)
			continue
		}
		e.deadline = now.Add(m.cfg.HandshakeTimeout)
		if resend != nil {
			resend(p, e.ephPub)
		}
	}
}

// sessionKeyUsable reports whether the entry's key can decrypt inbound
// traffic. A handshake in flight keeps the previous session key live, which
// a responder nonce past 1 distinguishes from a first-contact attempt.
func (m *SessionManager) sessionKeyUsable(e *sessionEntry) bool {
	switch e.state {
	case SessionActive, SessionDualDecode:
		return true
	case SessionInitSent:
		return e.nonce > 1
	}
	return false
}

// OpenPeerEnvelope implements the routing engine's decrypt hook. Keys are
// tried newest first: session key, previous session key while the peer may
// still be switching, then the static secret. The first session-key success
// after a peer-initiated rekey completes the switch.
func (m *SessionManager) OpenPeerEnvelope(c *contact.ContactInfo, destHash, srcHash uint8, envelope, assocData []byte) ([]byte, bool) {
	e := m.entryFor(c.ID[:])

	if e != nil && m.sessionKeyUsable(e) {
		if plaintext, _, _, err := crypto.DecryptAddressedAuto(envelope, e.key[:], destHash, srcHash, assocData); err == nil {
			m.onSessionDecrypt(e)
			return plaintext, true
		}
	}
	if e != nil && e.state == SessionDualDecode && e.prevValid {
		if plaintext, _, _, err := crypto.DecryptAddressedAuto(envelope, e.prev[:], destHash, srcHash, assocData); err == nil {
			return plaintext, true
		}
	}

	secret, err := c.GetSharedSecret(m.cfg.PrivateKey)
	if err != nil {
		return nil, false
	}
	plaintext, _, _, err := crypto.DecryptAddressedAuto(envelope, secret, destHash, srcHash, assocData)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

func (m *SessionManager) onSessionDecrypt(e *sessionEntry) {
	e.sendsSinceLastRecv = 0
	if e.state == SessionDualDecode {
		e.state = SessionActive
		e.prevValid = false
		e.dirty = true
		if err := m.Save(); err != nil {
			m.log.Warn("session save after switch failed", "error", err)
		}
	}
}

// SealPeerEnvelope is the single outgoing encryption funnel. Silence from
// the peer walks a fallback ladder: the session key first, then the static
// AEAD envelope, then the legacy envelope, and finally the session entry is
// abandoned and the peer's AEAD capability flag cleared so traffic keeps
// flowing even if the peer lost all key state.
func (m *SessionManager) SealPeerEnvelope(c *contact.ContactInfo, destHash, srcHash uint8, plaintext, assocData []byte, nonces *NonceManager) ([]byte, error) {
	e := m.entryFor(c.ID[:])

	if e != nil && m.sessionKeyUsable(e) {
		sends := e.sendsSinceLastRecv
		if sends < AbandonThreshold {
			e.sendsSinceLastRecv++
		}
		switch {
		case sends < StaleThreshold:
			e.nonce++
			if e.nonce == 0 {
				e.nonce = 1
			}
			e.dirty = true
			e.lastUsed = m.now()
			return crypto.EncryptAddressedAEAD(plaintext, e.key[:], e.nonce, destHash, srcHash, assocData)
		case sends < EcbFallbackThreshold:
			return m.sealStatic(c, destHash, srcHash, plaintext, assocData, nonces, true)
		case sends < AbandonThreshold:
			return m.sealStatic(c, destHash, srcHash, plaintext, assocData, nonces, false)
		default:
			m.log.Info("session abandoned after silence", "peer", e.prefix)
			c.SetAeadCapable(false)
			m.remove(e.prefix)
			return m.sealStatic(c, destHash, srcHash, plaintext, assocData, nonces, false)
		}
	}

	return m.sealStatic(c, destHash, srcHash, plaintext, assocData, nonces, c.IsAeadCapable())
}

func (m *SessionManager) sealStatic(c *contact.ContactInfo, destHash, srcHash uint8, plaintext, assocData []byte, nonces *NonceManager, aead bool) ([]byte, error) {
	secret, err := c.GetSharedSecret(m.cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	if aead {
		if nonce := nonces.Next(c.ID[:]); nonce != 0 {
			return crypto.EncryptAddressedAEAD(plaintext, secret, nonce, destHash, srcHash, assocData)
		}
	}
	return crypto.EncryptAddressedWithSecret(plaintext, secret)
}

// NeedsRekey reports whether the next send to this peer should first
// trigger a handshake. Rotation is modulo-gated so a burst of traffic does
// not start one handshake per message.
func (m *SessionManager) NeedsRekey(c *contact.ContactInfo, nonces *NonceManager) bool {
	if !c.IsAeadCapable() || !c.HasDirectPath() {
		return false
	}
	hops := int(c.OutPathLen)

	e := m.entryFor(c.ID[:])
	if e != nil {
		if e.state == SessionInitSent {
			return false
		}
		if e.state != SessionActive {
			return false
		}
		interval := uint16(rekeySessionDirect)
		if hops > 0 {
			interval = rekeySessionRelay
		}
		return e.nonce > RekeyNonceHigh && e.nonce%interval == 0
	}

	n := nonces.Peek(c.ID[:])
	if n == 0 {
		return false
	}
	interval := uint16(rekeyStaticDirect)
	switch {
	case hops >= 10:
		interval = rekeyStaticFar
	case hops >= 1:
		interval = rekeyStaticNear
	}
	return n%interval == 0
}
