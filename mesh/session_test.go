package mesh

import (
	"bytes"
	"testing"
	"time"

	"github.com/rfmesh/meshnode/contact"
	"github.com/rfmesh/meshnode/core"
	"github.com/rfmesh/meshnode/core/crypto"
)

func sessionContact(kp *crypto.KeyPair) *contact.ContactInfo {
	var id core.NodeID
	copy(id[:], kp.PublicKey)
	c := &contact.ContactInfo{ID: id, OutPathLen: contact.PathUnknown}
	c.SetAeadCapable(true)
	return c
}

type sessionPair struct {
	mgrA, mgrB   *SessionManager
	peerA, peerB *contact.ContactInfo // peerA as seen by B, peerB as seen by A
	kpA, kpB     *crypto.KeyPair
	storeB       *memStore
	dest, src    uint8
	aad          []byte
}

// establishSession runs a full handshake with A as initiator.
func establishSession(t *testing.T) *sessionPair {
	t.Helper()
	kpA, kpB := mustKeyPair(t), mustKeyPair(t)
	storeB := newMemStore()
	p := &sessionPair{
		mgrA:   NewSessionManager(SessionConfig{Store: newMemStore(), PrivateKey: kpA.PrivateKey}),
		mgrB:   NewSessionManager(SessionConfig{Store: storeB, PrivateKey: kpB.PrivateKey}),
		peerA:  sessionContact(kpA),
		peerB:  sessionContact(kpB),
		kpA:    kpA,
		kpB:    kpB,
		storeB: storeB,
		dest:   kpB.PublicKey[0],
		src:    kpA.PublicKey[0],
		aad:    []byte{0x10, kpB.PublicKey[0], kpA.PublicKey[0]},
	}

	ephA, err := p.mgrA.Initiate(kpB.PublicKey)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	ephB, err := p.mgrB.HandleInit(p.peerA, ephA)
	if err != nil {
		t.Fatalf("HandleInit failed: %v", err)
	}
	if err := p.mgrA.HandleAccept(p.peerB, ephB); err != nil {
		t.Fatalf("HandleAccept failed: %v", err)
	}
	return p
}

func TestSession_HandshakeEstablishesSharedKey(t *testing.T) {
	p := establishSession(t)

	if got := p.mgrA.State(p.kpB.PublicKey); got != SessionActive {
		t.Errorf("initiator state = %d, want SessionActive", got)
	}
	if got := p.mgrB.State(p.kpA.PublicKey); got != SessionDualDecode {
		t.Errorf("responder state = %d, want SessionDualDecode", got)
	}

	nonces := NewNonceManager(NonceConfig{Store: newMemStore()})
	env, err := p.mgrA.SealPeerEnvelope(p.peerB, p.dest, p.src, []byte("hello"), p.aad, nonces)
	if err != nil {
		t.Fatalf("SealPeerEnvelope failed: %v", err)
	}
	plaintext, ok := p.mgrB.OpenPeerEnvelope(p.peerA, p.dest, p.src, env, p.aad)
	if !ok {
		t.Fatal("responder could not open the session envelope")
	}
	if string(plaintext) != "hello" {
		t.Errorf("plaintext = %q, want hello", plaintext)
	}
	if got := p.mgrB.State(p.kpA.PublicKey); got != SessionActive {
		t.Errorf("responder state after first decrypt = %d, want SessionActive", got)
	}

	// The session counter starts at 1 on both sides and seals
	// pre-increment, so the first session message used nonce 2.
	if e := p.mgrA.entryFor(p.kpB.PublicKey); e == nil || e.nonce != 2 {
		t.Errorf("initiator nonce after first session message = %+v, want 2", e)
	}
}

func TestSession_InitiateWhilePendingRefused(t *testing.T) {
	kpA, kpB := mustKeyPair(t), mustKeyPair(t)
	mgr := NewSessionManager(SessionConfig{Store: newMemStore(), PrivateKey: kpA.PrivateKey})

	if _, err := mgr.Initiate(kpB.PublicKey); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if _, err := mgr.Initiate(kpB.PublicKey); err != ErrHandshakeInFlight {
		t.Errorf("second Initiate error = %v, want ErrHandshakeInFlight", err)
	}
}

func TestSession_AcceptWithoutInitRefused(t *testing.T) {
	kpA, kpB := mustKeyPair(t), mustKeyPair(t)
	mgr := NewSessionManager(SessionConfig{Store: newMemStore(), PrivateKey: kpA.PrivateKey})

	var eph [32]byte
	if err := mgr.HandleAccept(sessionContact(kpB), eph); err != ErrNoHandshake {
		t.Errorf("HandleAccept error = %v, want ErrNoHandshake", err)
	}
}

func TestSession_StaticLegacyWithoutSession(t *testing.T) {
	kpA, kpB := mustKeyPair(t), mustKeyPair(t)
	mgrA := NewSessionManager(SessionConfig{Store: newMemStore(), PrivateKey: kpA.PrivateKey})
	mgrB := NewSessionManager(SessionConfig{Store: newMemStore(), PrivateKey: kpB.PrivateKey})
	peerB := sessionContact(kpB)
	peerB.SetAeadCapable(false)
	peerA := sessionContact(kpA)
	aad := []byte{0x10}
	nonces := NewNonceManager(NonceConfig{Store: newMemStore()})

	env, err := mgrA.SealPeerEnvelope(peerB, kpB.PublicKey[0], kpA.PublicKey[0], []byte("plain"), aad, nonces)
	if err != nil {
		t.Fatalf("SealPeerEnvelope failed: %v", err)
	}
	plaintext, ok := mgrB.OpenPeerEnvelope(peerA, kpB.PublicKey[0], kpA.PublicKey[0], env, aad)
	if !ok {
		t.Fatal("static decrypt failed")
	}
	if !bytes.HasPrefix(plaintext, []byte("plain")) {
		t.Errorf("plaintext = %q, want prefix plain", plaintext)
	}
}

func TestSession_FallbackLadder(t *testing.T) {
	p := establishSession(t)
	nonces := NewNonceManager(NonceConfig{Store: newMemStore()})
	static, err := crypto.ComputeSharedSecret(p.kpA.PrivateKey, p.kpB.PublicKey)
	if err != nil {
		t.Fatalf("ComputeSharedSecret failed: %v", err)
	}
	e := p.mgrA.entryFor(p.kpB.PublicKey)
	if e == nil {
		t.Fatal("no session entry after handshake")
	}

	// Stale: the static secret takes over, still in the AEAD format.
	e.sendsSinceLastRecv = StaleThreshold
	env, err := p.mgrA.SealPeerEnvelope(p.peerB, p.dest, p.src, []byte("hi"), p.aad, nonces)
	if err != nil {
		t.Fatalf("SealPeerEnvelope failed: %v", err)
	}
	if _, usedAead, _, err := crypto.DecryptAddressedAuto(env, static, p.dest, p.src, p.aad); err != nil || !usedAead {
		t.Errorf("stale fallback: aead=%v err=%v, want static AEAD", usedAead, err)
	}

	// Deeper silence: legacy envelope.
	e.sendsSinceLastRecv = EcbFallbackThreshold
	env, err = p.mgrA.SealPeerEnvelope(p.peerB, p.dest, p.src, []byte("hi"), p.aad, nonces)
	if err != nil {
		t.Fatalf("SealPeerEnvelope failed: %v", err)
	}
	if _, usedAead, _, err := crypto.DecryptAddressedAuto(env, static, p.dest, p.src, p.aad); err != nil || usedAead {
		t.Errorf("ecb fallback: aead=%v err=%v, want legacy envelope", usedAead, err)
	}

	// Abandon: entry dropped, capability flag cleared.
	e.sendsSinceLastRecv = AbandonThreshold
	if _, err := p.mgrA.SealPeerEnvelope(p.peerB, p.dest, p.src, []byte("hi"), p.aad, nonces); err != nil {
		t.Fatalf("SealPeerEnvelope failed: %v", err)
	}
	if p.peerB.IsAeadCapable() {
		t.Error("AEAD capability not cleared on abandon")
	}
	if got := p.mgrA.State(p.kpB.PublicKey); got != SessionNone {
		t.Errorf("state after abandon = %d, want SessionNone", got)
	}
}

func TestSession_PersistenceRoundTrip(t *testing.T) {
	p := establishSession(t)

	reloaded := NewSessionManager(SessionConfig{Store: p.storeB, PrivateKey: p.kpB.PrivateKey})
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := reloaded.State(p.kpA.PublicKey); got != SessionActive {
		t.Errorf("reloaded state = %d, want SessionActive (no previous key)", got)
	}

	// A rekey over the existing session keeps the old key alongside, and
	// that dual state survives a reboot.
	ephA, err := p.mgrA.Initiate(p.kpB.PublicKey)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if _, err := p.mgrB.HandleInit(p.peerA, ephA); err != nil {
		t.Fatalf("HandleInit failed: %v", err)
	}
	rekeyed := NewSessionManager(SessionConfig{Store: p.storeB, PrivateKey: p.kpB.PrivateKey})
	if err := rekeyed.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := rekeyed.State(p.kpA.PublicKey); got != SessionDualDecode {
		t.Errorf("reloaded rekey state = %d, want SessionDualDecode", got)
	}
}

func TestSession_TickRetriesThenClears(t *testing.T) {
	kpA, kpB := mustKeyPair(t), mustKeyPair(t)
	mgr := NewSessionManager(SessionConfig{Store: newMemStore(), PrivateKey: kpA.PrivateKey})
	base := time.Now()
	now := base
	mgr.now = func() time.Time { return now }

	if _, err := mgr.Initiate(kpB.PublicKey); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	resends := 0
	tick := func() {
		mgr.Tick(func(NoncePrefix, [32]byte) { resends++ })
	}

	tick()
	if resends != 0 {
		t.Fatal("resent before the deadline")
	}

	for i := 1; i <= 2; i++ {
		now = now.Add(DefaultHandshakeTimeout + time.Second)
		tick()
		if resends != i {
			t.Fatalf("resends = %d after expiry %d, want %d", resends, i, i)
		}
	}

	now = now.Add(DefaultHandshakeTimeout + time.Second)
	tick()
	if resends != 2 {
		t.Errorf("resends = %d, want 2 before the attempt clears", resends)
	}
	if got := mgr.State(kpB.PublicKey); got != SessionNone {
		t.Errorf("state after exhausted retries = %d, want SessionNone", got)
	}
}

func TestSession_RekeyTimeoutKeepsOldKey(t *testing.T) {
	p := establishSession(t)
	base := time.Now()
	now := base
	p.mgrA.now = func() time.Time { return now }
	nonces := NewNonceManager(NonceConfig{Store: newMemStore()})

	// Two sends move the session nonce past the first-contact range.
	for range 2 {
		if _, err := p.mgrA.SealPeerEnvelope(p.peerB, p.dest, p.src, []byte("hi"), p.aad, nonces); err != nil {
			t.Fatalf("SealPeerEnvelope failed: %v", err)
		}
	}

	if _, err := p.mgrA.Initiate(p.kpB.PublicKey); err != nil {
		t.Fatalf("rekey Initiate failed: %v", err)
	}
	for range DefaultHandshakeRetries {
		now = now.Add(DefaultHandshakeTimeout + time.Second)
		p.mgrA.Tick(nil)
	}

	if got := p.mgrA.State(p.kpB.PublicKey); got != SessionActive {
		t.Errorf("state after failed rekey = %d, want SessionActive with the old key", got)
	}
}

func TestSession_PoolEvictsToStore(t *testing.T) {
	kpLocal := mustKeyPair(t)
	store := newMemStore()
	mgr := NewSessionManager(SessionConfig{Store: store, PrivateKey: kpLocal.PrivateKey})

	peers := make([]*crypto.KeyPair, MaxSessionsRAM+1)
	for i := range peers {
		kp := mustKeyPair(t)
		peers[i] = kp
		_, ephPub, err := crypto.GenerateEphemeralX25519()
		if err != nil {
			t.Fatalf("ephemeral keygen failed: %v", err)
		}
		if _, err := mgr.HandleInit(sessionContact(kp), ephPub); err != nil {
			t.Fatalf("HandleInit failed: %v", err)
		}
	}

	if len(mgr.pool) > MaxSessionsRAM {
		t.Errorf("pool size = %d, want at most %d", len(mgr.pool), MaxSessionsRAM)
	}
	for _, kp := range peers {
		if got := mgr.State(kp.PublicKey); got == SessionNone {
			t.Errorf("peer %x lost its session across eviction", kp.PublicKey[:4])
		}
	}
}

func TestSession_NeedsRekey(t *testing.T) {
	kpA, kpB := mustKeyPair(t), mustKeyPair(t)
	mgr := NewSessionManager(SessionConfig{Store: newMemStore(), PrivateKey: kpA.PrivateKey})
	nonces := NewNonceManager(NonceConfig{Store: newMemStore()})
	c := sessionContact(kpB)

	if mgr.NeedsRekey(c, nonces) {
		t.Error("rekey wanted with no outbound path")
	}

	c.OutPathLen = 0
	c.OutPath = []byte{}
	nonces.entries[MakeNoncePrefix(kpB.PublicKey)] = &nonceEntry{counter: rekeyStaticDirect}
	if !mgr.NeedsRekey(c, nonces) {
		t.Error("rekey not wanted at the static direct interval")
	}
	nonces.entries[MakeNoncePrefix(kpB.PublicKey)].counter++
	if mgr.NeedsRekey(c, nonces) {
		t.Error("rekey wanted off the interval")
	}

	c.OutPathLen = 2
	nonces.entries[MakeNoncePrefix(kpB.PublicKey)].counter = rekeyStaticNear
	if !mgr.NeedsRekey(c, nonces) {
		t.Error("rekey not wanted at the relayed static interval")
	}

	caps := sessionContact(kpB)
	caps.SetAeadCapable(false)
	caps.OutPathLen = 0
	if mgr.NeedsRekey(caps, nonces) {
		t.Error("rekey wanted for a peer without AEAD support")
	}
}

func TestSession_NeedsRekeyActiveSession(t *testing.T) {
	p := establishSession(t)
	nonces := NewNonceManager(NonceConfig{Store: newMemStore()})
	p.peerB.OutPathLen = 0
	p.peerB.OutPath = []byte{}

	e := p.mgrA.entryFor(p.kpB.PublicKey)
	e.nonce = RekeyNonceHigh
	if p.mgrA.NeedsRekey(p.peerB, nonces) {
		t.Error("rekey wanted at the threshold, want strictly past it")
	}
	e.nonce = RekeyNonceHigh + rekeySessionDirect
	if !p.mgrA.NeedsRekey(p.peerB, nonces) {
		t.Error("rekey not wanted past the session nonce threshold")
	}
	e.nonce++
	if p.mgrA.NeedsRekey(p.peerB, nonces) {
		t.Error("rekey wanted off the modulo gate")
	}
}
