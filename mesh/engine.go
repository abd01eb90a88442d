// Package mesh contains the routing engine and dispatcher for a mesh node.
//
// The Engine classifies every received packet and emits exactly one Action:
// release it, deliver it locally, or retransmit it after a delay. The
// Dispatcher drives the Engine from a single cooperative loop over a radio
// driver, applying a CSMA gate before each transmission.
package mesh

import (
	"crypto/ed25519"
	"log/slog"
	"time"

	"github.com/rfmesh/meshnode/contact"
	"github.com/rfmesh/meshnode/core"
	"github.com/rfmesh/meshnode/core/codec"
	"github.com/rfmesh/meshnode/core/crypto"
	"github.com/rfmesh/meshnode/core/dedupe"
	"github.com/rfmesh/meshnode/core/multipart"
)

const (
	// PriorityDirect is the send priority for direct-routed traffic.
	PriorityDirect = 0

	// PriorityTrace is the send priority for forwarded TRACE packets.
	PriorityTrace = 5

	// DefaultMaxFloodHops is the flood hop bound. A flood packet whose path
	// would grow to this bound is released instead of forwarded.
	DefaultMaxFloodHops = codec.MaxPathSize

	// DefaultDirectRetryDelay spaces direct retransmissions so the previous
	// hop's transmission tail clears the channel.
	DefaultDirectRetryDelay = 250 * time.Millisecond
)

// ActionKind identifies what the dispatcher should do with a routed packet.
type ActionKind uint8

const (
	// ActionRelease drops the packet with no further processing.
	ActionRelease ActionKind = iota
	// ActionDeliver means the packet was consumed locally and is not forwarded.
	ActionDeliver
	// ActionRetransmit re-enqueues the (already rewritten) packet for
	// transmission with the given priority and delay.
	ActionRetransmit
)

// Action is the routing engine's verdict for one received packet.
type Action struct {
	Kind     ActionKind
	Priority uint8
	Delay    time.Duration
}

func release() Action { return Action{Kind: ActionRelease} }

func deliver() Action { return Action{Kind: ActionDeliver} }

func retransmit(priority uint8, delay time.Duration) Action {
	return Action{Kind: ActionRetransmit, Priority: priority, Delay: delay}
}

// Channel is a shared-key group. All members hold the same secret; the
// 1-byte channel hash is derived from it.
type Channel struct {
	Name   string
	Secret []byte
}

// Hash returns the 1-byte channel hash used on the wire.
func (ch *Channel) Hash() uint8 {
	return crypto.ComputeChannelHash(ch.Secret)
}

// PeerDecryptor opens addressed envelopes for a known peer, trying that
// peer's candidate keys in preference order. The session key manager is the
// production implementation; StaticDecryptor covers nodes that only hold
// static secrets.
type PeerDecryptor interface {
	// OpenPeerEnvelope returns the plaintext and true if any candidate key
	// verified the envelope. assocData is header || dest_hash || src_hash.
	OpenPeerEnvelope(c *contact.ContactInfo, destHash, srcHash uint8, envelope, assocData []byte) ([]byte, bool)
}

// StaticDecryptor opens envelopes with the peer's cached static ECDH secret
// only, accepting both envelope formats.
type StaticDecryptor struct {
	PrivateKey ed25519.PrivateKey
}

func (d *StaticDecryptor) OpenPeerEnvelope(c *contact.ContactInfo, destHash, srcHash uint8, envelope, assocData []byte) ([]byte, bool) {
	secret, err := c.GetSharedSecret(d.PrivateKey)
	if err != nil {
		return nil, false
	}
	plaintext, _, _, err := crypto.DecryptAddressedAuto(envelope, secret, destHash, srcHash, assocData)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

// Delivery is the capability table the application hands to the engine.
// Lookup capabilities feed classification; On* callbacks receive decoded
// traffic; AllowForward gates relaying. Nil entries disable the capability:
// a nil lookup matches nothing, a nil AllowForward denies forwarding.
//
// All callbacks fire on the dispatcher loop.
type Delivery struct {
	// PeerLookup returns contacts whose public key hash matches, up to the
	// store's collision limit.
	PeerLookup func(srcHash uint8) []*contact.ContactInfo

	// ChannelLookup returns group channels whose hash matches.
	ChannelLookup func(channelHash uint8) []*Channel

	// OnPeerData receives a decrypted addressed payload (TXT_MSG, REQ,
	// RESPONSE, PATH) from a known peer.
	OnPeerData func(c *contact.ContactInfo, pkt *codec.Packet, plaintext []byte)

	// OnAnonData receives a decrypted ANON_REQ along with the sender's
	// public key carried in the payload.
	OnAnonData func(senderPub [32]byte, pkt *codec.Packet, plaintext []byte)

	// OnGroupData receives a decrypted group datagram.
	OnGroupData func(ch *Channel, pkt *codec.Packet, plaintext []byte)

	// OnAdvert receives a signature-verified advert from another node.
	OnAdvert func(advert *codec.AdvertPayload, pkt *codec.Packet)

	// OnAck receives the CRC of a newly seen acknowledgment.
	OnAck func(crc uint32)

	// OnControl receives a zero-hop control payload.
	OnControl func(ctrl *codec.ControlPayload, pkt *codec.Packet)

	// OnTrace receives a completed trace at its final hop.
	OnTrace func(trace *codec.TracePayload, pkt *codec.Packet)

	// OnRawCustom receives RAW_CUSTOM packets, which are never forwarded.
	OnRawCustom func(pkt *codec.Packet)

	// AllowForward reports whether this node may relay the packet.
	AllowForward func(pkt *codec.Packet) bool
}

func (d *Delivery) allowForward(pkt *codec.Packet) bool {
	return d.AllowForward != nil && d.AllowForward(pkt)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// SelfID is this node's identity. Its 1-byte hash is matched against
	// path slots and dest hashes, and appended to flood paths.
	SelfID core.NodeID

	// PrivateKey decrypts anonymous requests addressed to this node.
	PrivateKey ed25519.PrivateKey

	// MaxFloodHops bounds flood path growth. Default DefaultMaxFloodHops.
	MaxFloodHops int

	// DirectRetryDelay is the minimum delay before retransmitting
	// direct-routed and TRACE traffic. Default DefaultDirectRetryDelay.
	DirectRetryDelay time.Duration

	// FloodFilter, if set, pre-filters packets carrying transport codes.
	// Returning false releases the packet before any dispatch.
	FloodFilter func(pkt *codec.Packet) bool

	// Decryptor opens addressed envelopes. Defaults to a StaticDecryptor
	// over PrivateKey.
	Decryptor PeerDecryptor

	// Logger for routing events. Falls back to slog.Default if nil.
	Logger *slog.Logger
}

// Engine is the routing engine. Not safe for concurrent use; the dispatcher
// calls it from its loop only.
type Engine struct {
	cfg      EngineConfig
	log      *slog.Logger
	dedup    *dedupe.PacketDeduplicator
	reasm    *multipart.Reassembler
	delivery *Delivery
}

// NewEngine creates a routing engine with the given configuration and
// capability table.
func NewEngine(cfg EngineConfig, delivery *Delivery) *Engine {
	if cfg.MaxFloodHops <= 0 {
		cfg.MaxFloodHops = DefaultMaxFloodHops
	}
	if cfg.DirectRetryDelay <= 0 {
		cfg.DirectRetryDelay = DefaultDirectRetryDelay
	}
	if cfg.Decryptor == nil {
		cfg.Decryptor = &StaticDecryptor{PrivateKey: cfg.PrivateKey}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if delivery == nil {
		delivery = &Delivery{}
	}
	return &Engine{
		cfg:      cfg,
		log:      logger.WithGroup("mesh"),
		dedup:    dedupe.New(),
		reasm:    multipart.New(),
		delivery: delivery,
	}
}

// DedupeStats returns the duplicate counters from the mesh tables.
func (e *Engine) DedupeStats() dedupe.Stats {
	return e.dedup.Stats()
}

// MarkSeen records an outbound packet in the mesh tables so a copy looping
// back over the air is suppressed.
func (e *Engine) MarkSeen(pkt *codec.Packet) {
	e.dedup.HasSeen(pkt)
}

// ClearSeen forgets a single packet so Route will process it again.
func (e *Engine) ClearSeen(pkt *codec.Packet) {
	e.dedup.Clear(pkt)
}

// Route classifies a received packet, fires delivery callbacks, and returns
// the dispatcher action. Retransmit actions rewrite the packet in place
// (path append for flood, path strip for direct, SNR append for trace).
func (e *Engine) Route(pkt *codec.Packet) Action {
	if pkt.PayloadVersion() != codec.PayloadVer1 {
		return release()
	}

	// Region pre-filter for the transport-code route variants, before the
	// mesh tables so rejected packets do not consume slots.
	if pkt.HasTransportCodes() && e.cfg.FloodFilter != nil && !e.cfg.FloodFilter(pkt) {
		return release()
	}

	if pkt.PayloadType() == codec.PayloadTypeMultipart {
		return e.routeMultipart(pkt)
	}

	if e.dedup.HasSeen(pkt) {
		return release()
	}

	if pkt.PayloadType() == codec.PayloadTypeTrace {
		return e.routeTrace(pkt)
	}

	// Zero-hop control is consumed where it lands, never forwarded.
	if pkt.PayloadType() == codec.PayloadTypeControl && pkt.IsDirect() && pkt.PathLen == 0 {
		ctrl, err := codec.ParseControlPayload(pkt.Payload)
		if err != nil {
			return release()
		}
		if e.delivery.OnControl != nil {
			e.delivery.OnControl(ctrl, pkt)
		}
		return deliver()
	}

	if pkt.IsDirect() && pkt.PathLen > 0 {
		return e.routeDirect(pkt)
	}

	delivered := e.dispatchPayload(pkt)

	if pkt.IsFlood() {
		return e.floodForward(pkt, delivered)
	}
	if delivered {
		return deliver()
	}
	return release()
}

// routeMultipart reassembles a MULTIPART fragment. A completed inner packet
// is routed for local delivery only; the synthesized packet never leaves
// this node.
func (e *Engine) routeMultipart(pkt *codec.Packet) Action {
	frag, err := multipart.ParseFragment(pkt.Payload)
	if err != nil {
		e.log.Debug("bad multipart fragment", "error", err)
		return release()
	}

	var srcHash uint8
	if pkt.PathLen > 0 {
		srcHash = pkt.Path[0]
	}

	assembled := e.reasm.HandleFragment(frag, srcHash)
	if assembled == nil {
		return deliver()
	}
	assembled.SNR = pkt.SNR
	// Route it as zero-hop direct so it is dispatched here, not forwarded.
	assembled.Header = (assembled.Header &^ codec.PHRouteMask) | codec.RouteTypeDirect

	inner := e.Route(assembled)
	if inner.Kind == ActionDeliver {
		return deliver()
	}
	return release()
}

// routeTrace handles TRACE forwarding. The packet's Path holds per-hop SNR
// values; relay hashes live in the payload.
func (e *Engine) routeTrace(pkt *codec.Packet) Action {
	if int(pkt.PathLen) >= codec.MaxPathSize {
		return release()
	}

	trace, err := codec.ParseTracePayload(pkt.Payload)
	if err != nil {
		e.log.Debug("bad trace payload", "error", err)
		return release()
	}

	offset := int(pkt.PathLen) * trace.HashSize
	if offset >= len(trace.PathHashes) {
		// Every hop appended its SNR; the trace is complete here.
		if e.delivery.OnTrace != nil {
			e.delivery.OnTrace(trace, pkt)
		}
		return deliver()
	}

	hopHash := trace.PathHashes[offset : offset+trace.HashSize]
	if !e.cfg.SelfID.IsHashMatch(hopHash) {
		return release()
	}
	if !e.delivery.allowForward(pkt) {
		return release()
	}

	if int(pkt.PathLen) >= len(pkt.Path) {
		pkt.Path = append(pkt.Path, byte(pkt.SNR))
	} else {
		pkt.Path[pkt.PathLen] = byte(pkt.SNR)
	}
	pkt.PathLen++

	// The forwarded packet hashes differently (TRACE dedup covers PathLen),
	// so record it before it echoes back.
	e.dedup.HasSeen(pkt)

	return retransmit(PriorityTrace, e.cfg.DirectRetryDelay)
}

// routeDirect handles direct-routed packets with a non-empty path.
func (e *Engine) routeDirect(pkt *codec.Packet) Action {
	if pkt.Path[0] != e.cfg.SelfID.Hash() {
		return release()
	}
	if !e.delivery.allowForward(pkt) {
		return release()
	}

	// ACKs are consumed at every relay hop on the way back.
	if pkt.PayloadType() == codec.PayloadTypeAck {
		if ack, err := codec.ParseAckPayload(pkt.Payload); err == nil && e.delivery.OnAck != nil {
			e.delivery.OnAck(ack.Checksum)
		}
	}

	removeSelfFromPath(pkt)
	return retransmit(PriorityDirect, e.cfg.DirectRetryDelay)
}

// floodForward applies the flood forwarding rule after local dispatch.
func (e *Engine) floodForward(pkt *codec.Packet, delivered bool) Action {
	consumed := func() Action {
		if delivered {
			return deliver()
		}
		return release()
	}

	if pkt.IsMarkedDoNotRetransmit() {
		return consumed()
	}
	if !e.delivery.allowForward(pkt) {
		return consumed()
	}
	if int(pkt.PathLen)+1 >= e.cfg.MaxFloodHops {
		return consumed()
	}
	if err := pkt.AppendHash([]byte{e.cfg.SelfID.Hash()}); err != nil {
		return consumed()
	}

	// Deeper paths retransmit later, so copies closer to the source win
	// the channel first.
	return retransmit(pkt.PathLen, 0)
}

// dispatchPayload runs payload-type dispatch for flood and zero-hop direct
// packets. Returns true if a local handler consumed the packet.
func (e *Engine) dispatchPayload(pkt *codec.Packet) bool {
	switch pkt.PayloadType() {
	case codec.PayloadTypeAck:
		ack, err := codec.ParseAckPayload(pkt.Payload)
		if err != nil {
			return false
		}
		if e.delivery.OnAck != nil {
			e.delivery.OnAck(ack.Checksum)
		}
		return true

	case codec.PayloadTypePath, codec.PayloadTypeReq,
		codec.PayloadTypeResponse, codec.PayloadTypeTxtMsg:
		return e.dispatchAddressed(pkt)

	case codec.PayloadTypeAnonReq:
		return e.dispatchAnon(pkt)

	case codec.PayloadTypeGrpTxt, codec.PayloadTypeGrpData:
		return e.dispatchGroup(pkt)

	case codec.PayloadTypeAdvert:
		return e.dispatchAdvert(pkt)

	case codec.PayloadTypeControl:
		ctrl, err := codec.ParseControlPayload(pkt.Payload)
		if err != nil {
			return false
		}
		if e.delivery.OnControl != nil {
			e.delivery.OnControl(ctrl, pkt)
		}
		return true

	case codec.PayloadTypeRawCustom:
		delivered := false
		if e.delivery.OnRawCustom != nil {
			e.delivery.OnRawCustom(pkt)
			delivered = true
		}
		pkt.MarkDoNotRetransmit()
		return delivered

	default:
		pkt.MarkDoNotRetransmit()
		return false
	}
}

func (e *Engine) dispatchAddressed(pkt *codec.Packet) bool {
	addressed, err := codec.ParseAddressedPayload(pkt.Payload)
	if err != nil {
		return false
	}
	if addressed.DestHash != e.cfg.SelfID.Hash() {
		return false
	}
	if e.delivery.PeerLookup == nil {
		return false
	}

	assocData := []byte{pkt.Header, addressed.DestHash, addressed.SrcHash}
	for _, c := range e.delivery.PeerLookup(addressed.SrcHash) {
		plaintext, ok := e.cfg.Decryptor.OpenPeerEnvelope(
			c, addressed.DestHash, addressed.SrcHash, addressed.Envelope, assocData)
		if !ok {
			continue
		}
		if e.delivery.OnPeerData != nil {
			e.delivery.OnPeerData(c, pkt, plaintext)
		}
		pkt.MarkDoNotRetransmit()
		return true
	}
	return false
}

func (e *Engine) dispatchAnon(pkt *codec.Packet) bool {
	anon, err := codec.ParseAnonReqPayload(pkt.Payload)
	if err != nil {
		return false
	}
	if anon.DestHash != e.cfg.SelfID.Hash() || e.cfg.PrivateKey == nil {
		return false
	}

	secret, err := crypto.ComputeSharedSecret(e.cfg.PrivateKey, anon.PubKey[:])
	if err != nil {
		return false
	}

	assocData := []byte{pkt.Header, anon.DestHash}
	plaintext, _, _, err := crypto.DecryptAddressedAuto(
		anon.Envelope, secret, anon.DestHash, anon.PubKey[0], assocData)
	if err != nil {
		return false
	}
	if e.delivery.OnAnonData != nil {
		e.delivery.OnAnonData(anon.PubKey, pkt, plaintext)
	}
	pkt.MarkDoNotRetransmit()
	return true
}

func (e *Engine) dispatchGroup(pkt *codec.Packet) bool {
	group, err := codec.ParseGroupPayload(pkt.Payload)
	if err != nil {
		return false
	}
	if e.delivery.ChannelLookup == nil {
		return false
	}

	assocData := []byte{pkt.Header, group.ChannelHash}
	for _, ch := range e.delivery.ChannelLookup(group.ChannelHash) {
		plaintext, ok := openGroupEnvelope(group.Envelope, ch.Secret, group.ChannelHash, assocData)
		if !ok {
			continue
		}
		if e.delivery.OnGroupData != nil {
			e.delivery.OnGroupData(ch, pkt, plaintext)
		}
		pkt.MarkDoNotRetransmit()
		return true
	}
	return false
}

func openGroupEnvelope(envelope, secret []byte, channelHash uint8, assocData []byte) ([]byte, bool) {
	if plaintext, _, err := crypto.DecryptGroupMessageAEAD(envelope, secret, channelHash, assocData); err == nil {
		return plaintext, true
	}
	plaintext, err := crypto.DecryptGroupMessage(envelope, secret)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

func (e *Engine) dispatchAdvert(pkt *codec.Packet) bool {
	advert, err := codec.ParseAdvertPayload(pkt.Payload)
	if err != nil {
		return false
	}
	if advert.PubKey == [32]byte(e.cfg.SelfID) {
		// Our own advert echoed back; suppress it entirely.
		pkt.MarkDoNotRetransmit()
		return false
	}
	if !crypto.VerifyAdvert(advert) {
		e.log.Debug("advert signature invalid")
		pkt.MarkDoNotRetransmit()
		return false
	}
	if e.delivery.OnAdvert != nil {
		e.delivery.OnAdvert(advert, pkt)
	}
	return true
}

// removeSelfFromPath strips the first hash from a direct packet's path,
// shifting the remaining entries down one slot.
func removeSelfFromPath(pkt *codec.Packet) {
	if pkt.PathLen == 0 {
		return
	}
	pkt.PathLen--
	copy(pkt.Path, pkt.Path[1:1+pkt.PathLen])
	pkt.Path = pkt.Path[:pkt.PathLen]
}
