// Package dedupe tracks recently seen packets so flood copies and
// re-forwarded directs are processed only once.
//
// Regular packets are identified by an 8-byte SHA256 hash of their payload
// type and payload content, kept in an LRU table keyed by last-seen time.
// ACK packets are tracked separately by their 4-byte checksum value in a
// cyclic buffer.
package dedupe

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/rfmesh/meshnode/core/codec"
)

const (
	// DefaultMaxPacketHashes is the default capacity for the packet hash table.
	DefaultMaxPacketHashes = 128
	// DefaultMaxAckHashes is the default capacity for the ACK hash table.
	DefaultMaxAckHashes = 64
	// PacketHashSize is the truncated SHA256 hash size for packet deduplication.
	PacketHashSize = 8
)

// Stats counts suppressed duplicates split by route class.
type Stats struct {
	FloodDuplicates  uint32
	DirectDuplicates uint32
}

// PacketDeduplicator tracks recently seen packets to prevent processing
// duplicates. The packet table evicts the least recently seen entry when
// full; a repeated sighting refreshes the entry's timestamp so packets
// still circulating stay in the table.
type PacketDeduplicator struct {
	hashes []byte  // maxHashes slots of PacketHashSize bytes each
	seenAt []int64 // per-slot last-seen time, millis; 0 = empty
	acks   []uint32

	maxHashes int
	maxAcks   int
	nextAck   int

	stats Stats

	scratch  [2 + codec.MaxPacketPayload]byte
	nowMilli func() int64
}

// New creates a new PacketDeduplicator with default buffer sizes.
func New() *PacketDeduplicator {
	return NewWithCapacity(DefaultMaxPacketHashes, DefaultMaxAckHashes)
}

// NewWithCapacity creates a new PacketDeduplicator with the specified buffer sizes.
func NewWithCapacity(maxHashes, maxAcks int) *PacketDeduplicator {
	return &PacketDeduplicator{
		hashes:    make([]byte, maxHashes*PacketHashSize),
		seenAt:    make([]int64, maxHashes),
		acks:      make([]uint32, maxAcks),
		maxHashes: maxHashes,
		maxAcks:   maxAcks,
		nowMilli:  func() int64 { return time.Now().UnixMilli() },
	}
}

// HasSeen checks if a packet has been seen before. If not, it records the
// packet and returns false. If it has been seen, it refreshes the entry
// and returns true.
//
// ACK packets are tracked by their 4-byte checksum value in a separate table.
// All other packets are tracked by a truncated SHA256 hash of their content.
func (d *PacketDeduplicator) HasSeen(packet *codec.Packet) bool {
	var seen bool
	if packet.PayloadType() == codec.PayloadTypeAck && len(packet.Payload) >= 4 {
		seen = d.hasSeenAck(packet)
	} else {
		seen = d.hasSeenPacket(packet)
	}

	if seen {
		if packet.IsFlood() {
			d.stats.FloodDuplicates++
		} else {
			d.stats.DirectDuplicates++
		}
	}
	return seen
}

// Stats returns counters of duplicates suppressed so far.
func (d *PacketDeduplicator) Stats() Stats {
	return d.stats
}

func (d *PacketDeduplicator) hasSeenAck(packet *codec.Packet) bool {
	ack := binary.LittleEndian.Uint32(packet.Payload[:4])

	for i := range d.maxAcks {
		if d.acks[i] == ack {
			return true
		}
	}

	d.acks[d.nextAck] = ack
	d.nextAck = (d.nextAck + 1) % d.maxAcks
	return false
}

func (d *PacketDeduplicator) hasSeenPacket(packet *codec.Packet) bool {
	hash := d.hashPacket(packet)
	now := d.nowMilli()

	oldest := 0
	for i := range d.maxHashes {
		offset := i * PacketHashSize
		if d.seenAt[i] != 0 && sliceEqual(hash[:], d.hashes[offset:offset+PacketHashSize]) {
			d.seenAt[i] = now
			return true
		}
		if d.seenAt[i] < d.seenAt[oldest] {
			oldest = i
		}
	}

	offset := oldest * PacketHashSize
	copy(d.hashes[offset:offset+PacketHashSize], hash[:])
	d.seenAt[oldest] = now
	return false
}

// Clear forgets a single packet so it can be processed again, for when the
// upper layer re-injects a locally constructed packet as if freshly
// received. Other entries and the duplicate counters are untouched.
func (d *PacketDeduplicator) Clear(packet *codec.Packet) {
	if packet.PayloadType() == codec.PayloadTypeAck && len(packet.Payload) >= 4 {
		ack := binary.LittleEndian.Uint32(packet.Payload[:4])
		for i := range d.maxAcks {
			if d.acks[i] == ack {
				d.acks[i] = 0
				return
			}
		}
		return
	}

	hash := d.hashPacket(packet)
	for i := range d.maxHashes {
		offset := i * PacketHashSize
		if d.seenAt[i] != 0 && sliceEqual(hash[:], d.hashes[offset:offset+PacketHashSize]) {
			clear(d.hashes[offset : offset+PacketHashSize])
			d.seenAt[i] = 0
			return
		}
	}
}

// hashPacket computes the dedupe hash using the deduplicator's scratch
// buffer, so the hot path does not allocate.
func (d *PacketDeduplicator) hashPacket(packet *codec.Packet) [PacketHashSize]byte {
	t := packet.PayloadType()
	n := 0
	d.scratch[n] = t
	n++
	if t == codec.PayloadTypeTrace {
		d.scratch[n] = packet.PathLen
		n++
	}
	n += copy(d.scratch[n:], packet.Payload)
	sum := sha256.Sum256(d.scratch[:n])

	var result [PacketHashSize]byte
	copy(result[:], sum[:PacketHashSize])
	return result
}

// CalculatePacketHash computes the 8-byte deduplication hash for a packet.
// The hash is SHA256(payloadType, [pathLen for TRACE], payload) truncated
// to 8 bytes. The path itself is excluded so flood copies arriving over
// different routes collapse to the same entry.
func CalculatePacketHash(packet *codec.Packet) [PacketHashSize]byte {
	h := sha256.New()
	t := packet.PayloadType()
	h.Write([]byte{t})
	if t == codec.PayloadTypeTrace {
		h.Write([]byte{packet.PathLen})
	}
	h.Write(packet.Payload)
	sum := h.Sum(nil)
	var result [PacketHashSize]byte
	copy(result[:], sum[:PacketHashSize])
	return result
}

func sliceEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
