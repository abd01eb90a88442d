package region

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/rfmesh/meshnode/core/codec"
)

// TransportKey is a 16-byte key used for transport code computation.
// It enables network isolation: only packets with matching transport codes
// are forwarded by repeaters.
type TransportKey [16]byte

// KeyFromName derives a transport key from a region name. The key is
// SHA256(name) truncated to 16 bytes, the automatic key for hashtag
// regions.
func KeyFromName(name string) TransportKey {
	hash := sha256.Sum256([]byte(name))
	var key TransportKey
	copy(key[:], hash[:16])
	return key
}

// CalcTransportCode computes the 2-byte transport code for a packet.
// The code is HMAC-SHA256(key, payloadType || payload)[0:2] as uint16 LE.
// Reserved values 0x0000 and 0xFFFF are bumped to 0x0001 and 0xFFFE.
func (k TransportKey) CalcTransportCode(pkt *codec.Packet) uint16 {
	mac := hmac.New(sha256.New, k[:])
	mac.Write([]byte{pkt.PayloadType()})
	mac.Write(pkt.Payload)
	sum := mac.Sum(nil)

	code := binary.LittleEndian.Uint16(sum[:2])
	if code == 0x0000 {
		code = 0x0001
	} else if code == 0xFFFF {
		code = 0xFFFE
	}
	return code
}

// IsNull returns true if the key is all zeros.
func (k TransportKey) IsNull() bool {
	for _, b := range k {
		if b != 0 {
			return false
		}
	}
	return true
}
