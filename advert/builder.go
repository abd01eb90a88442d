// Package advert builds and schedules this node's self-advertisements.
//
// BuildSelfAdvert creates a signed advert packet ready for flood or
// zero-hop sending. The Scheduler rebroadcasts it periodically with a
// random jitter so nodes sharing a power cycle spread out on the channel.
package advert

import (
	"crypto/ed25519"
	"fmt"

	"github.com/rfmesh/meshnode/core/clock"
	"github.com/rfmesh/meshnode/core/codec"
	"github.com/rfmesh/meshnode/core/crypto"
)

// SelfAdvertConfig describes the local node's identity and advertised data.
type SelfAdvertConfig struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  [32]byte
	Clock      *clock.Clock
	AppData    *codec.AdvertAppData
}

// Builder creates a fresh self-advert packet. The scheduler calls this
// each time it needs to send. Returns nil if the packet could not be built.
type Builder func() *codec.Packet

// BuildSelfAdvert creates a signed advert packet for this node. The
// timestamp comes from the clock and the payload is signed with the
// node's Ed25519 key. The route type is left for the sender to set.
func BuildSelfAdvert(cfg *SelfAdvertConfig) (*codec.Packet, error) {
	timestamp := cfg.Clock.GetCurrentTimeUnique()

	appDataBytes := codec.BuildAdvertAppData(cfg.AppData)

	sig, err := crypto.SignAdvert(cfg.PrivateKey, cfg.PublicKey, timestamp, appDataBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to sign advert: %w", err)
	}

	payload := codec.BuildAdvertPayload(cfg.PublicKey, timestamp, sig, cfg.AppData)

	return &codec.Packet{
		Header:  codec.PayloadTypeAdvert << codec.PHTypeShift,
		Payload: payload,
	}, nil
}

// NewBuilder returns a Builder closed over the node's identity. Each call
// produces a fresh advert with a current timestamp.
func NewBuilder(cfg *SelfAdvertConfig) Builder {
	return func() *codec.Packet {
		pkt, _ := BuildSelfAdvert(cfg)
		return pkt
	}
}
