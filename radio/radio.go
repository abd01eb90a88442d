// Package radio defines the driver contract the dispatcher polls for
// LoRa-class links, plus an in-memory implementation used to wire nodes
// together in tests.
package radio

import "time"

// Params holds the modulation parameters for a LoRa-class link.
type Params struct {
	FrequencyMHz    float32
	BandwidthKHz    float32
	SpreadingFactor uint8
	CodingRate      uint8
}

// Driver is the polled radio contract. Implementations must never block:
// the dispatcher drives them from a single cooperative loop and checks
// completion flags on each tick.
type Driver interface {
	// StartSendRaw begins transmitting a raw frame. Returns an error if the
	// radio cannot accept the frame (busy, too long).
	StartSendRaw(data []byte) error

	// IsSendComplete reports whether the in-flight transmission finished.
	IsSendComplete() bool

	// OnSendFinished releases transmit state after IsSendComplete returned
	// true. The dispatcher calls this exactly once per transmission.
	OnSendFinished()

	// RecvRaw copies a received frame into buf and returns its length,
	// or 0 when no frame is pending.
	RecvRaw(buf []byte) int

	// IsReceiving reports whether a frame is currently on the air. The
	// transmit gate defers to this before taking the channel.
	IsReceiving() bool

	// EstAirtimeFor estimates the on-air duration of a frame of the given
	// length under the current modulation parameters.
	EstAirtimeFor(length int) time.Duration

	// NoiseFloor returns the measured noise floor in dBm.
	NoiseFloor() int

	// LastRSSI returns the RSSI of the most recently received frame, in dBm.
	LastRSSI() int

	// LastSNR returns the SNR of the most recently received frame as the
	// raw quarter-dB value (multiply by 0.25 for dB).
	LastSNR() int8

	// CurrentRSSI returns the instantaneous channel RSSI in dBm.
	CurrentRSSI() int

	// SetParams reconfigures the modulation parameters.
	SetParams(p Params) error

	// SetTxPower sets the transmit power in dBm.
	SetTxPower(dbm int8) error

	// ResetAGC resets the automatic gain control after a configuration
	// change or a stuck receive.
	ResetAGC()
}
