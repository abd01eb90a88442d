package mesh

import "sync/atomic"

// Counters tracks dispatcher traffic statistics. Fields are atomics so
// other goroutines can read a snapshot while the loop runs.
type Counters struct {
	PacketsRecv     atomic.Uint32 // Frames decoded successfully
	PacketsSent     atomic.Uint32 // Frames handed to the radio
	MalformedFrames atomic.Uint32 // Frames that failed codec validation
	Delivered       atomic.Uint32 // Packets consumed locally
	Forwarded       atomic.Uint32 // Packets re-enqueued for relay
	Released        atomic.Uint32 // Packets dropped by the routing engine
}

// CountersSnapshot is a plain-value copy of Counters.
type CountersSnapshot struct {
	PacketsRecv     uint32
	PacketsSent     uint32
	MalformedFrames uint32
	Delivered       uint32
	Forwarded       uint32
	Released        uint32
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		PacketsRecv:     c.PacketsRecv.Load(),
		PacketsSent:     c.PacketsSent.Load(),
		MalformedFrames: c.MalformedFrames.Load(),
		Delivered:       c.Delivered.Load(),
		Forwarded:       c.Forwarded.Load(),
		Released:        c.Released.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.PacketsRecv.Store(0)
	c.PacketsSent.Store(0)
	c.MalformedFrames.Store(0)
	c.Delivered.Store(0)
	c.Forwarded.Store(0)
	c.Released.Store(0)
}
