// Package ack tracks outbound messages that expect an acknowledgement.
//
// Each pending entry is keyed by the 4-byte ack CRC the recipient will
// echo back (crypto.ComputeAckHash). Timeouts are derived from the
// packet's estimated airtime: a flood send waits long enough for the
// packet to ripple out and the ack to ripple back, a direct send waits
// per hop on the known path.
package ack

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultAckTimeout applies when an entry carries no explicit timeout.
	DefaultAckTimeout = 12 * time.Second

	// DefaultMaxRetries is the number of retry attempts after the initial
	// send (total attempts = 1 + MaxRetries).
	DefaultMaxRetries = 3

	// sendTimeoutBase is the fixed slack added to every derived timeout,
	// covering CSMA waits and receiver processing.
	sendTimeoutBase = 500 * time.Millisecond

	// floodTimeoutFactor scales packet airtime for flood sends, where the
	// hop count is unknown and every repeater re-draws the channel.
	floodTimeoutFactor = 16

	// directPerHopFactor and directPerHopExtra budget each hop of a
	// direct send: a few airtimes of channel contention plus turnaround.
	directPerHopFactor = 6
	directPerHopExtra  = 250 * time.Millisecond

	// checkInterval is the resolution of the timeout check loop.
	checkInterval = time.Second
)

// FloodTimeout returns the ack deadline for a flood-routed send with the
// given estimated packet airtime.
func FloodTimeout(airtime time.Duration) time.Duration {
	return sendTimeoutBase + floodTimeoutFactor*airtime
}

// DirectTimeout returns the ack deadline for a direct-routed send over a
// path of pathLen hops.
func DirectTimeout(airtime time.Duration, pathLen int) time.Duration {
	perHop := directPerHopFactor*airtime + directPerHopExtra
	return sendTimeoutBase + time.Duration(pathLen+1)*perHop
}

// PendingAck is an outbound message awaiting acknowledgement.
type PendingAck struct {
	// Timeout is the ack deadline per attempt. Zero means the tracker's
	// configured default.
	Timeout time.Duration

	// OnAck is called when the ack arrives. May be nil.
	OnAck func()

	// OnTimeout is called when all retry attempts are exhausted. May be nil.
	OnTimeout func()

	// Resend is called for each retry attempt. Nil disables retries for
	// this entry.
	Resend func() error

	sentAt  time.Time
	retries int
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// AckTimeout applies to entries that carry no explicit timeout.
	// Default DefaultAckTimeout.
	AckTimeout time.Duration

	// MaxRetries is the number of retry attempts after the initial send.
	MaxRetries int

	// OnSendTimeout fires with the entry's CRC whenever a pending ack
	// expires for good, after the entry's own OnTimeout. May be nil.
	OnSendTimeout func(crc uint32)

	// Logger for tracker events. Falls back to slog.Default if nil.
	Logger *slog.Logger
}

// Tracker is the expected-ack registry. Safe for concurrent use.
type Tracker struct {
	cfg     TrackerConfig
	log     *slog.Logger
	mu      sync.Mutex
	pending map[uint32]*PendingAck
	cancel  context.CancelFunc

	nowFn func() time.Time
}

// NewTracker creates an ack tracker with the given configuration.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		log:     logger.WithGroup("ack"),
		pending: make(map[uint32]*PendingAck),
		nowFn:   time.Now,
	}
}

// Track registers a pending ack under its CRC. An existing entry with the
// same CRC is replaced without firing its callbacks.
func (t *Tracker) Track(crc uint32, pending PendingAck) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending.sentAt = t.nowFn()
	pending.retries = 0
	t.pending[crc] = &pending
}

// Resolve marks an ack as received. Returns true if the CRC was pending;
// the entry's OnAck fires and the entry is removed.
func (t *Tracker) Resolve(crc uint32) bool {
	t.mu.Lock()
	p, ok := t.pending[crc]
	if ok {
		delete(t.pending, crc)
	}
	t.mu.Unlock()

	if ok && p.OnAck != nil {
		p.OnAck()
	}
	return ok
}

// Cancel removes a pending ack without calling any callbacks.
func (t *Tracker) Cancel(crc uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, crc)
}

// PendingCount returns the number of pending acks.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Start runs the timeout check loop until the context is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkTimeouts()
		}
	}
}

// Stop cancels the tracker's context, stopping the timeout check loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Tracker) timeoutFor(p *PendingAck) time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return t.cfg.AckTimeout
}

// checkTimeouts expires overdue entries, retrying those that still have
// attempts left.
func (t *Tracker) checkTimeouts() {
	t.mu.Lock()
	now := t.nowFn()

	retryEntries := make(map[uint32]*PendingAck)
	timeoutEntries := make(map[uint32]*PendingAck)

	for crc, p := range t.pending {
		if now.Sub(p.sentAt) < t.timeoutFor(p) {
			continue
		}
		if p.retries < t.cfg.MaxRetries && p.Resend != nil {
			p.retries++
			p.sentAt = now
			retryEntries[crc] = p
		} else {
			timeoutEntries[crc] = p
			delete(t.pending, crc)
		}
	}
	t.mu.Unlock()

	for crc, p := range retryEntries {
		if err := p.Resend(); err != nil {
			t.log.Warn("retry failed", "crc", crc, "attempt", p.retries, "error", err)
		} else {
			t.log.Debug("retrying", "crc", crc, "attempt", p.retries)
		}
	}

	for crc, p := range timeoutEntries {
		t.log.Debug("ack timed out", "crc", crc, "retries", p.retries)
		if p.OnTimeout != nil {
			p.OnTimeout()
		}
		if t.cfg.OnSendTimeout != nil {
			t.cfg.OnSendTimeout(crc)
		}
	}
}
