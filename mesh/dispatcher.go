package mesh

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/rfmesh/meshnode/core/codec"
	"github.com/rfmesh/meshnode/radio"
)

const (
	// DefaultPersistence is the CSMA persistence threshold. A random byte
	// at or below it wins the channel (64/256 chance per attempt).
	DefaultPersistence = 63

	// DefaultSlotTime is the CSMA slot unit. A losing draw backs off for
	// SlotTime x 10 ms before re-checking the channel.
	DefaultSlotTime = 5
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Radio  radio.Driver
	Engine *Engine

	// Persistence is the CSMA win threshold (0..255). Default DefaultPersistence.
	Persistence uint8

	// SlotTime is the CSMA slot count; the backoff after a losing draw is
	// SlotTime x 10 ms. Default DefaultSlotTime.
	SlotTime uint8

	// OnTxDone fires after each completed transmission. The KISS modem
	// surface reports these unsolicited.
	OnTxDone func()

	// OnRxMeta fires for each decoded frame with the radio's reported
	// signal quality.
	OnRxMeta func(snr int8, rssi int)

	// Logger for dispatcher events. Falls back to slog.Default if nil.
	Logger *slog.Logger
}

// Dispatcher drives the routing engine over a radio from a single
// cooperative loop. The caller invokes Loop frequently; nothing blocks.
type Dispatcher struct {
	cfg      DispatcherConfig
	log      *slog.Logger
	engine   *Engine
	queue    *SendQueue
	counters Counters

	rxBuf        [radio.DefaultMaxFrameLen]byte
	inflight     bool
	backoffUntil time.Time
	now          func() time.Time
	randByte     func() uint8
}

// NewDispatcher creates a dispatcher over the given radio and engine.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Persistence == 0 {
		cfg.Persistence = DefaultPersistence
	}
	if cfg.SlotTime == 0 {
		cfg.SlotTime = DefaultSlotTime
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		log:      logger.WithGroup("dispatcher"),
		engine:   cfg.Engine,
		queue:    NewSendQueue(),
		now:      time.Now,
		randByte: randomByte,
	}
}

func randomByte() uint8 {
	return uint8(rand.IntN(256))
}

// Counters returns the dispatcher's traffic counters.
func (d *Dispatcher) Counters() *Counters {
	return &d.counters
}

// QueueLen returns the number of packets waiting to transmit.
func (d *Dispatcher) QueueLen() int {
	return d.queue.Len()
}

// Send enqueues a packet for transmission. The packet is recorded in the
// mesh tables first so an over-the-air echo is not re-processed.
func (d *Dispatcher) Send(pkt *codec.Packet, priority uint8, delay time.Duration) {
	d.engine.MarkSeen(pkt)
	d.queue.Push(pkt, priority, delay)
}

// SendFlood clears the packet's path and sends it flood-routed.
func (d *Dispatcher) SendFlood(pkt *codec.Packet, priority uint8) {
	pkt.Header = (pkt.Header &^ codec.PHRouteMask) | codec.RouteTypeFlood
	pkt.PathLen = 0
	pkt.Path = nil
	d.Send(pkt, priority, 0)
}

// SendDirect sets the packet's path to the given hop hashes and sends it
// direct-routed at the highest priority.
func (d *Dispatcher) SendDirect(pkt *codec.Packet, path []byte) {
	pkt.Header = (pkt.Header &^ codec.PHRouteMask) | codec.RouteTypeDirect
	pkt.PathLen = uint8(len(path))
	pkt.Path = make([]byte, len(path))
	copy(pkt.Path, path)
	d.Send(pkt, PriorityDirect, 0)
}

// SendZeroHop sends the packet direct-routed with an empty path. Relays
// never forward it; only nodes in radio range see it.
func (d *Dispatcher) SendZeroHop(pkt *codec.Packet) {
	pkt.Header = (pkt.Header &^ codec.PHRouteMask) | codec.RouteTypeDirect
	pkt.PathLen = 0
	pkt.Path = nil
	d.Send(pkt, PriorityDirect, 0)
}

// Loopback re-injects a locally constructed packet as if it had just been
// received over the air. Its mesh-table entry is cleared first so routing
// is not suppressed when the packet was previously seen or sent, e.g. a
// stored advert being replayed into the contact pipeline.
func (d *Dispatcher) Loopback(pkt *codec.Packet) {
	d.engine.ClearSeen(pkt)
	action := d.engine.Route(pkt)
	if action.Kind == ActionRetransmit {
		d.counters.Forwarded.Add(1)
		d.queue.Push(pkt, action.Priority, action.Delay)
	}
}

// Loop performs one dispatcher tick: reap transmit completion, then drain
// one received frame, then attempt one transmission through the CSMA gate.
// All engine callbacks fire on the caller's goroutine.
func (d *Dispatcher) Loop() {
	if d.inflight {
		if !d.cfg.Radio.IsSendComplete() {
			return
		}
		d.cfg.Radio.OnSendFinished()
		d.inflight = false
		if d.cfg.OnTxDone != nil {
			d.cfg.OnTxDone()
		}
	}

	if d.recvOne() {
		return
	}

	d.trySend()
}

// recvOne decodes and routes one pending frame. Returns true if a frame
// was consumed, whether or not it routed cleanly.
func (d *Dispatcher) recvOne() bool {
	n := d.cfg.Radio.RecvRaw(d.rxBuf[:])
	if n == 0 {
		return false
	}

	pkt := &codec.Packet{}
	if err := pkt.ReadFrom(d.rxBuf[:n]); err != nil {
		d.counters.MalformedFrames.Add(1)
		d.log.Debug("malformed frame", "len", n, "error", err)
		return true
	}
	pkt.SNR = d.cfg.Radio.LastSNR()
	d.counters.PacketsRecv.Add(1)

	if d.cfg.OnRxMeta != nil {
		d.cfg.OnRxMeta(pkt.SNR, d.cfg.Radio.LastRSSI())
	}

	action := d.engine.Route(pkt)
	switch action.Kind {
	case ActionRetransmit:
		d.counters.Forwarded.Add(1)
		d.queue.Push(pkt, action.Priority, action.Delay)
	case ActionDeliver:
		d.counters.Delivered.Add(1)
	default:
		d.counters.Released.Add(1)
	}
	return true
}

// trySend runs the CSMA gate and hands one eligible packet to the radio:
// while a frame is on the air, wait; once clear, draw a random byte and
// transmit if it is at or below the persistence threshold, otherwise back
// off one slot and re-check on a later tick.
func (d *Dispatcher) trySend() {
	if !d.queue.HasReady() {
		return
	}
	if d.cfg.Radio.IsReceiving() {
		return
	}
	now := d.now()
	if now.Before(d.backoffUntil) {
		return
	}
	if d.randByte() > d.cfg.Persistence {
		d.backoffUntil = now.Add(time.Duration(d.cfg.SlotTime) * 10 * time.Millisecond)
		return
	}

	pkt := d.queue.Pop()
	if pkt == nil {
		return
	}
	if err := d.cfg.Radio.StartSendRaw(pkt.WriteTo()); err != nil {
		d.log.Warn("radio rejected frame", "error", err)
		return
	}
	d.inflight = true
	d.counters.PacketsSent.Add(1)
}
