// Package serial bridges mesh packets over an RS232 serial link, typically
// a USB-attached radio modem. Wire frames carry the 0xC03E magic and a
// Fletcher-16 checksum; the package reassembles frames from the raw byte
// stream and resynchronizes on corruption.
//
// The transport supervises its own port: if the device disappears (USB
// unplug, modem reset) the read loop reports the failure and the supervisor
// reopens the port with backoff until it comes back or Stop is called.
package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rfmesh/meshnode/core/codec"
	"github.com/rfmesh/meshnode/transport"
	"go.bug.st/serial"
)

var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate matches the rate stock radio modems ship with.
	DefaultBaudRate = 115200

	readChunkSize = 1024

	reopenDelayMin = time.Second
	reopenDelayMax = 30 * time.Second
)

// Config holds the settings for a serial transport.
type Config struct {
	// Port is the serial device path, e.g. "/dev/ttyUSB0" or "COM3".
	Port string
	// BaudRate is the line rate. Zero selects DefaultBaudRate.
	BaudRate int
	// Logger receives transport events. Nil selects slog.Default().
	Logger *slog.Logger
}

// Transport moves mesh packets across a serial port and keeps the port
// alive across device disconnects.
type Transport struct {
	cfg Config
	log *slog.Logger

	mu            sync.RWMutex
	port          serial.Port
	connected     bool
	packetHandler transport.PacketHandler
	stateHandler  transport.StateHandler

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an unstarted transport for the given port.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("serial"),
	}
}

// Start opens the port and launches the supervising read loop. The first
// open must succeed; later disconnects are handled by reconnecting in the
// background.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	port, err := t.open()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	t.setPort(port)
	go t.supervise(runCtx)
	return nil
}

// Stop tears down the port and waits for the supervisor to exit.
func (t *Transport) Stop() error {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.closePort()
	if done != nil {
		<-done
	}

	t.notify(transport.EventDisconnected)
	return nil
}

// IsConnected reports whether the port is currently open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// SetPacketHandler sets the callback for packets arriving on the link.
func (t *Transport) SetPacketHandler(fn transport.PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.packetHandler = fn
}

// SetStateHandler sets the callback for connection state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// SendPacket frames a packet and writes it to the port.
func (t *Transport) SendPacket(packet *codec.Packet) error {
	t.mu.RLock()
	port := t.port
	connected := t.connected
	t.mu.RUnlock()

	if !connected || port == nil {
		return errors.New("not connected")
	}

	frame, err := codec.EncodeRS232Frame(packet.WriteTo())
	if err != nil {
		return fmt.Errorf("encoding RS232 frame: %w", err)
	}
	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("writing to serial port: %w", err)
	}
	return nil
}

func (t *Transport) open() (serial.Port, error) {
	port, err := serial.Open(t.cfg.Port, &serial.Mode{BaudRate: t.cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("opening serial port: %w", err)
	}
	return port, nil
}

func (t *Transport) setPort(port serial.Port) {
	t.mu.Lock()
	t.port = port
	t.connected = true
	t.mu.Unlock()

	t.log.Info("serial port open", "port", t.cfg.Port, "baud", t.cfg.BaudRate)
	t.notify(transport.EventConnected)
}

func (t *Transport) closePort() {
	t.mu.Lock()
	port := t.port
	t.port = nil
	t.connected = false
	t.mu.Unlock()

	if port != nil {
		port.Close()
	}
}

// supervise runs the read loop and reopens the port after failures until
// the context is cancelled.
func (t *Transport) supervise(ctx context.Context) {
	defer close(t.done)

	for {
		err := t.readLoop(ctx)
		t.closePort()
		if ctx.Err() != nil {
			return
		}

		t.log.Error("serial link lost", "error", err)
		t.notify(transport.EventDisconnected)

		if !t.reopen(ctx) {
			return
		}
	}
}

// reopen retries opening the port with increasing delays. It returns false
// when the context ends before a port is obtained.
func (t *Transport) reopen(ctx context.Context) bool {
	delay := reopenDelayMin
	for {
		t.notify(transport.EventReconnecting)
		t.log.Info("reopening serial port", "port", t.cfg.Port, "retry_in", delay)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		port, err := t.open()
		if err == nil {
			t.setPort(port)
			return true
		}
		t.log.Debug("serial reopen failed", "error", err)

		delay *= 2
		if delay > reopenDelayMax {
			delay = reopenDelayMax
		}
	}
}

// readLoop pulls bytes off the port and feeds the frame assembler. It
// returns the read error that ended the session.
func (t *Transport) readLoop(ctx context.Context) error {
	t.mu.RLock()
	port := t.port
	t.mu.RUnlock()
	if port == nil {
		return errors.New("port closed")
	}

	chunk := make([]byte, readChunkSize)
	var pending []byte

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := port.Read(chunk)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}

		pending = append(pending, chunk[:n]...)
		pending = t.processFrames(pending)
	}
}

// processFrames consumes complete frames from data, dispatching each decoded
// packet, and returns the unconsumed tail. Undecodable prefixes are skipped
// up to the next frame magic.
func (t *Transport) processFrames(data []byte) []byte {
	for len(data) >= codec.MinFrameSize {
		payload, rest, err := codec.DecodeRS232Frame(data)
		if err != nil {
			if errors.Is(err, codec.ErrIncompleteFrame) {
				return data
			}
			if idx := findMagic(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			return nil
		}
		data = rest

		var packet codec.Packet
		if err := packet.ReadFrom(payload); err != nil {
			t.log.Debug("dropping undecodable frame", "error", err)
			continue
		}

		t.mu.RLock()
		handler := t.packetHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(&packet, transport.PacketSourceSerial)
		}
	}
	return data
}

// findMagic returns the offset of the first frame magic in data, or -1.
func findMagic(data []byte) int {
	hi := byte(uint16(codec.BridgePacketMagic) >> 8)
	lo := byte(codec.BridgePacketMagic & 0xFF)
	for i := 0; i+1 < len(data); i++ {
		if data[i] == hi && data[i+1] == lo {
			return i
		}
	}
	return -1
}

func (t *Transport) notify(event transport.Event) {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(t, event)
	}
}
