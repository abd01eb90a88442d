package kiss

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"log/slog"
	"time"

	"github.com/rfmesh/meshnode/core/crypto"
	"github.com/rfmesh/meshnode/radio"
)

// Port 0 commands.
const (
	CmdData        = 0x00
	CmdTxDelay     = 0x01
	CmdPersistence = 0x02
	CmdSlotTime    = 0x03
	CmdTxTail      = 0x04
	CmdFullDuplex  = 0x05
	CmdSetHardware = 0x06
	CmdReturn      = 0xFF
)

// SETHARDWARE sub-commands.
const (
	HwGetIdentity     = 0x01
	HwGetRandom       = 0x02
	HwVerifySignature = 0x03
	HwSignData        = 0x04
	HwEncryptData     = 0x05
	HwDecryptData     = 0x06
	HwKeyExchange     = 0x07
	HwHash            = 0x08
	HwSetRadio        = 0x09
	HwSetTxPower      = 0x0A
	HwGetRadio        = 0x0B
	HwGetTxPower      = 0x0C
	HwGetCurrentRSSI  = 0x0D
	HwIsChannelBusy   = 0x0E
	HwGetAirtime      = 0x0F
	HwGetNoiseFloor   = 0x10
	HwGetVersion      = 0x11
	HwGetStats        = 0x12
	HwGetBattery      = 0x13
	HwGetMCUTemp      = 0x14
	HwGetSensors      = 0x15
	HwGetDeviceName   = 0x16
	HwPing            = 0x17
	HwReboot          = 0x18
	HwSetSignalReport = 0x19
	HwGetSignalReport = 0x1A
)

// Generic and unsolicited response codes. Command-specific responses use
// RespCode.
const (
	HwRespOK     = 0xF0
	HwRespError  = 0xF1
	HwRespTxDone = 0xF8
	HwRespRxMeta = 0xF9
)

// RespCode returns the response sub-command for a request sub-command.
func RespCode(cmd byte) byte { return cmd | 0x80 }

// Error codes carried in an HwRespError frame.
const (
	HwErrInvalidLength = 0x01
	HwErrInvalidParam  = 0x02
	HwErrNotSupported  = 0x03
	HwErrMACFailed     = 0x04
	HwErrUnknownCmd    = 0x05
	HwErrEncryptFailed = 0x06
)

// ModemVersion is reported by the GET_VERSION sub-command.
const ModemVersion = 1

// Default TNC parameters; the host may change them with the standard
// port-0 commands. Times are in units of 10 ms.
const (
	DefaultTxDelay     = 50
	DefaultPersistence = 63
	DefaultSlotTime    = 10
)

// pollInterval paces the radio poll and transmit state machine.
const pollInterval = 2 * time.Millisecond

type txState int

const (
	txIdle txState = iota
	txWaitClear
	txSlotWait
	txDelay
	txSending
)

// radioConfig mirrors the 10-byte SET_RADIO payload plus tx power.
type radioConfig struct {
	freqHz  uint32
	bwHz    uint32
	sf      uint8
	cr      uint8
	txPower uint8
}

// Config holds the configuration for a Modem.
type Config struct {
	// Stream is the host-facing byte link, typically an open serial port.
	Stream io.ReadWriter

	// Radio is the driver the modem owns exclusively while running.
	Radio radio.Driver

	// Identity serves the GET_IDENTITY, SIGN_DATA, and KEY_EXCHANGE
	// sub-commands.
	Identity *crypto.KeyPair

	// DeviceName is reported by GET_DEVICE_NAME.
	DeviceName string

	// Stats, if set, serves GET_STATS with rx/tx/error counts.
	Stats func() (rx, tx, errs uint32)

	// Logger for modem events. Falls back to slog.Default if nil.
	Logger *slog.Logger
}

// Modem bridges a host to the radio using KISS framing. All state is
// owned by the Run goroutine; only construction and Run are safe to call
// from elsewhere.
type Modem struct {
	cfg Config
	log *slog.Logger

	dec    Decoder
	outBuf []byte
	rxBuf  [radio.DefaultMaxFrameLen]byte

	txDelay     uint8
	persistence uint8
	slotTime    uint8
	txTail      uint8
	fullDuplex  bool

	pending []byte
	state   txState
	timer   time.Time

	radioCfg     radioConfig
	signalReport bool

	now      func() time.Time
	randByte func() uint8
}

// NewModem creates a modem over the given stream and radio.
func NewModem(cfg Config) *Modem {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Modem{
		cfg:          cfg,
		log:          logger.WithGroup("kiss"),
		txDelay:      DefaultTxDelay,
		persistence:  DefaultPersistence,
		slotTime:     DefaultSlotTime,
		signalReport: true,
		now:          time.Now,
		randByte:     randomByte,
	}
}

func randomByte() uint8 {
	var b [1]byte
	rand.Read(b[:])
	return b[0]
}

// Run services the host link and the radio until the context is
// cancelled or the stream fails. It owns the radio for its duration.
func (m *Modem) Run(ctx context.Context) error {
	chunks := make(chan []byte, 8)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 512)
		for {
			n, err := m.cfg.Stream.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err == io.EOF {
				return nil
			}
			return err
		case chunk := <-chunks:
			m.dec.Feed(chunk, m.handleFrame)
		case <-ticker.C:
			m.pollRadio()
			m.processTx()
		}
	}
}

// write sends one framed message to the host.
func (m *Modem) write(frameType byte, chunks ...[]byte) {
	m.outBuf = AppendFrame(m.outBuf[:0], frameType, chunks...)
	if _, err := m.cfg.Stream.Write(m.outBuf); err != nil {
		m.log.Warn("host write failed", "error", err)
	}
}

func (m *Modem) writeHardware(subCmd byte, data []byte) {
	m.write(CmdSetHardware, []byte{subCmd}, data)
}

func (m *Modem) writeHardwareError(code byte) {
	m.writeHardware(HwRespError, []byte{code})
}

// pollRadio forwards one received frame to the host as a DATA frame,
// followed by an unsolicited RX_META report when enabled.
func (m *Modem) pollRadio() {
	n := m.cfg.Radio.RecvRaw(m.rxBuf[:])
	if n == 0 {
		return
	}
	m.write(CmdData, m.rxBuf[:n])
	if m.signalReport {
		meta := [2]byte{byte(m.cfg.Radio.LastSNR()), byte(int8(m.cfg.Radio.LastRSSI()))}
		m.writeHardware(HwRespRxMeta, meta[:])
	}
}

// processTx advances the transmit state machine one step: wait for a
// clear channel, draw against the persistence threshold, honor the
// TXDELAY keyup time, then report TX_DONE once the radio finishes.
func (m *Modem) processTx() {
	switch m.state {
	case txIdle:
		if m.pending == nil {
			return
		}
		if m.fullDuplex {
			m.timer = m.now()
			m.state = txDelay
		} else {
			m.state = txWaitClear
		}

	case txWaitClear:
		if m.cfg.Radio.IsReceiving() {
			return
		}
		m.timer = m.now()
		if m.randByte() <= m.persistence {
			m.state = txDelay
		} else {
			m.state = txSlotWait
		}

	case txSlotWait:
		if m.now().Sub(m.timer) >= time.Duration(m.slotTime)*10*time.Millisecond {
			m.state = txWaitClear
		}

	case txDelay:
		if m.now().Sub(m.timer) < time.Duration(m.txDelay)*10*time.Millisecond {
			return
		}
		if err := m.cfg.Radio.StartSendRaw(m.pending); err != nil {
			m.log.Warn("radio rejected frame", "error", err)
			m.pending = nil
			m.state = txIdle
			return
		}
		m.state = txSending

	case txSending:
		if !m.cfg.Radio.IsSendComplete() {
			return
		}
		m.cfg.Radio.OnSendFinished()
		m.writeHardware(HwRespTxDone, []byte{0x01})
		m.pending = nil
		m.state = txIdle
	}
}

// handleFrame dispatches one decoded host frame.
func (m *Modem) handleFrame(frame []byte) {
	typeByte := frame[0]
	if typeByte == CmdReturn {
		return
	}
	if typeByte>>4 != 0 {
		return // only port 0
	}
	cmd := typeByte & 0x0F
	data := frame[1:]

	switch cmd {
	case CmdData:
		if len(data) > 0 && len(data) <= MaxPacketSize && m.pending == nil {
			m.pending = append([]byte(nil), data...)
		}
	case CmdTxDelay:
		if len(data) >= 1 {
			m.txDelay = data[0]
		}
	case CmdPersistence:
		if len(data) >= 1 {
			m.persistence = data[0]
		}
	case CmdSlotTime:
		if len(data) >= 1 {
			m.slotTime = data[0]
		}
	case CmdTxTail:
		if len(data) >= 1 {
			m.txTail = data[0]
		}
	case CmdFullDuplex:
		if len(data) >= 1 {
			m.fullDuplex = data[0] != 0
		}
	case CmdSetHardware:
		if len(data) >= 1 {
			m.handleHardware(data[0], data[1:])
		}
	}
}

func (m *Modem) handleHardware(subCmd byte, data []byte) {
	switch subCmd {
	case HwGetIdentity:
		m.writeHardware(RespCode(HwGetIdentity), m.cfg.Identity.PublicKey)

	case HwGetRandom:
		m.handleGetRandom(data)

	case HwVerifySignature:
		m.handleVerifySignature(data)

	case HwSignData:
		if len(data) < 1 {
			m.writeHardwareError(HwErrInvalidLength)
			return
		}
		sig := ed25519.Sign(m.cfg.Identity.PrivateKey, data)
		m.writeHardware(RespCode(HwSignData), sig)

	case HwEncryptData:
		m.handleEncryptData(data)

	case HwDecryptData:
		m.handleDecryptData(data)

	case HwKeyExchange:
		m.handleKeyExchange(data)

	case HwHash:
		if len(data) < 1 {
			m.writeHardwareError(HwErrInvalidLength)
			return
		}
		sum := sha256.Sum256(data)
		m.writeHardware(RespCode(HwHash), sum[:])

	case HwSetRadio:
		m.handleSetRadio(data)

	case HwSetTxPower:
		m.handleSetTxPower(data)

	case HwGetRadio:
		var buf [10]byte
		binary.LittleEndian.PutUint32(buf[0:4], m.radioCfg.freqHz)
		binary.LittleEndian.PutUint32(buf[4:8], m.radioCfg.bwHz)
		buf[8] = m.radioCfg.sf
		buf[9] = m.radioCfg.cr
		m.writeHardware(RespCode(HwGetRadio), buf[:])

	case HwGetTxPower:
		m.writeHardware(RespCode(HwGetTxPower), []byte{m.radioCfg.txPower})

	case HwGetVersion:
		m.writeHardware(RespCode(HwGetVersion), []byte{ModemVersion, 0})

	case HwGetCurrentRSSI:
		m.writeHardware(RespCode(HwGetCurrentRSSI), []byte{byte(int8(m.cfg.Radio.CurrentRSSI()))})

	case HwIsChannelBusy:
		busy := byte(0)
		if m.cfg.Radio.IsReceiving() {
			busy = 1
		}
		m.writeHardware(RespCode(HwIsChannelBusy), []byte{busy})

	case HwGetAirtime:
		if len(data) < 1 {
			m.writeHardwareError(HwErrInvalidLength)
			return
		}
		ms := uint32(m.cfg.Radio.EstAirtimeFor(int(data[0])) / time.Millisecond)
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], ms)
		m.writeHardware(RespCode(HwGetAirtime), buf[:])

	case HwGetNoiseFloor:
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(int16(m.cfg.Radio.NoiseFloor())))
		m.writeHardware(RespCode(HwGetNoiseFloor), buf[:])

	case HwGetStats:
		if m.cfg.Stats == nil {
			m.writeHardwareError(HwErrNotSupported)
			return
		}
		rx, tx, errs := m.cfg.Stats()
		var buf [12]byte
		binary.LittleEndian.PutUint32(buf[0:4], rx)
		binary.LittleEndian.PutUint32(buf[4:8], tx)
		binary.LittleEndian.PutUint32(buf[8:12], errs)
		m.writeHardware(RespCode(HwGetStats), buf[:])

	case HwGetDeviceName:
		m.writeHardware(RespCode(HwGetDeviceName), []byte(m.cfg.DeviceName))

	case HwPing:
		m.writeHardware(RespCode(HwPing), nil)

	case HwSetSignalReport:
		if len(data) < 1 {
			m.writeHardwareError(HwErrInvalidLength)
			return
		}
		m.signalReport = data[0] != 0
		m.writeSignalReport()

	case HwGetSignalReport:
		m.writeSignalReport()

	case HwGetBattery, HwGetMCUTemp, HwGetSensors, HwReboot:
		// Board-level commands with no meaning for a host daemon.
		m.writeHardwareError(HwErrNotSupported)

	default:
		m.writeHardwareError(HwErrUnknownCmd)
	}
}

func (m *Modem) writeSignalReport() {
	val := byte(0)
	if m.signalReport {
		val = 1
	}
	m.writeHardware(RespCode(HwGetSignalReport), []byte{val})
}

func (m *Modem) handleGetRandom(data []byte) {
	if len(data) < 1 {
		m.writeHardwareError(HwErrInvalidLength)
		return
	}
	n := int(data[0])
	if n < 1 || n > 64 {
		m.writeHardwareError(HwErrInvalidParam)
		return
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		m.writeHardwareError(HwErrInvalidParam)
		return
	}
	m.writeHardware(RespCode(HwGetRandom), buf)
}

func (m *Modem) handleVerifySignature(data []byte) {
	if len(data) < ed25519.PublicKeySize+ed25519.SignatureSize+1 {
		m.writeHardwareError(HwErrInvalidLength)
		return
	}
	pub := ed25519.PublicKey(data[:ed25519.PublicKeySize])
	sig := data[ed25519.PublicKeySize : ed25519.PublicKeySize+ed25519.SignatureSize]
	msg := data[ed25519.PublicKeySize+ed25519.SignatureSize:]

	result := byte(0)
	if ed25519.Verify(pub, msg, sig) {
		result = 1
	}
	m.writeHardware(RespCode(HwVerifySignature), []byte{result})
}

func (m *Modem) handleEncryptData(data []byte) {
	if len(data) < crypto.SecretSize+1 {
		m.writeHardwareError(HwErrInvalidLength)
		return
	}
	out, err := crypto.EncryptAddressedWithSecret(data[crypto.SecretSize:], data[:crypto.SecretSize])
	if err != nil {
		m.writeHardwareError(HwErrEncryptFailed)
		return
	}
	m.writeHardware(RespCode(HwEncryptData), out)
}

func (m *Modem) handleDecryptData(data []byte) {
	if len(data) < crypto.SecretSize+crypto.CipherMACSize+1 {
		m.writeHardwareError(HwErrInvalidLength)
		return
	}
	out, err := crypto.DecryptAddressedWithSecret(data[crypto.SecretSize:], data[:crypto.SecretSize])
	if err != nil {
		m.writeHardwareError(HwErrMACFailed)
		return
	}
	m.writeHardware(RespCode(HwDecryptData), out)
}

func (m *Modem) handleKeyExchange(data []byte) {
	if len(data) < ed25519.PublicKeySize {
		m.writeHardwareError(HwErrInvalidLength)
		return
	}
	secret, err := crypto.ComputeSharedSecret(m.cfg.Identity.PrivateKey, data[:ed25519.PublicKeySize])
	if err != nil {
		m.writeHardwareError(HwErrInvalidParam)
		return
	}
	m.writeHardware(RespCode(HwKeyExchange), secret)
}

func (m *Modem) handleSetRadio(data []byte) {
	if len(data) < 10 {
		m.writeHardwareError(HwErrInvalidLength)
		return
	}
	cfg := radioConfig{
		freqHz:  binary.LittleEndian.Uint32(data[0:4]),
		bwHz:    binary.LittleEndian.Uint32(data[4:8]),
		sf:      data[8],
		cr:      data[9],
		txPower: m.radioCfg.txPower,
	}
	err := m.cfg.Radio.SetParams(radio.Params{
		FrequencyMHz:    float32(cfg.freqHz) / 1e6,
		BandwidthKHz:    float32(cfg.bwHz) / 1000,
		SpreadingFactor: cfg.sf,
		CodingRate:      cfg.cr,
	})
	if err != nil {
		m.writeHardwareError(HwErrInvalidParam)
		return
	}
	m.radioCfg = cfg
	m.cfg.Radio.ResetAGC()
	m.writeHardware(HwRespOK, nil)
}

func (m *Modem) handleSetTxPower(data []byte) {
	if len(data) < 1 {
		m.writeHardwareError(HwErrInvalidLength)
		return
	}
	if err := m.cfg.Radio.SetTxPower(int8(data[0])); err != nil {
		m.writeHardwareError(HwErrInvalidParam)
		return
	}
	m.radioCfg.txPower = data[0]
	m.writeHardware(HwRespOK, nil)
}
