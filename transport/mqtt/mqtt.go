// Package mqtt bridges mesh packets over an MQTT broker, letting nodes on
// different radio islands exchange traffic across an IP backhaul. Each mesh
// shares one topic, "{prefix}/{meshID}", and packets travel on it as
// base64-encoded strings. Reconnection is delegated to the paho client.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rfmesh/meshnode/core/codec"
	"github.com/rfmesh/meshnode/transport"
)

var _ transport.Transport = (*Transport)(nil)

// DefaultTopicPrefix is used when Config.TopicPrefix is empty.
const DefaultTopicPrefix = "meshnode"

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
	keepAlive      = 60 * time.Second
	pingTimeout    = 10 * time.Second
	retryInterval  = 5 * time.Second
	retryMax       = 2 * time.Minute
)

// Config holds the settings for an MQTT transport.
type Config struct {
	// Broker is the broker URL, e.g. "tcp://broker.example.com:1883".
	Broker string
	// Username and Password authenticate with the broker when set.
	Username string
	Password string
	// UseTLS wraps the broker connection in TLS.
	UseTLS bool
	// ClientID identifies this client to the broker. Empty generates one.
	ClientID string
	// TopicPrefix is the first topic segment. Empty selects DefaultTopicPrefix.
	TopicPrefix string
	// MeshID names the mesh this node belongs to; packets are exchanged on
	// "{TopicPrefix}/{MeshID}".
	MeshID string
	// Logger receives transport events. Nil selects slog.Default().
	Logger *slog.Logger
}

// Transport moves mesh packets through a shared MQTT topic.
type Transport struct {
	cfg Config
	log *slog.Logger

	mu            sync.RWMutex
	client        paho.Client
	connected     bool
	packetHandler transport.PacketHandler
	stateHandler  transport.StateHandler
}

// New returns an unstarted transport for the given broker and mesh.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("mqtt"),
	}
}

// Start connects to the broker. The subscription is installed from the
// on-connect handler so it survives broker-side reconnects.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if t.cfg.MeshID == "" {
		return errors.New("mesh ID is required")
	}

	client := paho.NewClient(t.clientOptions())
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	return nil
}

func (t *Transport) clientOptions() *paho.ClientOptions {
	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "meshnode-" + randomSuffix(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(retryInterval).
		SetMaxReconnectInterval(retryMax).
		SetKeepAlive(keepAlive).
		SetPingTimeout(pingTimeout).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// Stop disconnects from the broker, allowing in-flight messages to drain.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		t.client.Disconnect(1000)
		t.connected = false
	}
	return nil
}

// IsConnected reports whether the broker session is up.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
}

// SetPacketHandler sets the callback for packets arriving on the mesh topic.
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

// SendPacket publishes a packet to the mesh topic at QoS 0.
func (t *Transport) SendPacket(packet *codec.Packet) error {
	if !t.IsConnected() {
		return errors.New("not connected")
	}

	payload := base64.StdEncoding.EncodeToString(packet.WriteTo())
	token := t.client.Publish(t.topic(), 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

func (t *Transport) topic() string {
	return t.cfg.TopicPrefix + "/" + t.cfg.MeshID
}

func (t *Transport) handleMessage(_ paho.Client, message paho.Message) {
	t.mu.RLock()
	handler := t.packetHandler
	t.mu.RUnlock()
	if handler == nil {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(string(message.Payload()))
	if err != nil {
		t.log.Debug("dropping non-base64 message", "error", err)
		return
	}

	var packet codec.Packet
	if err := packet.ReadFrom(raw); err != nil {
		t.log.Debug("dropping undecodable packet", "error", err)
		return
	}
	handler(&packet, transport.PacketSourceMQTT)
}

func (t *Transport) onConnected(_ paho.Client) {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	topic := t.topic()
	t.client.Subscribe(topic, 0, t.handleMessage)
	t.log.Info("connected to MQTT broker", "broker", t.cfg.Broker, "topic", topic)
	t.notify(transport.EventConnected)
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()

	t.log.Error("MQTT connection lost", "error", err)
	t.notify(transport.EventDisconnected)
}

func (t *Transport) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	t.log.Info("reconnecting to MQTT broker")
	t.notify(transport.EventReconnecting)
}

func (t *Transport) notify(event transport.Event) {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(t, event)
	}
}

func randomSuffix(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
