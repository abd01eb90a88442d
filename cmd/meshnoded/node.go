package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/rfmesh/meshnode/ack"
	"github.com/rfmesh/meshnode/advert"
	"github.com/rfmesh/meshnode/cli"
	"github.com/rfmesh/meshnode/contact"
	"github.com/rfmesh/meshnode/core"
	"github.com/rfmesh/meshnode/core/clock"
	"github.com/rfmesh/meshnode/core/codec"
	"github.com/rfmesh/meshnode/core/crypto"
	"github.com/rfmesh/meshnode/mesh"
	"github.com/rfmesh/meshnode/region"
	"github.com/rfmesh/meshnode/storage"
	"github.com/rfmesh/meshnode/transport"
	"github.com/rfmesh/meshnode/transport/mqtt"
	"github.com/rfmesh/meshnode/transport/serial"
)

const (
	// bootMarkerBlob records whether the previous run shut down cleanly.
	// A dirty boot bumps every nonce counter past any unsaved sends.
	bootMarkerBlob = "boot_marker"

	// contactsFlushInterval bounds how long a contact change stays unsaved.
	contactsFlushInterval = 30 * time.Second

	// Discover responses are rate limited, mirroring the flood budget of
	// battery nodes: at most discoverBudget replies per discoverWindow.
	discoverBudget = 4
	discoverWindow = 2 * time.Minute

	rxQueueLen = 64
	txQueueLen = 32
)

type rxItem struct {
	pkt    *codec.Packet
	source transport.PacketSource
}

type txItem struct {
	pkt *codec.Packet
	// skip suppresses the echo back onto the link the packet came from.
	// -1 sends on every transport.
	skip transport.PacketSource
}

// node owns all mesh state. The routing engine and the stores behind it
// are only touched from the Run loop goroutine; transports and timers
// communicate with it through channels.
type node struct {
	log    *slog.Logger
	store  *storage.FileStore
	prefs  *storage.Prefs
	keys   *crypto.KeyPair
	selfID core.NodeID
	clk    *clock.Clock

	contacts *contact.ContactManager
	regions  *region.Map
	nonces   *mesh.NonceManager
	sessions *mesh.SessionManager
	tracker  *ack.Tracker
	engine   *mesh.Engine
	sched    *advert.Scheduler
	admin    *cli.CLI

	transports []transport.Transport

	rx    chan rxItem
	tx    chan txItem
	lines chan string

	nodeType uint8

	contactsDirty bool
	lastFlush     time.Time

	discoverCount   int
	discoverResetAt time.Time
}

func newNode(log *slog.Logger) (*node, error) {
	store, err := storage.NewFileStore(dataDir)
	if err != nil {
		return nil, err
	}

	keys, err := storage.EnsureIdentity(store)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	n := &node{
		log:      log,
		store:    store,
		keys:     keys,
		clk:      clock.New(),
		nodeType: parseNodeType(viper.GetString("node.type")),
		rx:       make(chan rxItem, rxQueueLen),
		tx:       make(chan txItem, txQueueLen),
		lines:    make(chan string, 4),
	}
	copy(n.selfID[:], keys.PublicKey)

	if err := n.loadState(); err != nil {
		return nil, err
	}

	n.tracker = ack.NewTracker(ack.TrackerConfig{Logger: log})

	n.engine = mesh.NewEngine(mesh.EngineConfig{
		SelfID:      n.selfID,
		PrivateKey:  keys.PrivateKey,
		FloodFilter: n.regions.FloodFilter(),
		Decryptor:   n.sessions,
		Logger:      log,
	}, &mesh.Delivery{
		PeerLookup:   n.contacts.SearchByHash,
		OnPeerData:   n.onPeerData,
		OnAdvert:     n.onAdvert,
		OnAck:        func(crc uint32) { n.tracker.Resolve(crc) },
		OnControl:    n.onControl,
		AllowForward: func(pkt *codec.Packet) bool { return true },
	})

	n.sched = advert.NewScheduler(n, advert.NewBuilder(n.selfAdvertConfig()), advert.SchedulerConfig{
		Interval: time.Duration(n.prefs.AdvertIntervalMin) * time.Minute,
		Flood:    n.prefs.Flags&storage.PrefFlagAdvertFlood != 0,
		Logger:   log,
	})

	n.admin = cli.New(cli.Config{
		Contacts:     n.contacts,
		Regions:      n.regions,
		Store:        n.store,
		SendDiscover: n.sendDiscover,
		OnAclChange:  func() { n.contactsDirty = true },
		Logger:       log,
	})

	if err := n.openTransports(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *node) loadState() error {
	prefs, err := storage.LoadPrefs(n.store)
	if err != nil {
		return err
	}
	if prefs == nil {
		prefs = prefsFromConfig()
		if err := storage.SavePrefs(n.store, prefs); err != nil {
			return err
		}
	}
	n.prefs = prefs

	n.contacts = contact.NewManager(n.keys.PrivateKey, contact.ManagerConfig{
		MaxContacts:       viper.GetInt("node.max_contacts"),
		OverwriteWhenFull: true,
		Logger:            n.log,
	})
	count, err := storage.LoadContacts(n.store, n.contacts)
	if err != nil {
		n.log.Warn("contact list only partially restored", "loaded", count, "err", err)
	} else {
		n.log.Info("contacts loaded", "count", count)
	}

	n.regions = region.NewMap()
	if err := n.regions.Load(n.store); err != nil {
		n.log.Warn("failed to load region map", "err", err)
	}

	marker, err := n.store.LoadBlob(bootMarkerBlob)
	if err != nil {
		return err
	}
	dirtyBoot := len(marker) > 0 && marker[0] == 1
	if err := n.store.SaveBlob(bootMarkerBlob, []byte{1}); err != nil {
		return err
	}

	n.nonces = mesh.NewNonceManager(mesh.NonceConfig{Store: n.store, Logger: n.log})
	if err := n.nonces.Load(dirtyBoot); err != nil {
		return err
	}

	n.sessions = mesh.NewSessionManager(mesh.SessionConfig{
		Store:      n.store,
		PrivateKey: n.keys.PrivateKey,
		Logger:     n.log,
	})
	return n.sessions.Load()
}

func prefsFromConfig() *storage.Prefs {
	p := &storage.Prefs{
		NodeName:          viper.GetString("node.name"),
		FreqMHz:           float32(viper.GetFloat64("radio.freq_mhz")),
		BandwidthKHz:      float32(viper.GetFloat64("radio.bandwidth_khz")),
		SpreadingFactor:   uint8(viper.GetInt("radio.spreading_factor")),
		CodingRate:        uint8(viper.GetInt("radio.coding_rate")),
		TxPowerDbm:        int8(viper.GetInt("radio.tx_power_dbm")),
		AdvertIntervalMin: uint16(viper.GetInt("node.advert_interval_min")),
		GPSLat:            int32(viper.GetFloat64("node.lat") * 1e6),
		GPSLon:            int32(viper.GetFloat64("node.lon") * 1e6),
	}
	if viper.GetBool("node.advert_flood") {
		p.Flags |= storage.PrefFlagAdvertFlood
	}
	return p
}

func parseNodeType(s string) uint8 {
	switch s {
	case "chat":
		return codec.NodeTypeChat
	case "room":
		return codec.NodeTypeRoom
	case "sensor":
		return codec.NodeTypeSensor
	default:
		return codec.NodeTypeRepeater
	}
}

func (n *node) selfAdvertConfig() *advert.SelfAdvertConfig {
	var pub [32]byte
	copy(pub[:], n.keys.PublicKey)

	appData := &codec.AdvertAppData{
		NodeType: n.nodeType,
		Name:     n.prefs.NodeName,
	}
	if n.prefs.GPSLat != 0 || n.prefs.GPSLon != 0 {
		lat := float64(n.prefs.GPSLat) / 1e6
		lon := float64(n.prefs.GPSLon) / 1e6
		appData.Lat = &lat
		appData.Lon = &lon
	}

	return &advert.SelfAdvertConfig{
		PrivateKey: n.keys.PrivateKey,
		PublicKey:  pub,
		Clock:      n.clk,
		AppData:    appData,
	}
}

func (n *node) openTransports() error {
	if port := viper.GetString("serial.port"); port != "" {
		t := serial.New(serial.Config{
			Port:     port,
			BaudRate: viper.GetInt("serial.baud"),
			Logger:   n.log,
		})
		t.SetPacketHandler(n.enqueueRx)
		n.transports = append(n.transports, t)
	}

	if broker := viper.GetString("mqtt.broker"); broker != "" {
		t := mqtt.New(mqtt.Config{
			Broker:      broker,
			Username:    viper.GetString("mqtt.username"),
			Password:    viper.GetString("mqtt.password"),
			UseTLS:      viper.GetBool("mqtt.tls"),
			TopicPrefix: viper.GetString("mqtt.topic_prefix"),
			MeshID:      viper.GetString("mqtt.mesh_id"),
			Logger:      n.log,
		})
		t.SetPacketHandler(n.enqueueRx)
		n.transports = append(n.transports, t)
	}

	if len(n.transports) == 0 {
		return errors.New("no transports configured: set serial.port or mqtt.broker")
	}
	return nil
}

func (n *node) enqueueRx(pkt *codec.Packet, source transport.PacketSource) {
	select {
	case n.rx <- rxItem{pkt: pkt, source: source}:
	default:
		n.log.Warn("receive queue full, dropping packet", "source", source)
	}
}

// Run starts the transports and processes traffic until the context is
// cancelled. All engine and store access happens on this goroutine.
func (n *node) Run(ctx context.Context) error {
	for _, t := range n.transports {
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("failed to start transport: %w", err)
		}
	}

	go n.tracker.Start(ctx)
	go n.sched.Start(ctx)
	go n.readConsole(ctx)

	n.log.Info("node running",
		"id", n.selfID.String(),
		"name", n.prefs.NodeName,
		"type", codec.NodeTypeName(n.nodeType))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	n.lastFlush = time.Now()
	for {
		select {
		case <-ctx.Done():
			return n.shutdown()
		case item := <-n.rx:
			n.handleRx(item)
		case item := <-n.tx:
			n.transmit(item)
		case line := <-n.lines:
			fmt.Println(n.admin.Handle(line))
		case <-ticker.C:
			n.tick()
		}
	}
}

func (n *node) readConsole(ctx context.Context) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		select {
		case n.lines <- line:
		case <-ctx.Done():
			return
		}
	}
}

func (n *node) shutdown() error {
	n.sched.Stop()
	n.tracker.Stop()
	for _, t := range n.transports {
		if err := t.Stop(); err != nil {
			n.log.Warn("transport stop failed", "err", err)
		}
	}

	n.flushContacts()
	if err := n.nonces.Save(); err != nil {
		n.log.Warn("failed to save nonces", "err", err)
	}
	if err := n.sessions.Save(); err != nil {
		n.log.Warn("failed to save sessions", "err", err)
	}
	if err := n.store.SaveBlob(bootMarkerBlob, []byte{0}); err != nil {
		n.log.Warn("failed to mark clean shutdown", "err", err)
	}
	n.log.Info("node stopped")
	return nil
}

func (n *node) tick() {
	n.sessions.Tick(func(prefix mesh.NoncePrefix, ephPub [32]byte) {
		// This node never initiates handshakes, it only answers them.
		n.log.Debug("handshake retry requested", "prefix", fmt.Sprintf("%x", prefix))
	})
	if n.contactsDirty && time.Since(n.lastFlush) >= contactsFlushInterval {
		n.flushContacts()
	}
}

func (n *node) flushContacts() {
	if !n.contactsDirty {
		return
	}
	if err := storage.SaveContacts(n.store, n.contacts); err != nil {
		n.log.Warn("failed to save contacts", "err", err)
		return
	}
	n.contactsDirty = false
	n.lastFlush = time.Now()
}

func (n *node) handleRx(item rxItem) {
	action := n.engine.Route(item.pkt)
	if action.Kind != mesh.ActionRetransmit {
		return
	}
	pkt := item.pkt
	skip := item.source
	if action.Delay <= 0 {
		n.broadcast(pkt, skip)
		return
	}
	time.AfterFunc(action.Delay, func() {
		select {
		case n.tx <- txItem{pkt: pkt, skip: skip}:
		default:
			n.log.Warn("transmit queue full, dropping forward")
		}
	})
}

func (n *node) transmit(item txItem) {
	if item.skip == transport.PacketSourceLocal {
		n.engine.MarkSeen(item.pkt)
	}
	n.broadcast(item.pkt, item.skip)
}

// broadcast writes the packet to every connected transport except the
// one it arrived on. Transport SendPacket methods are safe to call from
// any goroutine.
func (n *node) broadcast(pkt *codec.Packet, skip transport.PacketSource) {
	for _, t := range n.transports {
		if skip == transport.PacketSourceSerial {
			if _, ok := t.(*serial.Transport); ok {
				continue
			}
		}
		if skip == transport.PacketSourceMQTT {
			if _, ok := t.(*mqtt.Transport); ok {
				continue
			}
		}
		if !t.IsConnected() {
			continue
		}
		if err := t.SendPacket(pkt); err != nil {
			n.log.Debug("send failed", "err", err)
		}
	}
}

// send marks a locally originated packet as seen and broadcasts it on
// every transport.
func (n *node) send(pkt *codec.Packet) {
	n.engine.MarkSeen(pkt)
	n.broadcast(pkt, transport.PacketSourceLocal)
}

// SendFlood satisfies advert.Sender. It runs on the scheduler goroutine,
// so it hands the packet to the Run loop instead of touching the engine.
func (n *node) SendFlood(pkt *codec.Packet, priority uint8) {
	pkt.Header = (pkt.Header &^ codec.PHRouteMask) | codec.RouteTypeFlood
	pkt.PathLen = 0
	pkt.Path = nil
	n.enqueueLocal(pkt)
}

// SendZeroHop satisfies advert.Sender.
func (n *node) SendZeroHop(pkt *codec.Packet) {
	pkt.Header = (pkt.Header &^ codec.PHRouteMask) | codec.RouteTypeDirect
	pkt.PathLen = 0
	pkt.Path = nil
	n.enqueueLocal(pkt)
}

func (n *node) enqueueLocal(pkt *codec.Packet) {
	select {
	case n.tx <- txItem{pkt: pkt, skip: transport.PacketSourceLocal}:
	default:
		n.log.Warn("transmit queue full, dropping local packet")
	}
}

func (n *node) onAdvert(adv *codec.AdvertPayload, pkt *codec.Packet) {
	result := contact.ProcessAdvert(n.contacts, adv, n.clk.GetCurrentTime(), true)
	if result.Rejected {
		n.log.Debug("advert rejected", "reason", result.RejectReason)
		return
	}
	n.contactsDirty = true
	n.log.Info("advert processed",
		"name", result.Contact.Name,
		"new", result.IsNew,
		"snr", float32(pkt.SNR)*0.25)
}

func (n *node) onControl(ctrl *codec.ControlPayload, pkt *codec.Packet) {
	if ctrl.Subtype != codec.ControlSubtypeDiscoverReq {
		return
	}
	req, err := codec.ParseDiscoverReqFromControl(ctrl)
	if err != nil {
		n.log.Debug("bad discover request", "err", err)
		return
	}
	if req.TypeFilter != 0 && req.TypeFilter&(1<<n.nodeType) == 0 {
		return
	}
	if !n.allowDiscoverResp() {
		n.log.Debug("discover response suppressed", "tag", req.Tag)
		return
	}

	key := n.selfID.Bytes()
	if req.PrefixOnly {
		key = key[:8]
	}
	resp := &codec.Packet{
		Header:  codec.MakeHeader(codec.RouteTypeDirect, codec.PayloadTypeControl, codec.PayloadVer1),
		Payload: codec.BuildDiscoverRespPayload(n.nodeType, pkt.SNR, req.Tag, key),
	}
	n.send(resp)
	n.log.Debug("discover response sent", "tag", req.Tag)
}

func (n *node) allowDiscoverResp() bool {
	now := time.Now()
	if now.After(n.discoverResetAt) {
		n.discoverCount = 0
		n.discoverResetAt = now.Add(discoverWindow)
	}
	if n.discoverCount >= discoverBudget {
		return false
	}
	n.discoverCount++
	return true
}

func (n *node) onPeerData(c *contact.ContactInfo, pkt *codec.Packet, plaintext []byte) {
	switch pkt.PayloadType() {
	case codec.PayloadTypeTxtMsg:
		n.onPeerText(c, plaintext)
	case codec.PayloadTypeReq:
		n.onPeerRequest(c, plaintext)
	default:
		n.log.Debug("unhandled peer payload",
			"type", codec.PayloadTypeName(pkt.PayloadType()), "from", c.Name)
	}
}

func (n *node) onPeerText(c *contact.ContactInfo, plaintext []byte) {
	msg, err := codec.ParseTxtMsgContent(plaintext)
	if err != nil {
		n.log.Debug("bad text message", "from", c.Name, "err", err)
		return
	}
	if msg.TxtType != codec.TxtTypeCLI {
		n.log.Info("text message", "from", c.Name, "text", msg.Message)
		n.sendAck(c, plaintext)
		return
	}
	if !c.IsAdmin() {
		n.log.Warn("cli command from non-admin ignored", "from", c.Name)
		return
	}

	n.sendAck(c, plaintext)
	reply := n.admin.Handle(msg.Message)
	if err := n.sendTextReply(c, reply); err != nil {
		n.log.Warn("failed to send cli reply", "to", c.Name, "err", err)
	}
}

func (n *node) onPeerRequest(c *contact.ContactInfo, plaintext []byte) {
	req, err := codec.ParseRequestContent(plaintext)
	if err != nil {
		n.log.Debug("bad request", "from", c.Name, "err", err)
		return
	}
	if req.RequestType != codec.ReqTypeSessionKeyInit || len(req.RequestData) != 32 {
		n.log.Debug("unhandled request",
			"type", codec.RequestTypeName(req.RequestType), "from", c.Name)
		return
	}

	var peerEph [32]byte
	copy(peerEph[:], req.RequestData)
	ourEph, err := n.sessions.HandleInit(c, peerEph)
	if err != nil {
		n.log.Warn("session handshake failed", "from", c.Name, "err", err)
		return
	}

	accept := make([]byte, 0, 33)
	accept = append(accept, codec.RespTypeSessionKeyAccept)
	accept = append(accept, ourEph[:]...)
	content := codec.BuildResponseContent(req.Timestamp, accept)
	if err := n.sendAddressed(c, codec.PayloadTypeResponse, content); err != nil {
		n.log.Warn("failed to send session accept", "to", c.Name, "err", err)
		return
	}
	n.log.Info("session handshake accepted", "peer", c.Name)
}

func (n *node) sendAck(c *contact.ContactInfo, content []byte) {
	crc := crypto.ComputeAckHash(content, c.ID.Bytes())
	pkt := &codec.Packet{
		Header:  codec.MakeHeader(codec.RouteTypeDirect, codec.PayloadTypeAck, codec.PayloadVer1),
		Payload: codec.BuildAckPayload(crc),
	}
	n.send(pkt)
}

func (n *node) sendTextReply(c *contact.ContactInfo, text string) error {
	content := codec.BuildTxtMsgContent(n.clk.GetCurrentTimeUnique(), codec.TxtTypePlain, 0, text, nil)
	if err := n.sendAddressed(c, codec.PayloadTypeTxtMsg, content); err != nil {
		return err
	}

	crc := crypto.ComputeAckHash(content, n.keys.PublicKey)
	n.tracker.Track(crc, ack.PendingAck{
		OnTimeout: func() {
			n.log.Warn("cli reply not acknowledged", "to", c.Name)
		},
	})
	return nil
}

// sendAddressed seals content for the contact and sends it direct along
// the contact's known return path, or flood when no path is known. The
// header is fixed before sealing because it binds the envelope.
func (n *node) sendAddressed(c *contact.ContactInfo, payloadType uint8, content []byte) error {
	destHash := c.ID.Hash()
	srcHash := n.selfID.Hash()

	routeType := uint8(codec.RouteTypeFlood)
	if c.OutPathLen > 0 {
		routeType = codec.RouteTypeDirect
	}
	header := codec.MakeHeader(routeType, payloadType, codec.PayloadVer1)

	assocData := []byte{header, destHash, srcHash}
	envelope, err := n.sessions.SealPeerEnvelope(c, destHash, srcHash, content, assocData, n.nonces)
	if err != nil {
		return err
	}

	pkt := &codec.Packet{
		Header:  header,
		Payload: codec.BuildAddressedPayload(destHash, srcHash, envelope),
	}
	if routeType == codec.RouteTypeDirect {
		if err := pkt.SetPath(c.OutPath[:int(c.OutPathLen)]); err != nil {
			return err
		}
	}
	n.send(pkt)
	return nil
}

// sendDiscover backs the discover.neighbors admin command with a
// zero-hop neighbor probe.
func (n *node) sendDiscover() error {
	tag := rand.Uint32()
	payload := codec.BuildDiscoverReqPayload(false, 1<<codec.NodeTypeRepeater, tag, 0)
	pkt := &codec.Packet{
		Header:  codec.MakeHeader(codec.RouteTypeDirect, codec.PayloadTypeControl, codec.PayloadVer1),
		Payload: payload,
	}
	n.send(pkt)
	n.log.Info("neighbor discovery sent", "tag", tag)
	return nil
}
