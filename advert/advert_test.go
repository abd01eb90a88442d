package advert

import (
	"testing"
	"time"

	"github.com/rfmesh/meshnode/core/clock"
	"github.com/rfmesh/meshnode/core/codec"
	"github.com/rfmesh/meshnode/core/crypto"
)

type fakeSender struct {
	flood   []*codec.Packet
	zeroHop []*codec.Packet
}

func (f *fakeSender) SendFlood(pkt *codec.Packet, priority uint8) {
	f.flood = append(f.flood, pkt)
}

func (f *fakeSender) SendZeroHop(pkt *codec.Packet) {
	f.zeroHop = append(f.zeroHop, pkt)
}

func testConfig(t *testing.T) *SelfAdvertConfig {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	var pub [32]byte
	copy(pub[:], kp.PublicKey)
	return &SelfAdvertConfig{
		PrivateKey: kp.PrivateKey,
		PublicKey:  pub,
		Clock:      clock.New(),
		AppData: &codec.AdvertAppData{
			NodeType: codec.NodeTypeRepeater,
			Name:     "test-node",
		},
	}
}

func TestBuildSelfAdvert_SignatureVerifies(t *testing.T) {
	cfg := testConfig(t)

	pkt, err := BuildSelfAdvert(cfg)
	if err != nil {
		t.Fatalf("BuildSelfAdvert: %v", err)
	}

	if pkt.PayloadType() != codec.PayloadTypeAdvert {
		t.Errorf("payload type = %d, want advert", pkt.PayloadType())
	}

	advert, err := codec.ParseAdvertPayload(pkt.Payload)
	if err != nil {
		t.Fatalf("ParseAdvertPayload: %v", err)
	}
	if advert.PubKey != cfg.PublicKey {
		t.Error("advert pubkey mismatch")
	}
	if !crypto.VerifyAdvert(advert) {
		t.Error("self advert signature should verify")
	}

	appData := advert.AppData
	if appData == nil {
		t.Fatal("advert app data missing")
	}
	if appData.Name != "test-node" {
		t.Errorf("name = %q, want %q", appData.Name, "test-node")
	}
	if appData.NodeType != codec.NodeTypeRepeater {
		t.Errorf("node type = %d, want repeater", appData.NodeType)
	}
}

func TestBuildSelfAdvert_TimestampsAdvance(t *testing.T) {
	cfg := testConfig(t)

	first, err := BuildSelfAdvert(cfg)
	if err != nil {
		t.Fatalf("BuildSelfAdvert: %v", err)
	}
	second, err := BuildSelfAdvert(cfg)
	if err != nil {
		t.Fatalf("BuildSelfAdvert: %v", err)
	}

	a1, _ := codec.ParseAdvertPayload(first.Payload)
	a2, _ := codec.ParseAdvertPayload(second.Payload)
	if a2.Timestamp <= a1.Timestamp {
		t.Errorf("timestamps should strictly increase: %d then %d", a1.Timestamp, a2.Timestamp)
	}
}

func TestNewBuilder_ProducesPackets(t *testing.T) {
	build := NewBuilder(testConfig(t))

	pkt := build()
	if pkt == nil {
		t.Fatal("builder returned nil")
	}
	if pkt.PayloadType() != codec.PayloadTypeAdvert {
		t.Errorf("payload type = %d, want advert", pkt.PayloadType())
	}
}

func newTestScheduler(t *testing.T, sender Sender, cfg SchedulerConfig) (*Scheduler, *time.Time) {
	t.Helper()
	s := NewScheduler(sender, NewBuilder(testConfig(t)), cfg)
	now := time.Now()
	s.nowFn = func() time.Time { return now }
	s.jitterFn = func(max time.Duration) time.Duration { return 0 }
	return s, &now
}

func TestScheduler_SendNow(t *testing.T) {
	sender := &fakeSender{}
	s, _ := newTestScheduler(t, sender, SchedulerConfig{})

	s.SendNow(false)
	if len(sender.zeroHop) != 1 {
		t.Fatalf("zero-hop sends = %d, want 1", len(sender.zeroHop))
	}

	s.SendNow(true)
	if len(sender.flood) != 1 {
		t.Fatalf("flood sends = %d, want 1", len(sender.flood))
	}
}

func TestScheduler_TimerFires(t *testing.T) {
	sender := &fakeSender{}
	s, now := newTestScheduler(t, sender, SchedulerConfig{Interval: time.Minute})

	s.mu.Lock()
	s.resetTimerLocked()
	s.mu.Unlock()

	s.checkTimer()
	if len(sender.zeroHop) != 0 {
		t.Fatal("advert sent before interval elapsed")
	}

	*now = now.Add(time.Minute)
	s.checkTimer()
	if len(sender.zeroHop) != 1 {
		t.Fatalf("zero-hop sends = %d, want 1", len(sender.zeroHop))
	}

	// Timer rearms for the next period.
	s.checkTimer()
	if len(sender.zeroHop) != 1 {
		t.Fatal("advert resent without waiting for the next period")
	}
	*now = now.Add(time.Minute)
	s.checkTimer()
	if len(sender.zeroHop) != 2 {
		t.Fatalf("zero-hop sends = %d, want 2", len(sender.zeroHop))
	}
}

func TestScheduler_FloodRouting(t *testing.T) {
	sender := &fakeSender{}
	s, now := newTestScheduler(t, sender, SchedulerConfig{Interval: time.Minute, Flood: true})

	s.mu.Lock()
	s.resetTimerLocked()
	s.mu.Unlock()

	*now = now.Add(time.Minute)
	s.checkTimer()

	if len(sender.flood) != 1 || len(sender.zeroHop) != 0 {
		t.Errorf("flood=%d zeroHop=%d, want 1/0", len(sender.flood), len(sender.zeroHop))
	}
}

func TestScheduler_ZeroIntervalDisables(t *testing.T) {
	sender := &fakeSender{}
	s, now := newTestScheduler(t, sender, SchedulerConfig{})

	s.mu.Lock()
	s.resetTimerLocked()
	s.mu.Unlock()

	*now = now.Add(24 * time.Hour)
	s.checkTimer()

	if len(sender.flood)+len(sender.zeroHop) != 0 {
		t.Error("disabled scheduler should not send")
	}
}

func TestScheduler_UpdateInterval(t *testing.T) {
	sender := &fakeSender{}
	s, now := newTestScheduler(t, sender, SchedulerConfig{})

	s.UpdateInterval(time.Minute, false)
	*now = now.Add(time.Minute)
	s.checkTimer()
	if len(sender.zeroHop) != 1 {
		t.Fatalf("zero-hop sends = %d, want 1", len(sender.zeroHop))
	}

	s.UpdateInterval(0, false)
	*now = now.Add(time.Hour)
	s.checkTimer()
	if len(sender.zeroHop) != 1 {
		t.Error("sends should stop after interval set to 0")
	}
}

func TestScheduler_JitterStretchesPeriod(t *testing.T) {
	sender := &fakeSender{}
	s, now := newTestScheduler(t, sender, SchedulerConfig{Interval: 8 * time.Minute})
	s.jitterFn = func(max time.Duration) time.Duration {
		if max != time.Minute {
			t.Errorf("jitter bound = %v, want 1m (interval/8)", max)
		}
		return 30 * time.Second
	}

	s.mu.Lock()
	s.resetTimerLocked()
	s.mu.Unlock()

	*now = now.Add(8 * time.Minute)
	s.checkTimer()
	if len(sender.zeroHop) != 0 {
		t.Fatal("advert sent before jittered deadline")
	}

	*now = now.Add(30 * time.Second)
	s.checkTimer()
	if len(sender.zeroHop) != 1 {
		t.Fatalf("zero-hop sends = %d, want 1", len(sender.zeroHop))
	}
}

func TestRandomJitter_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		j := randomJitter(time.Minute)
		if j < 0 || j >= time.Minute {
			t.Fatalf("jitter %v out of [0, 1m)", j)
		}
	}
	if randomJitter(0) != 0 {
		t.Error("zero bound should give zero jitter")
	}
}
