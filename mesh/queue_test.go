package mesh

import (
	"testing"
	"time"

	"github.com/rfmesh/meshnode/core/codec"
)

func queuePacket(tag byte) *codec.Packet {
	return &codec.Packet{
		Header:  codec.MakeHeader(codec.RouteTypeFlood, codec.PayloadTypeTxtMsg, 0),
		Payload: []byte{tag},
	}
}

func TestSendQueue_PriorityOrder(t *testing.T) {
	q := NewSendQueue()

	q.Push(queuePacket(3), 3, 0)
	q.Push(queuePacket(0), 0, 0)
	q.Push(queuePacket(2), 2, 0)

	for _, want := range []byte{0, 2, 3} {
		pkt := q.Pop()
		if pkt == nil {
			t.Fatal("Pop returned nil with items queued")
		}
		if pkt.Payload[0] != want {
			t.Errorf("popped tag %d, want %d", pkt.Payload[0], want)
		}
	}
	if q.Pop() != nil {
		t.Error("Pop should return nil when empty")
	}
}

func TestSendQueue_FIFOWithinPriority(t *testing.T) {
	q := NewSendQueue()

	q.Push(queuePacket(1), 5, 0)
	q.Push(queuePacket(2), 5, 0)
	q.Push(queuePacket(3), 5, 0)

	for _, want := range []byte{1, 2, 3} {
		if got := q.Pop().Payload[0]; got != want {
			t.Errorf("popped tag %d, want %d", got, want)
		}
	}
}

func TestSendQueue_DelayHoldsPacket(t *testing.T) {
	base := time.Now()
	now := base
	q := NewSendQueue()
	q.now = func() time.Time { return now }

	q.Push(queuePacket(1), 0, 100*time.Millisecond)

	if q.Pop() != nil {
		t.Error("delayed packet popped before its deadline")
	}
	if q.HasReady() {
		t.Error("HasReady true before the deadline")
	}

	now = base.Add(150 * time.Millisecond)
	if !q.HasReady() {
		t.Error("HasReady false after the deadline")
	}
	if pkt := q.Pop(); pkt == nil || pkt.Payload[0] != 1 {
		t.Error("packet not popped after the deadline")
	}
}

func TestSendQueue_DelayedHighPriorityDoesNotBlockReady(t *testing.T) {
	base := time.Now()
	now := base
	q := NewSendQueue()
	q.now = func() time.Time { return now }

	q.Push(queuePacket(1), 0, time.Second) // high priority, not yet ready
	q.Push(queuePacket(2), 7, 0)

	if got := q.Pop().Payload[0]; got != 2 {
		t.Errorf("popped tag %d, want the eligible low-priority packet", got)
	}
}

func TestSendQueue_Len(t *testing.T) {
	q := NewSendQueue()
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
	q.Push(queuePacket(1), 0, 0)
	q.Push(queuePacket(2), 0, time.Hour)
	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2 (delayed items count)", q.Len())
	}
	q.Pop()
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}
