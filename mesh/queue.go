package mesh

import (
	"time"

	"github.com/rfmesh/meshnode/core/codec"
)

// SendQueue is a priority-ordered outbound packet queue. Lower priority
// numbers are dequeued first. Items with a future readyAt time are held
// until that time has passed.
//
// The queue is not safe for concurrent use; the dispatcher owns it and
// touches it only from its loop.
type SendQueue struct {
	items []queueItem
	now   func() time.Time
	seq   uint64
}

type queueItem struct {
	pkt      *codec.Packet
	priority uint8
	readyAt  time.Time
	seq      uint64
}

// NewSendQueue creates an empty send queue.
func NewSendQueue() *SendQueue {
	return &SendQueue{now: time.Now}
}

// Push adds a packet with the given priority and minimum delay before the
// packet becomes eligible. Priority 0 is highest.
func (q *SendQueue) Push(pkt *codec.Packet, priority uint8, delay time.Duration) {
	q.seq++
	q.items = append(q.items, queueItem{
		pkt:      pkt,
		priority: priority,
		readyAt:  q.now().Add(delay),
		seq:      q.seq,
	})
}

// Pop returns the highest-priority eligible packet, or nil if none are
// ready. Ties are broken by enqueue order.
func (q *SendQueue) Pop() *codec.Packet {
	now := q.now()
	bestIdx := -1

	for i, item := range q.items {
		if now.Before(item.readyAt) {
			continue
		}
		if bestIdx == -1 ||
			item.priority < q.items[bestIdx].priority ||
			(item.priority == q.items[bestIdx].priority && item.seq < q.items[bestIdx].seq) {
			bestIdx = i
		}
	}

	if bestIdx == -1 {
		return nil
	}

	pkt := q.items[bestIdx].pkt
	q.items = append(q.items[:bestIdx], q.items[bestIdx+1:]...)
	return pkt
}

// HasReady reports whether at least one item is eligible to send now.
func (q *SendQueue) HasReady() bool {
	now := q.now()
	for _, item := range q.items {
		if !now.Before(item.readyAt) {
			return true
		}
	}
	return false
}

// Len returns the total number of queued items, eligible or not.
func (q *SendQueue) Len() int {
	return len(q.items)
}
