package advert

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rfmesh/meshnode/core/codec"
)

const (
	// PriorityAdvert is the send-queue priority for scheduled adverts.
	// Adverts are background traffic and yield to everything else.
	PriorityAdvert = 7

	// jitterDivisor bounds the random extra delay added to each period:
	// up to interval/jitterDivisor.
	jitterDivisor = 8

	// tickInterval is the resolution of the scheduler's timer loop.
	tickInterval = time.Second
)

// Sender is the outbound path the scheduler broadcasts through.
type Sender interface {
	SendFlood(pkt *codec.Packet, priority uint8)
	SendZeroHop(pkt *codec.Packet)
}

// SchedulerConfig configures the advert Scheduler.
type SchedulerConfig struct {
	// Interval between self-adverts. Zero disables the scheduler (SendNow
	// still works).
	Interval time.Duration

	// Flood routes scheduled adverts across the whole mesh instead of
	// zero-hop to direct neighbors.
	Flood bool

	// Logger for scheduler events. Falls back to slog.Default if nil.
	Logger *slog.Logger
}

// Scheduler periodically rebroadcasts the node's self-advert. Each period
// is stretched by a random jitter of up to interval/8 so co-located nodes
// do not advertise in lockstep.
type Scheduler struct {
	cfg    SchedulerConfig
	log    *slog.Logger
	sender Sender
	build  Builder

	mu     sync.Mutex
	next   time.Time
	cancel context.CancelFunc

	nowFn    func() time.Time
	jitterFn func(max time.Duration) time.Duration
}

// NewScheduler creates an advert scheduler sending through the given sender.
func NewScheduler(sender Sender, build Builder, cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		log:      logger.WithGroup("advert"),
		sender:   sender,
		build:    build,
		nowFn:    time.Now,
		jitterFn: randomJitter,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// Start runs the periodic advertisement loop until the context is
// cancelled. Typically called in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.resetTimerLocked()
	s.mu.Unlock()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkTimer()
		}
	}
}

// Stop cancels the scheduler's context, stopping the loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// SendNow broadcasts an advert immediately and resets the period. A flood
// advert is sent when flood is true, regardless of the configured default.
func (s *Scheduler) SendNow(flood bool) {
	s.send(flood)

	s.mu.Lock()
	s.resetTimerLocked()
	s.mu.Unlock()
}

// UpdateInterval changes the period and routing at runtime. A zero
// interval stops scheduled adverts.
func (s *Scheduler) UpdateInterval(interval time.Duration, flood bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Interval = interval
	s.cfg.Flood = flood
	s.resetTimerLocked()
}

func (s *Scheduler) checkTimer() {
	s.mu.Lock()
	due := !s.next.IsZero() && !s.nowFn().Before(s.next)
	if due {
		s.resetTimerLocked()
	}
	flood := s.cfg.Flood
	s.mu.Unlock()

	if due {
		s.send(flood)
	}
}

func (s *Scheduler) send(flood bool) {
	pkt := s.build()
	if pkt == nil {
		s.log.Warn("failed to build self advert")
		return
	}
	if flood {
		s.sender.SendFlood(pkt, PriorityAdvert)
		s.log.Debug("sent flood advert")
	} else {
		s.sender.SendZeroHop(pkt)
		s.log.Debug("sent zero-hop advert")
	}
}

func (s *Scheduler) resetTimerLocked() {
	if s.cfg.Interval <= 0 {
		s.next = time.Time{}
		return
	}
	jitter := s.jitterFn(s.cfg.Interval / jitterDivisor)
	s.next = s.nowFn().Add(s.cfg.Interval + jitter)
}
