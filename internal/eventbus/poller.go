package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourdreams-academy/academy-sync/internal/metrics"
	"github.com/yourdreams-academy/academy-sync/pkg/clock"
)

const defaultPollInterval = 10 * time.Second

// Poller re-announces force-refresh for every subscribed course at a fixed interval while the
// bus has at least one subscriber. At most one timer is ever scheduled.
type Poller struct {
	bus      *Bus
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	enabled bool
	timer   clock.Timer
	gen     uint64
}

// NewPoller creates a poller bound to bus. It does nothing until Start.
func NewPoller(bus *Bus, interval time.Duration, c clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	p := &Poller{
		bus:      bus,
		clock:    clock.OrReal(c),
		interval: interval,
		logger:   logger,
		metrics:  m,
	}
	bus.OnSubscribersChanged(p.sync)
	return p
}

// Start enables polling. The timer runs only while subscribers exist. Calling Start twice is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.enabled {
		p.mu.Unlock()
		return
	}
	p.enabled = true
	p.mu.Unlock()
	p.sync(p.bus.SubscriberCount())
}

// Stop disables polling and cancels the pending tick.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
	p.cancelLocked()
}

// Running reports whether a tick is scheduled.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil
}

func (p *Poller) sync(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.enabled && count > 0 && p.timer == nil:
		p.scheduleLocked()
		p.logger.Info("progress poller started", zap.Duration("interval", p.interval))
	case count == 0 && p.timer != nil:
		p.cancelLocked()
		p.logger.Info("progress poller stopped")
	}
}

func (p *Poller) scheduleLocked() {
	p.gen++
	gen := p.gen
	p.timer = p.clock.AfterFunc(p.interval, func() { p.tick(gen) })
}

func (p *Poller) cancelLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
}

func (p *Poller) tick(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.timer == nil {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.mu.Unlock()

	p.announce()

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen == p.gen && p.enabled && p.timer == nil && p.bus.SubscriberCount() > 0 {
		p.scheduleLocked()
	}
}

func (p *Poller) announce() {
	if p.bus.SubscriberCount() == 0 {
		return
	}
	p.metrics.PollTicked()
	courses := p.bus.SubscribedCourses()
	if len(courses) == 0 {
		p.bus.Emit(ForceRefresh, Payload{Source: "poll"})
		return
	}
	for _, code := range courses {
		p.bus.Emit(ForceRefresh, Payload{CourseCode: code, Source: "poll"})
	}
	p.logger.Debug("force-refresh announced", zap.Strings("courses", courses))
}
