// Package eventbus is the process-wide publish/subscribe channel for lesson and progress sync events.
// Recent events are buffered per type so subscribers attaching late still observe them once.
package eventbus

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourdreams-academy/academy-sync/internal/metrics"
	"github.com/yourdreams-academy/academy-sync/pkg/clock"
)

// AllCourses is the course filter matching every course.
const AllCourses = "*"

const (
	defaultBufferSize  = 10
	defaultMaxAge      = 30 * time.Second
	defaultReplayDelay = 10 * time.Millisecond
)

var (
	ErrNoTypes   = errors.New("eventbus: subscribe needs at least one event type")
	ErrNoHandler = errors.New("eventbus: subscribe needs a handler")
)

// Options configures a Bus. Zero values take defaults.
type Options struct {
	BufferSize  int
	MaxAge      time.Duration
	ReplayDelay time.Duration
	Clock       clock.Clock
	Broadcaster Broadcaster
	Metrics     *metrics.Metrics
}

// Bus delivers events to subscribers in emission order.
//
// Emit is synchronous when called from outside a handler. An Emit issued by a handler, or by
// another goroutine while a delivery is running, is queued and delivered by the active
// dispatcher right after the current event, so global order holds without re-entrancy.
type Bus struct {
	bufferSize  int
	maxAge      time.Duration
	replayDelay time.Duration
	clock       clock.Clock
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu          sync.Mutex
	seq         uint64
	buffers     map[Type]*ring
	subs        []*subscription
	queue       []delivery
	dispatching bool
	watchers    []func(count int)
}

type subscription struct {
	id         string
	owner      string
	types      map[Type]bool
	course     string
	persistent bool
	handler    Handler

	active      bool
	replaying   bool
	backlog     []Event
	replayTimer clock.Timer
}

type delivery struct {
	sub *subscription
	ev  Event
}

// New creates a Bus.
func New(opts Options, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.ReplayDelay <= 0 {
		opts.ReplayDelay = defaultReplayDelay
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NopBroadcaster
	}
	return &Bus{
		bufferSize:  opts.BufferSize,
		maxAge:      opts.MaxAge,
		replayDelay: opts.ReplayDelay,
		clock:       clock.OrReal(opts.Clock),
		broadcaster: opts.Broadcaster,
		metrics:     opts.Metrics,
		logger:      logger,
		buffers:     make(map[Type]*ring),
	}
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscription)

// Persistent makes the subscription survive CleanupComponent. Its unsubscribe func is a no-op;
// remove it with RemovePersistent.
func Persistent() SubscribeOption {
	return func(s *subscription) { s.persistent = true }
}

// WithCourse restricts delivery to events for courseCode and course-less events.
func WithCourse(courseCode string) SubscribeOption {
	return func(s *subscription) {
		if courseCode != "" {
			s.course = courseCode
		}
	}
}

// Emit buffers the event, delivers it to every matching subscriber and mirrors it to the broadcaster.
func (b *Bus) Emit(t Type, p Payload) Event {
	b.mu.Lock()
	now := b.clock.Now()
	b.seq++
	ev := Event{ID: uuid.NewString(), Type: t, Payload: p, Timestamp: now}
	buf := b.buffer(t)
	buf.prune(now.Add(-b.maxAge))
	buf.push(entry{seq: b.seq, ev: ev})
	for _, s := range b.subs {
		if !s.active || !s.matches(ev) {
			continue
		}
		if s.replaying {
			s.backlog = append(s.backlog, ev)
			continue
		}
		b.queue = append(b.queue, delivery{sub: s, ev: ev})
	}
	b.mu.Unlock()

	b.metrics.EventEmitted(string(t))
	b.logger.Debug("sync event emitted",
		zap.String("event_type", string(t)),
		zap.String("course_code", p.CourseCode),
		zap.String("event_id", ev.ID),
	)
	b.dispatch()
	b.broadcaster.Broadcast(string(t), ev)
	return ev
}

// Subscribe registers handler for types. Buffered events of those types still inside the age
// window are replayed after a short delay, in emission order. The returned func removes a
// non-persistent subscription and may be called any number of times.
func (b *Bus) Subscribe(types []Type, handler Handler, ownerID string, opts ...SubscribeOption) (func(), error) {
	if len(types) == 0 {
		return nil, ErrNoTypes
	}
	if handler == nil {
		return nil, ErrNoHandler
	}
	s := &subscription{
		id:      uuid.NewString(),
		owner:   ownerID,
		types:   make(map[Type]bool, len(types)),
		course:  AllCourses,
		handler: handler,
		active:  true,
	}
	for _, t := range types {
		s.types[t] = true
	}
	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	cutoff := b.clock.Now().Add(-b.maxAge)
	var replay []entry
	for t := range s.types {
		buf, ok := b.buffers[t]
		if !ok {
			continue
		}
		buf.prune(cutoff)
		for _, e := range buf.snapshot() {
			if s.matches(e.ev) {
				replay = append(replay, e)
			}
		}
	}
	if len(replay) > 0 {
		sort.Slice(replay, func(i, j int) bool { return replay[i].seq < replay[j].seq })
		events := make([]Event, len(replay))
		for i, e := range replay {
			events[i] = e.ev
		}
		s.replaying = true
		s.replayTimer = b.clock.AfterFunc(b.replayDelay, func() { b.flushReplay(s, events) })
	}
	b.subs = append(b.subs, s)
	count := len(b.subs)
	watchers := append([]func(int){}, b.watchers...)
	b.mu.Unlock()

	b.logger.Debug("subscribed",
		zap.String("owner_id", ownerID),
		zap.Bool("persistent", s.persistent),
		zap.Int("replay", len(replay)),
	)
	b.notify(watchers, count)

	if s.persistent {
		return func() {}, nil
	}
	return func() { b.remove(func(x *subscription) bool { return x == s }) }, nil
}

// CleanupComponent removes every non-persistent subscription of ownerID and returns how many were removed.
func (b *Bus) CleanupComponent(ownerID string) int {
	return b.remove(func(s *subscription) bool { return s.owner == ownerID && !s.persistent })
}

// RemovePersistent removes the persistent subscriptions of ownerID.
func (b *Bus) RemovePersistent(ownerID string) int {
	return b.remove(func(s *subscription) bool { return s.owner == ownerID && s.persistent })
}

// SubscriberCount returns the number of registered subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// SubscribedCourses returns the distinct course filters of registered subscriptions, excluding the wildcard.
func (b *Bus) SubscribedCourses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, s := range b.subs {
		if s.course == AllCourses || seen[s.course] {
			continue
		}
		seen[s.course] = true
		out = append(out, s.course)
	}
	sort.Strings(out)
	return out
}

// Buffered returns the buffered events of type t still inside the age window, oldest first.
func (b *Bus) Buffered(t Type) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[t]
	if !ok {
		return nil
	}
	buf.prune(b.clock.Now().Add(-b.maxAge))
	entries := buf.snapshot()
	out := make([]Event, len(entries))
	for i, e := range entries {
		out[i] = e.ev
	}
	return out
}

// OnSubscribersChanged registers fn to be called with the subscription count after every change.
func (b *Bus) OnSubscribersChanged(fn func(count int)) {
	b.mu.Lock()
	b.watchers = append(b.watchers, fn)
	b.mu.Unlock()
}

// Close drops every subscription and buffered event.
func (b *Bus) Close() {
	b.mu.Lock()
	for _, s := range b.subs {
		s.deactivate()
	}
	b.subs = nil
	b.queue = nil
	b.buffers = make(map[Type]*ring)
	watchers := append([]func(int){}, b.watchers...)
	b.mu.Unlock()
	b.notify(watchers, 0)
}

func (b *Bus) remove(match func(*subscription) bool) int {
	b.mu.Lock()
	kept := b.subs[:0]
	removed := 0
	for _, s := range b.subs {
		if match(s) {
			s.deactivate()
			removed++
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(b.subs); i++ {
		b.subs[i] = nil
	}
	b.subs = kept
	count := len(b.subs)
	watchers := append([]func(int){}, b.watchers...)
	b.mu.Unlock()

	if removed > 0 {
		b.notify(watchers, count)
	}
	return removed
}

func (b *Bus) flushReplay(s *subscription, events []Event) {
	b.mu.Lock()
	if !s.active {
		b.mu.Unlock()
		return
	}
	for _, ev := range events {
		b.queue = append(b.queue, delivery{sub: s, ev: ev})
		b.metrics.EventReplayed(string(ev.Type))
	}
	for _, ev := range s.backlog {
		b.queue = append(b.queue, delivery{sub: s, ev: ev})
	}
	s.backlog = nil
	s.replaying = false
	s.replayTimer = nil
	b.mu.Unlock()
	b.dispatch()
}

func (b *Bus) dispatch() {
	b.mu.Lock()
	if b.dispatching {
		b.mu.Unlock()
		return
	}
	b.dispatching = true
	for len(b.queue) > 0 {
		d := b.queue[0]
		b.queue[0] = delivery{}
		b.queue = b.queue[1:]
		if !d.sub.active {
			continue
		}
		b.mu.Unlock()
		b.deliver(d)
		b.mu.Lock()
	}
	b.queue = nil
	b.dispatching = false
	b.mu.Unlock()
}

func (b *Bus) deliver(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.SubscriberPanicked(string(d.ev.Type))
			b.logger.Warn("subscriber panicked",
				zap.String("owner_id", d.sub.owner),
				zap.String("event_type", string(d.ev.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	d.sub.handler(d.ev)
}

func (b *Bus) notify(watchers []func(int), count int) {
	b.metrics.SetSubscriptions(count)
	for _, w := range watchers {
		w(count)
	}
}

func (b *Bus) buffer(t Type) *ring {
	buf, ok := b.buffers[t]
	if !ok {
		buf = newRing(b.bufferSize)
		b.buffers[t] = buf
	}
	return buf
}

func (s *subscription) matches(ev Event) bool {
	if !s.types[ev.Type] {
		return false
	}
	return s.course == AllCourses || ev.Payload.CourseCode == "" || ev.Payload.CourseCode == s.course
}

func (s *subscription) deactivate() {
	s.active = false
	s.backlog = nil
	if s.replayTimer != nil {
		s.replayTimer.Stop()
		s.replayTimer = nil
	}
}
