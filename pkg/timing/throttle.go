package timing

import (
	"sync"
	"time"

	"github.com/yourdreams-academy/academy-sync/pkg/clock"
)

// Throttler lets the first call for a key through immediately and drops further calls
// for that key until window has elapsed.
type Throttler struct {
	clock  clock.Clock
	window time.Duration
	mu     sync.Mutex
	last   map[string]time.Time
}

// NewThrottler returns a Throttler. A nil clock uses real time.
func NewThrottler(c clock.Clock, window time.Duration) *Throttler {
	return &Throttler{
		clock:  clock.OrReal(c),
		window: window,
		last:   make(map[string]time.Time),
	}
}

// Allow reports whether a call for key may run now, and records it if so.
func (t *Throttler) Allow(key string) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.window {
		return false
	}
	t.last[key] = now
	return true
}

// Do runs fn when Allow(key) is true. It reports whether fn ran.
func (t *Throttler) Do(key string, fn func()) bool {
	if !t.Allow(key) {
		return false
	}
	fn()
	return true
}

// Reset forgets every key.
func (t *Throttler) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = make(map[string]time.Time)
}
