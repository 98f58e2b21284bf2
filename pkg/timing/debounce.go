// Package timing provides keyed debounce and throttle helpers driven by an injectable clock.
package timing

import (
	"sync"
	"time"

	"github.com/yourdreams-academy/academy-sync/pkg/clock"
)

// Debouncer delays a call until delay has passed since the last Trigger for the same key.
// Only the most recent function passed for a key runs.
type Debouncer struct {
	clock  clock.Clock
	delay  time.Duration
	mu     sync.Mutex
	timers map[string]*debounceEntry
}

type debounceEntry struct {
	timer clock.Timer
	gen   uint64
}

// NewDebouncer returns a Debouncer. A nil clock uses real time.
func NewDebouncer(c clock.Clock, delay time.Duration) *Debouncer {
	return &Debouncer{
		clock:  clock.OrReal(c),
		delay:  delay,
		timers: make(map[string]*debounceEntry),
	}
}

// Trigger (re)starts the window for key. fn replaces any function pending for key.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.timers[key]
	if !ok {
		e = &debounceEntry{}
		d.timers[key] = e
	} else if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cur, ok := d.timers[key]
		if !ok || cur.gen != gen {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending call for key, if any.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.timers[key]; ok {
		e.timer.Stop()
		delete(d.timers, key)
	}
}

// Pending reports whether a call is waiting for key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[key]
	return ok
}

// Stop drops every pending call.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, e := range d.timers {
		e.timer.Stop()
		delete(d.timers, key)
	}
}
