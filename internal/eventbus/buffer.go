package eventbus

import "time"

type entry struct {
	seq uint64
	ev  Event
}

// ring keeps the newest capacity events of one type, oldest first.
type ring struct {
	capacity int
	items    []entry
}

func newRing(capacity int) *ring {
	return &ring{capacity: capacity, items: make([]entry, 0, capacity)}
}

func (r *ring) push(e entry) {
	if r.capacity <= 0 {
		return
	}
	if len(r.items) == r.capacity {
		copy(r.items, r.items[1:])
		r.items = r.items[:len(r.items)-1]
	}
	r.items = append(r.items, e)
}

// prune drops events older than cutoff.
func (r *ring) prune(cutoff time.Time) {
	i := 0
	for i < len(r.items) && r.items[i].ev.Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(r.items, r.items[i:])
	r.items = r.items[:n]
}

func (r *ring) snapshot() []entry {
	out := make([]entry, len(r.items))
	copy(out, r.items)
	return out
}
