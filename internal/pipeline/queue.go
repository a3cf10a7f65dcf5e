package pipeline

import "pulse/internal/event"

// ring is a bounded FIFO of events. When full, the oldest event is dropped to
// make room. Callers synchronize access.
type ring struct {
	events   []event.Event
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int

	dropped int64
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ring{
		events:   make([]event.Event, capacity),
		capacity: capacity,
	}
}

// push appends ev and reports whether the oldest event was evicted.
func (r *ring) push(ev event.Event) (evicted bool) {
	if r.count >= r.capacity {
		r.events[r.tail] = event.Event{}
		r.tail = (r.tail + 1) % r.capacity
		r.count--
		r.dropped++
		evicted = true
	}
	r.events[r.head] = ev
	r.head = (r.head + 1) % r.capacity
	r.count++
	return evicted
}

// drain removes and returns every event in order.
func (r *ring) drain() []event.Event {
	if r.count == 0 {
		return nil
	}
	out := make([]event.Event, r.count)
	for i := range out {
		out[i] = r.events[r.tail]
		r.events[r.tail] = event.Event{}
		r.tail = (r.tail + 1) % r.capacity
	}
	r.count = 0
	return out
}

func (r *ring) len() int {
	return r.count
}
