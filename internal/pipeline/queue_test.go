package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pulse/internal/event"
)

func named(names ...string) []event.Event {
	out := make([]event.Event, len(names))
	for i, n := range names {
		out[i] = event.Event{EventName: n}
	}
	return out
}

func eventNames(events []event.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventName
	}
	return out
}

func TestRing(t *testing.T) {
	t.Run("drains in insertion order", func(t *testing.T) {
		r := newRing(4)
		for _, ev := range named("a", "b", "c") {
			assert.False(t, r.push(ev))
		}
		assert.Equal(t, 3, r.len())
		assert.Equal(t, []string{"a", "b", "c"}, eventNames(r.drain()))
		assert.Zero(t, r.len())
		assert.Nil(t, r.drain())
	})

	t.Run("evicts oldest when full", func(t *testing.T) {
		r := newRing(3)
		evicted := 0
		for _, ev := range named("a", "b", "c", "d", "e") {
			if r.push(ev) {
				evicted++
			}
		}
		assert.Equal(t, 2, evicted)
		assert.Equal(t, int64(2), r.dropped)
		assert.Equal(t, []string{"c", "d", "e"}, eventNames(r.drain()))
	})

	t.Run("wraps around after partial drains", func(t *testing.T) {
		r := newRing(2)
		r.push(event.Event{EventName: "a"})
		r.drain()
		r.push(event.Event{EventName: "b"})
		r.push(event.Event{EventName: "c"})
		assert.Equal(t, []string{"b", "c"}, eventNames(r.drain()))
	})

	t.Run("non-positive capacity takes default", func(t *testing.T) {
		assert.Equal(t, 1000, newRing(0).capacity)
	})
}
