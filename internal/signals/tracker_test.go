package signals

import (
	"context"
	"sync"

	"pulse/internal/event"
)

type trackedCall struct {
	name   string
	props  map[string]any
	system bool
	opts   event.TrackOptions
}

type fakeTracker struct {
	mu      sync.Mutex
	calls   []trackedCall
	consent bool
	err     error
	panic   bool
}

func (f *fakeTracker) HasConsent(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consent
}

func (f *fakeTracker) Track(_ context.Context, name string, props map[string]any, opts ...event.TrackOption) error {
	return f.record(trackedCall{name: name, props: props, opts: event.ApplyTrackOptions(opts...)})
}

func (f *fakeTracker) TrackSystemEvent(_ context.Context, name string, props map[string]any) error {
	return f.record(trackedCall{name: name, props: props, system: true})
}

func (f *fakeTracker) record(c trackedCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("host hook exploded")
	}
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeTracker) snapshot() []trackedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trackedCall(nil), f.calls...)
}

func (f *fakeTracker) named(name string) []trackedCall {
	var out []trackedCall
	for _, c := range f.snapshot() {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}
