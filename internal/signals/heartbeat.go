package signals

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pulse/internal/platform/logger"
)

// Gate reports whether the user is currently paying attention.
type Gate interface {
	ShouldTrack() bool
	Reason() string
}

// Heartbeat emits a system event on a timer: the active interval while the gate
// is open, the inactive interval otherwise. It owns its goroutine.
type Heartbeat struct {
	tracker  Tracker
	gate     Gate
	active   time.Duration
	inactive time.Duration
	logger   *slog.Logger
	now      func() time.Time
	started  time.Time

	mu    sync.Mutex
	beats int
	stop  chan struct{}
	done  chan struct{}
}

type HeartbeatOption func(*Heartbeat)

func WithHeartbeatLogger(l *slog.Logger) HeartbeatOption {
	return func(h *Heartbeat) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithHeartbeatClock(now func() time.Time) HeartbeatOption {
	return func(h *Heartbeat) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHeartbeat builds a heartbeat. Non-positive intervals take 15s and 60s.
func NewHeartbeat(tracker Tracker, gate Gate, active, inactive time.Duration, opts ...HeartbeatOption) *Heartbeat {
	if active <= 0 {
		active = 15 * time.Second
	}
	if inactive <= 0 {
		inactive = 60 * time.Second
	}
	h := &Heartbeat{
		tracker:  tracker,
		gate:     gate,
		active:   active,
		inactive: inactive,
		logger:   logger.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.started = h.now()
	return h
}

// Interval is the wait before the next beat given the current gate.
func (h *Heartbeat) Interval() time.Duration {
	if h.gate == nil || h.gate.ShouldTrack() {
		return h.active
	}
	return h.inactive
}

// Beat emits one heartbeat immediately.
func (h *Heartbeat) Beat(ctx context.Context) {
	guard(ctx, h.logger, "heartbeat", func() error {
		active := h.gate == nil || h.gate.ShouldTrack()
		h.mu.Lock()
		h.beats++
		seq := h.beats
		h.mu.Unlock()

		props := map[string]any{
			"active":    active,
			"sequence":  seq,
			"uptime_ms": h.now().Sub(h.started).Milliseconds(),
		}
		if !active && h.gate != nil {
			props["reason"] = h.gate.Reason()
		}
		return h.tracker.TrackSystemEvent(ctx, EventHeartbeat, props)
	})
}

// Start runs the timer until Stop or ctx ends. A second Start is a no-op.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.stop != nil {
		h.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	h.stop, h.done = stop, done
	h.mu.Unlock()

	go func() {
		defer close(done)
		timer := time.NewTimer(h.Interval())
		defer timer.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-timer.C:
				h.Beat(ctx)
				timer.Reset(h.Interval())
			}
		}
	}()
}

// Stop cancels the timer and waits for the goroutine. Safe to call repeatedly.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
