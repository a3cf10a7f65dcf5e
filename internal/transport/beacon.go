package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pulse/internal/event"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/metrics"
	"pulse/pkg/platform/sentinel"
)

// MaxBeaconPayload is the largest body a beacon accepts.
const MaxBeaconPayload = 64 << 10

// BeaconQueue accepts chunks for background delivery without blocking. Enqueue
// returns an error when the chunk was refused.
type BeaconQueue interface {
	Enqueue(events []event.Event) error
}

// Beacon is a bounded fire-and-forget queue drained by one goroutine. Chunks
// get a single attempt; outcomes are logged, never returned.
type Beacon struct {
	next       Sender
	timeout    time.Duration
	maxPayload int
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan []event.Event
	done   chan struct{}
}

// BeaconOption configures a Beacon.
type BeaconOption func(*Beacon)

// WithBeaconCapacity bounds the number of queued chunks.
func WithBeaconCapacity(n int) BeaconOption {
	return func(b *Beacon) {
		if n > 0 {
			b.queue = make(chan []event.Event, n)
		}
	}
}

// WithBeaconTimeout bounds each background send.
func WithBeaconTimeout(d time.Duration) BeaconOption {
	return func(b *Beacon) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithMaxPayload overrides the accepted body size.
func WithMaxPayload(n int) BeaconOption {
	return func(b *Beacon) {
		if n > 0 {
			b.maxPayload = n
		}
	}
}

func WithBeaconLogger(l *slog.Logger) BeaconOption {
	return func(b *Beacon) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithBeaconMetrics(m *metrics.Metrics) BeaconOption {
	return func(b *Beacon) {
		b.metrics = m
	}
}

// NewBeacon starts the background sender.
func NewBeacon(next Sender, opts ...BeaconOption) *Beacon {
	b := &Beacon{
		next:       next,
		timeout:    5 * time.Second,
		maxPayload: MaxBeaconPayload,
		logger:     logger.Discard(),
		queue:      make(chan []event.Event, 16),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	go b.run()
	return b
}

// Enqueue hands events to the background sender. Refusals wrap
// sentinel.ErrTooLarge when the encoded body exceeds the payload limit,
// sentinel.ErrClosed after Close and sentinel.ErrUnavailable when the queue is
// full.
func (b *Beacon) Enqueue(events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	body, err := json.Marshal(event.Batch{Events: events})
	if err != nil {
		return fmt.Errorf("encode beacon body: %w", err)
	}
	if len(body) > b.maxPayload {
		return fmt.Errorf("beacon body of %d bytes over %d: %w", len(body), b.maxPayload, sentinel.ErrTooLarge)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("beacon: %w", sentinel.ErrClosed)
	}
	select {
	case b.queue <- append([]event.Event(nil), events...):
		return nil
	default:
		return fmt.Errorf("beacon queue full: %w", sentinel.ErrUnavailable)
	}
}

func (b *Beacon) run() {
	defer close(b.done)
	for chunk := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		if err := b.next.Send(ctx, chunk); err != nil {
			b.logger.Warn("beacon delivery failed", "events", len(chunk), "error", err)
			b.metrics.AddDropped(metrics.DropUnloadRefused, len(chunk))
		} else {
			b.metrics.AddDelivered(len(chunk))
		}
		cancel()
	}
}

// Close stops accepting chunks and waits until queued ones are attempted or
// ctx is done.
func (b *Beacon) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnloadSender delivers during teardown without blocking the caller: beacon
// first, then a detached single-attempt POST whose outcome is not awaited.
type UnloadSender struct {
	beacon   BeaconQueue
	fallback Sender
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	inflight sync.WaitGroup
}

// NewUnloadSender builds the unload path. beacon may be nil.
func NewUnloadSender(beacon BeaconQueue, fallback Sender, timeout time.Duration, l *slog.Logger, m *metrics.Metrics) *UnloadSender {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if l == nil {
		l = logger.Discard()
	}
	return &UnloadSender{beacon: beacon, fallback: fallback, timeout: timeout, logger: l, metrics: m}
}

// SendUnload returns immediately.
func (u *UnloadSender) SendUnload(events []event.Event) {
	if len(events) == 0 {
		return
	}
	if u.beacon != nil {
		err := u.beacon.Enqueue(events)
		if err == nil {
			return
		}
		u.logger.Debug("beacon refused unload chunk", "events", len(events), "error", err)
	}
	if u.fallback == nil {
		u.metrics.AddDropped(metrics.DropUnloadRefused, len(events))
		return
	}
	chunk := append([]event.Event(nil), events...)
	u.inflight.Add(1)
	go func() {
		defer u.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
		defer cancel()
		if err := u.fallback.Send(ctx, chunk); err != nil {
			u.logger.Warn("unload delivery failed", "events", len(chunk), "error", err)
			u.metrics.AddDropped(metrics.DropUnloadRefused, len(chunk))
			return
		}
		u.metrics.AddDelivered(len(chunk))
	}()
}

// Wait blocks until detached fallback sends finish. Only process shutdown and
// tests call it; the unload path itself never waits.
func (u *UnloadSender) Wait() {
	u.inflight.Wait()
}
