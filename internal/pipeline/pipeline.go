// Package pipeline queues, batches and delivers events. It applies the consent
// gate, parks events while consent is pending, and serializes flushes so
// chunks leave in enqueue order.
package pipeline

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pulse/internal/consent"
	"pulse/internal/event"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/metrics"
	"pulse/internal/transport"
	dErrors "pulse/pkg/domain-errors"
)

const (
	maxEventNameLen    = 128
	maxSuperProperties = 50
)

// ConsentPolicy is the consent surface the pipeline depends on.
type ConsentPolicy interface {
	HasConsent(category string) bool
	ShouldWaitForConsent() bool
	Status() consent.Status
	OnChange(fn func(consent.State)) (unsubscribe func())
}

// IdentitySource labels events.
type IdentitySource interface {
	CurrentUserID(ctx context.Context) string
	SessionID() string
}

// UnloadSender delivers without blocking the caller.
type UnloadSender interface {
	SendUnload(events []event.Event)
}

// Config tunes batching. Zero values take defaults.
type Config struct {
	BatchSize           int
	FlushInterval       time.Duration
	MaxEventsPerRequest int
	MaxQueueSize        int
	WaitForConsent      bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxEventsPerRequest <= 0 {
		c.MaxEventsPerRequest = 160
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	return c
}

type pendingEvent struct {
	ev       event.Event
	category string
}

// Pipeline owns one tenant's delivery queue.
type Pipeline struct {
	cfg      Config
	consent  ConsentPolicy
	identity IdentitySource
	sender   transport.Sender
	unload   UnloadSender

	mu         sync.Mutex
	queue      *ring
	pending    []pendingEvent
	superProps map[string]any
	closed     bool
	// held are the chunks a running Flush has not settled yet, current one
	// first. FlushOnUnload takes them so they leave ahead of newer events.
	held        [][]event.Event
	cancelFlush context.CancelFunc

	flushMu   sync.Mutex
	flushReq  chan struct{}
	stop      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	destroyed atomic.Bool
	bg        sync.WaitGroup

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithUnloadSender sets the page-unload delivery path.
func WithUnloadSender(u UnloadSender) Option {
	return func(p *Pipeline) {
		if u != nil {
			p.unload = u
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds a pipeline and subscribes it to consent changes. Call Start to
// run the periodic flush.
func New(cfg Config, policy ConsentPolicy, identity IdentitySource, sender transport.Sender, opts ...Option) (*Pipeline, error) {
	if policy == nil || identity == nil || sender == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "consent, identity and sender are required")
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:        cfg,
		consent:    policy,
		identity:   identity,
		sender:     sender,
		queue:      newRing(cfg.MaxQueueSize),
		superProps: make(map[string]any),
		flushReq:   make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.Discard(),
		tracer:     otel.Tracer("pulse/pipeline"),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.unload == nil {
		p.unload = transport.NewUnloadSender(nil, sender, 0, p.logger, p.metrics)
	}
	p.unsubscribe = policy.OnChange(p.onConsentChange)
	return p, nil
}

// Start runs the background flush loop. It is safe to call more than once.
func (p *Pipeline) Start() {
	if p.destroyed.Load() || !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run()
}

func (p *Pipeline) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.flushBackground()
		case <-p.flushReq:
			p.flushBackground()
		}
	}
}

func (p *Pipeline) flushBackground() {
	if err := p.Flush(p.ctx); err != nil {
		p.logger.Warn("background flush failed", "error", err)
	}
}

// requestFlush asks for a flush without waiting. Requests coalesce.
func (p *Pipeline) requestFlush() {
	if p.started.Load() {
		select {
		case p.flushReq <- struct{}{}:
		default:
		}
		return
	}
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		p.flushBackground()
	}()
}

// Track records a consent-gated event. Policy drops return nil; a destroyed
// pipeline or an invalid name returns a coded error.
func (p *Pipeline) Track(ctx context.Context, name string, props map[string]any, opts ...event.TrackOption) error {
	if err := p.checkTrackable(name); err != nil {
		return err
	}
	o := event.ApplyTrackOptions(opts...)

	if o.Category != "" && p.consent.HasConsent("") && !p.consent.HasConsent(o.Category) {
		p.drop(ctx, name, metrics.DropNoConsent, 1)
		return nil
	}

	if p.consent.ShouldWaitForConsent() {
		if !p.cfg.WaitForConsent {
			p.drop(ctx, name, metrics.DropNoConsent, 1)
			return nil
		}
		// labelled with the effective identity when drained
		return p.park(ctx, pendingEvent{ev: p.build(name, "", props, nil), category: o.Category})
	}

	ev := p.build(name, p.identity.CurrentUserID(ctx), props, nil)
	if err := p.enqueue(ctx, ev); err != nil {
		return err
	}
	if o.Flush {
		return p.Flush(ctx)
	}
	return nil
}

// TrackSystemEvent records an operational event regardless of consent. Without
// consent it carries the ephemeral session id and is marked minimal.
func (p *Pipeline) TrackSystemEvent(ctx context.Context, name string, props map[string]any) error {
	if err := p.checkTrackable(name); err != nil {
		return err
	}
	granted := p.consent.HasConsent("")
	userID := p.identity.SessionID()
	if granted {
		userID = p.identity.CurrentUserID(ctx)
	}
	ev := p.build(name, userID, props, map[string]any{
		event.PropMinimal:       !granted,
		event.PropConsentStatus: string(p.consent.Status()),
	})
	return p.enqueue(ctx, ev)
}

func (p *Pipeline) checkTrackable(name string) error {
	if p.destroyed.Load() {
		return dErrors.New(dErrors.CodeDestroyed, "pipeline destroyed")
	}
	if name == "" || len(name) > maxEventNameLen {
		return dErrors.New(dErrors.CodeValidation, "event name must be 1-128 bytes")
	}
	return nil
}

func (p *Pipeline) build(name, userID string, props, labels map[string]any) event.Event {
	p.mu.Lock()
	merged := maps.Clone(p.superProps)
	p.mu.Unlock()
	maps.Copy(merged, props)
	maps.Copy(merged, labels)
	ev := event.New(name, userID, p.identity.SessionID(), nil, p.now())
	ev.Properties = merged
	return ev
}

func (p *Pipeline) enqueue(ctx context.Context, ev event.Event) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return dErrors.New(dErrors.CodeDestroyed, "pipeline destroyed")
	}
	evicted := p.queue.push(ev)
	depth := p.queue.len()
	p.mu.Unlock()

	p.metrics.IncEnqueued()
	p.metrics.SetQueueDepth(depth)
	if evicted {
		p.metrics.AddDropped(metrics.DropQueueFull, 1)
		p.logger.WarnContext(ctx, "delivery queue full, dropped oldest event")
	}
	p.logger.DebugContext(ctx, "event queued", "event", ev.EventName, "depth", depth)
	if depth >= p.cfg.BatchSize {
		p.requestFlush()
	}
	return nil
}

func (p *Pipeline) park(ctx context.Context, pe pendingEvent) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return dErrors.New(dErrors.CodeDestroyed, "pipeline destroyed")
	}
	evicted := 0
	if len(p.pending) >= p.cfg.MaxQueueSize {
		evicted = len(p.pending) - p.cfg.MaxQueueSize + 1
		p.pending = p.pending[evicted:]
	}
	p.pending = append(p.pending, pe)
	n := len(p.pending)
	p.mu.Unlock()

	p.metrics.SetPending(n)
	p.metrics.AddDropped(metrics.DropQueueFull, evicted)
	p.logger.DebugContext(ctx, "event parked until consent", "event", pe.ev.EventName, "pending", n)
	return nil
}

func (p *Pipeline) drop(ctx context.Context, name, reason string, n int) {
	p.metrics.AddDropped(reason, n)
	p.logger.DebugContext(ctx, "event dropped", "event", name, "reason", reason)
}

// onConsentChange drains the pending queue exactly once per grant. A state
// without any grant discards whatever is pending.
func (p *Pipeline) onConsentChange(st consent.State) {
	if p.destroyed.Load() {
		return
	}
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	p.metrics.SetPending(0)
	if len(pending) == 0 {
		return
	}
	ctx := p.ctx
	if !st.Granted || !p.consent.HasConsent("") {
		p.drop(ctx, "pending", metrics.DropRevoked, len(pending))
		return
	}

	userID := p.identity.CurrentUserID(ctx)
	moved := 0
	for _, pe := range pending {
		if pe.category != "" && !p.consent.HasConsent(pe.category) {
			p.drop(ctx, pe.ev.EventName, metrics.DropNoConsent, 1)
			continue
		}
		pe.ev.UserID = userID
		if err := p.enqueue(ctx, pe.ev); err != nil {
			return
		}
		moved++
	}
	p.logger.DebugContext(ctx, "pending events released", "events", moved)
	if moved > 0 {
		p.requestFlush()
	}
}

// SetProperties merges props into the super properties attached to every
// event. More than 50 keys in total is rejected.
func (p *Pipeline) SetProperties(props map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	merged := maps.Clone(p.superProps)
	maps.Copy(merged, props)
	if len(merged) > maxSuperProperties {
		return dErrors.New(dErrors.CodeValidation, "too many properties: limit is 50")
	}
	p.superProps = merged
	return nil
}

// ClearProperties removes every super property.
func (p *Pipeline) ClearProperties() {
	p.mu.Lock()
	p.superProps = make(map[string]any)
	p.mu.Unlock()
}

// QueueLen is the number of events awaiting delivery.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.len()
}

// PendingLen is the number of events parked until consent.
func (p *Pipeline) PendingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Flush sends the queue in chunks, one after another. A failed chunk is
// dropped and later chunks are still attempted. The error is non-nil only when
// every chunk failed. Chunks not yet settled when FlushOnUnload runs are
// handed to the unload path instead.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	events := p.queue.drain()
	if len(events) == 0 {
		p.mu.Unlock()
		return nil
	}
	chunks := event.Chunk(events, p.cfg.MaxEventsPerRequest)
	p.held = chunks
	p.cancelFlush = cancel
	p.mu.Unlock()
	p.metrics.SetQueueDepth(0)
	defer p.releaseHeld()

	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.flush", trace.WithAttributes(
		attribute.Int("pulse.events", len(events)),
		attribute.Int("pulse.chunks", len(chunks)),
	))
	defer span.End()

	var (
		sent    int
		failed  int
		lastErr error
	)
	for i := 0; ; i++ {
		chunk, ok := p.nextHeld()
		if !ok {
			break
		}
		err := p.sendChunk(ctx, i, chunk)
		if !p.settleHeld() {
			// taken by the unload path, which now owns this chunk and the rest
			span.AddEvent("handed to unload")
			return nil
		}
		sent++
		if err != nil {
			p.chunkFailed(ctx, i, chunk, err)
			failed++
			lastErr = err
			continue
		}
		p.metrics.AddDelivered(len(chunk))
	}
	p.metrics.ObserveFlush(time.Since(start).Seconds())

	if sent > 0 && failed == sent {
		span.SetStatus(codes.Error, "all chunks failed")
		return dErrors.Wrap(lastErr, dErrors.CodeDeliveryFailed, "no chunk delivered")
	}
	return nil
}

func (p *Pipeline) nextHeld() ([]event.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.held) == 0 {
		return nil, false
	}
	return p.held[0], true
}

// settleHeld pops the chunk just sent. It reports false when the unload path
// took the held chunks while the send was in flight.
func (p *Pipeline) settleHeld() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.held) == 0 {
		return false
	}
	p.held = p.held[1:]
	return true
}

func (p *Pipeline) releaseHeld() {
	p.mu.Lock()
	p.held = nil
	p.cancelFlush = nil
	p.mu.Unlock()
}

func (p *Pipeline) sendChunk(ctx context.Context, index int, chunk []event.Event) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.send_chunk", trace.WithAttributes(
		attribute.Int("pulse.chunk", index),
		attribute.Int("pulse.events", len(chunk)),
	))
	defer span.End()

	err := p.sender.Send(ctx, chunk)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(transport.Classify(err)))
	}
	return err
}

func (p *Pipeline) chunkFailed(ctx context.Context, index int, chunk []event.Event, err error) {
	kind := transport.Classify(err)
	reason := metrics.DropDelivery
	if kind == transport.KindCircuitOpen {
		reason = metrics.DropCircuitOpen
	}
	p.metrics.IncChunkFailed(string(kind))
	p.metrics.AddDropped(reason, len(chunk))
	p.logger.WarnContext(ctx, "chunk dropped after delivery failure",
		"chunk", index, "events", len(chunk), "kind", string(kind), "error", err)
}

// FlushOnUnload hands everything undelivered to the unload path and returns
// at once: first the chunks an in-flight Flush still holds, whose send is
// abandoned, then the queue. A chunk whose request was already on the wire
// may arrive twice; the collector dedupes on message_id.
func (p *Pipeline) FlushOnUnload() {
	p.mu.Lock()
	held := p.held
	p.held = nil
	cancel := p.cancelFlush
	events := p.queue.drain()
	p.mu.Unlock()
	p.metrics.SetQueueDepth(0)

	if len(held) > 0 && cancel != nil {
		cancel()
	}
	for _, chunk := range held {
		p.unload.SendUnload(chunk)
	}
	for _, chunk := range event.Chunk(events, p.cfg.MaxEventsPerRequest) {
		p.unload.SendUnload(chunk)
	}
}

// Destroy stops timers, hands queued events to the unload path without
// waiting, and makes the pipeline inert. Later calls are no-ops.
func (p *Pipeline) Destroy() error {
	if !p.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	p.unsubscribe()

	p.mu.Lock()
	p.closed = true
	pending := len(p.pending)
	p.pending = nil
	p.mu.Unlock()
	p.metrics.AddDropped(metrics.DropRevoked, pending)
	p.metrics.SetPending(0)

	p.FlushOnUnload()
	p.cancel()
	close(p.stop)
	if p.started.Load() {
		<-p.done
	}
	p.logger.Debug("pipeline destroyed")
	return nil
}

// Wait blocks until flushes started outside the background loop finish.
func (p *Pipeline) Wait() {
	p.bg.Wait()
}
