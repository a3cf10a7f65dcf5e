// Package analytics is the public entry point of the SDK. A Client wires
// consent, identity, the attention filter, the delivery pipeline and the signal
// producers from one config.Config.
//
//	client, err := analytics.New(ctx, cfg)
//	if err != nil { ... }
//	defer client.Close(ctx)
//	_ = client.Track(ctx, "signup", map[string]any{"plan": "pro"})
package analytics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pulse/internal/attention"
	"pulse/internal/consent"
	"pulse/internal/event"
	"pulse/internal/identity"
	"pulse/internal/pipeline"
	"pulse/internal/platform/config"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/metrics"
	"pulse/internal/remoteconfig"
	"pulse/internal/session"
	"pulse/internal/signals"
	"pulse/internal/storage"
	dErrors "pulse/pkg/domain-errors"
)

// Client is one tenant's SDK instance. It is safe for concurrent use.
type Client struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	consent  *consent.Manager
	identity *identity.Manager
	filter   *attention.Filter
	session  *session.Context
	pipeline *pipeline.Pipeline
	delivery *delivery
	stores   stores

	heartbeat    *signals.Heartbeat
	pages        *signals.PageTracker
	interactions *signals.Interactions
	sections     *signals.Sections
	heatmap      *signals.Heatmap

	disabled  atomic.Bool
	destroyed atomic.Bool
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and starts a client. Background timers run until Destroy
// or Close.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		level := cfg.Log.Level
		if cfg.Debug {
			level = "debug"
		}
		o.logger = logger.New(level, cfg.Log.Format)
	}
	log := o.logger.With("tenant", cfg.TenantID)

	c := &Client{
		cfg:     cfg,
		logger:  log,
		metrics: metrics.New(o.registerer),
	}

	if o.durable != nil {
		c.stores = stores{durable: o.durable, session: o.session, close: func() error { return nil }}
	} else {
		st, err := openStores(ctx, cfg.Storage)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "storage")
		}
		c.stores = st
	}

	if err := c.initConsentAndIdentity(ctx, o); err != nil {
		_ = c.stores.close()
		return nil, err
	}

	base, closeBase := o.sender, func() error { return nil }
	if base == nil {
		var err error
		base, closeBase, err = newBaseSender(cfg, o.httpClient, log)
		if err != nil {
			_ = c.stores.close()
			return nil, err
		}
	}
	c.delivery = newDelivery(cfg, base, closeBase, log, c.metrics)

	p, err := pipeline.New(pipeline.Config{
		BatchSize:           cfg.BatchSize,
		FlushInterval:       cfg.FlushInterval,
		MaxEventsPerRequest: cfg.MaxEventsPerRequest,
		MaxQueueSize:        cfg.MaxQueueSize,
		WaitForConsent:      cfg.WaitForConsent,
	}, c.consent, c.identity, c.delivery.sender,
		pipeline.WithUnloadSender(c.delivery.unload),
		pipeline.WithLogger(log),
		pipeline.WithMetrics(c.metrics),
		pipeline.WithClock(o.now),
	)
	if err != nil {
		c.shutdownInfra(ctx)
		return nil, err
	}
	c.pipeline = p

	c.initSignals(o)
	if cfg.RemoteConfig.Enabled {
		c.applyRemote(ctx, o)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.pipeline.Start()
	if c.heartbeat != nil {
		c.heartbeat.Start(runCtx)
	}
	c.sections.Start(runCtx, cfg.Attention.EvaluateInterval)

	log.Debug("client started",
		"consent_mode", string(c.consent.Mode()),
		"identity_mode", string(c.identity.Mode()),
		"transport", cfg.Transport.Kind,
		"storage", cfg.Storage.Driver,
	)
	return c, nil
}

func (c *Client) initConsentAndIdentity(ctx context.Context, o options) error {
	mode, err := consent.ParseMode(c.cfg.ConsentMode)
	if err != nil {
		return err
	}
	copts := []consent.Option{
		consent.WithKey(storage.Key(c.cfg.TenantID, storage.KeyConsent)),
		consent.WithVersion(c.cfg.ConsentVersion),
		consent.WithLogger(c.logger),
		consent.WithClock(o.now),
	}
	if len(c.cfg.ConsentCategories) > 0 {
		copts = append(copts, consent.WithCategories(c.cfg.ConsentCategories...))
	}
	c.consent, err = consent.New(mode, c.stores.durable, copts...)
	if err != nil {
		return err
	}
	c.consent.Load(ctx)

	c.identity, err = identity.New(c.cfg.TenantID, c.stores.durable, c.stores.session,
		identity.WithMode(c.identityMode()),
		identity.WithFingerprint(o.fingerprint),
		identity.WithClock(o.now),
		identity.WithLogger(c.logger),
	)
	if err != nil {
		return err
	}
	// Registered before the pipeline so released events see the new identity.
	c.consent.OnChange(func(consent.State) {
		c.identity.SetMode(context.Background(), c.identityMode())
	})
	return nil
}

func (c *Client) identityMode() identity.Mode {
	if c.consent.ShouldUsePermanentID() {
		return identity.ModePermanent
	}
	return identity.ModeCookieless
}

func (c *Client) initSignals(o options) {
	cfg := c.cfg
	c.filter = attention.New(attention.Config{
		IdleThreshold:      cfg.Attention.IdleThreshold,
		MinScrollDistance:  cfg.Attention.MinScrollDistance,
		MaxSectionDuration: cfg.Attention.MaxSectionDuration,
	}, attention.WithClock(o.now))
	c.session = session.New(c.identity.SessionID(), o.now())

	if cfg.EnableHeartbeat {
		c.heartbeat = signals.NewHeartbeat(c, c.filter,
			cfg.HeartbeatActiveInterval, cfg.HeartbeatInactiveInterval,
			signals.WithHeartbeatLogger(c.logger),
			signals.WithHeartbeatClock(o.now),
		)
	}
	c.pages = signals.NewPageTracker(c, c.session,
		signals.WithAutoPageView(cfg.EnableAutoPageView),
		signals.WithQueryStripping(func() bool {
			return cfg.StripQueryParams || c.consent.ShouldStripQueryParams()
		}),
		signals.WithPageLogger(c.logger),
		signals.WithPageClock(o.now),
	)
	c.interactions = signals.NewInteractions(c, c.logger)
	c.sections = signals.NewSections(c, c.filter,
		signals.WithSectionLogger(c.logger),
		signals.WithSectionClock(o.now),
	)
	c.heatmap = signals.NewHeatmap(c, cfg.HeatmapSampleRate, c.logger)
}

func (c *Client) applyRemote(ctx context.Context, o options) {
	src := remoteconfig.New(c.cfg.Endpoint, c.cfg.TenantID, c.stores.durable,
		remoteconfig.WithTTL(c.cfg.RemoteConfig.TTL),
		remoteconfig.WithHTTPClient(o.httpClient),
		remoteconfig.WithLogger(c.logger),
		remoteconfig.WithClock(o.now),
	)
	settings, ok := src.Load(ctx)
	if !ok {
		return
	}
	if settings.HeatmapSampleRate != nil {
		c.heatmap.SetRate(*settings.HeatmapSampleRate)
	}
	if settings.EnableHeartbeat != nil && !*settings.EnableHeartbeat {
		c.heartbeat = nil
	}
	if settings.EnableHeartbeat != nil && *settings.EnableHeartbeat && c.heartbeat == nil {
		c.heartbeat = signals.NewHeartbeat(c, c.filter,
			c.cfg.HeartbeatActiveInterval, c.cfg.HeartbeatInactiveInterval,
			signals.WithHeartbeatLogger(c.logger),
			signals.WithHeartbeatClock(o.now),
		)
	}
	if settings.EnableAutoPageView != nil {
		c.pages = signals.NewPageTracker(c, c.session,
			signals.WithAutoPageView(*settings.EnableAutoPageView),
			signals.WithQueryStripping(func() bool {
				return c.cfg.StripQueryParams || c.consent.ShouldStripQueryParams()
			}),
			signals.WithPageLogger(c.logger),
			signals.WithPageClock(o.now),
		)
	}
	if settings.Disabled {
		c.logger.InfoContext(ctx, "tracking disabled by remote configuration")
		c.disabled.Store(true)
	}
}

// HasConsent reports whether category may be attributed to a durable identity.
func (c *Client) HasConsent(category string) bool {
	return c.consent.HasConsent(category)
}

// Track records a consent-gated event.
func (c *Client) Track(ctx context.Context, name string, props map[string]any, opts ...event.TrackOption) error {
	if c.disabled.Load() && !c.destroyed.Load() {
		return nil
	}
	return c.pipeline.Track(ctx, name, props, opts...)
}

// TrackSystemEvent records an operational event outside the consent gate.
func (c *Client) TrackSystemEvent(ctx context.Context, name string, props map[string]any) error {
	if c.disabled.Load() && !c.destroyed.Load() {
		return nil
	}
	return c.pipeline.TrackSystemEvent(ctx, name, props)
}

// GrantConsent records consent for categories, or all configured ones.
func (c *Client) GrantConsent(ctx context.Context, categories ...string) error {
	if c.destroyed.Load() {
		return dErrors.New(dErrors.CodeDestroyed, "client destroyed")
	}
	return c.consent.Grant(ctx, categories...)
}

// RevokeConsent withdraws consent for categories, or all of them.
func (c *Client) RevokeConsent(ctx context.Context, categories ...string) error {
	if c.destroyed.Load() {
		return dErrors.New(dErrors.CodeDestroyed, "client destroyed")
	}
	return c.consent.Revoke(ctx, categories...)
}

func (c *Client) ConsentStatus() consent.Status {
	return c.consent.Status()
}

func (c *Client) ConsentState() consent.State {
	return c.consent.State()
}

// UserID is the identity the next event would carry.
func (c *Client) UserID(ctx context.Context) string {
	return c.identity.CurrentUserID(ctx)
}

func (c *Client) SessionID() string {
	return c.identity.SessionID()
}

// SetProperties merges super properties into every later event.
func (c *Client) SetProperties(props map[string]any) error {
	return c.pipeline.SetProperties(props)
}

// Flush delivers the queue now.
func (c *Client) Flush(ctx context.Context) error {
	return c.pipeline.Flush(ctx)
}

// QueueLen is the number of events awaiting delivery.
func (c *Client) QueueLen() int {
	return c.pipeline.QueueLen()
}

// PendingLen is the number of events parked until consent.
func (c *Client) PendingLen() int {
	return c.pipeline.PendingLen()
}

// Metrics exposes the client's collectors.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// PageView tracks page and makes it the current page.
func (c *Client) PageView(ctx context.Context, page signals.Page) {
	c.filter.RecordActivity()
	c.pages.PageView(ctx, page)
}

// Navigate tracks leaving the current page and, with auto page views on,
// entering page.
func (c *Client) Navigate(ctx context.Context, page signals.Page) {
	c.filter.RecordActivity()
	c.pages.Navigate(ctx, page)
}

func (c *Client) Click(ctx context.Context, click signals.Click) {
	c.filter.RecordActivity()
	c.interactions.Click(ctx, click)
}

func (c *Client) HeatmapClick(ctx context.Context, p signals.Point) {
	c.heatmap.Record(ctx, p)
}

func (c *Client) SectionEnter(name string, scrollY float64) {
	c.sections.Enter(name, scrollY)
}

func (c *Client) SectionScroll(name string, scrollY float64) {
	c.filter.RecordActivity()
	c.sections.Scroll(name, scrollY)
}

func (c *Client) SectionExit(ctx context.Context, name string) {
	c.sections.Exit(ctx, name)
}

// RecordActivity marks user input for the attention filter.
func (c *Client) RecordActivity() {
	c.filter.RecordActivity()
}

// SetVisible reports a page visibility change. Hiding hands the queue to the
// unload path, since a hidden page may never become visible again.
func (c *Client) SetVisible(visible bool) {
	c.filter.SetVisible(visible)
	if visible {
		c.sections.RestartTimers()
		return
	}
	c.pipeline.FlushOnUnload()
}

// Unload reports page teardown: the current page is exited and the queue is
// handed to the unload path without waiting.
func (c *Client) Unload(ctx context.Context) {
	c.pages.Exit(ctx)
	c.pipeline.FlushOnUnload()
}

// Destroy stops every timer and makes the client inert. Queued events are
// handed to the unload path without waiting. Later calls are no-ops.
func (c *Client) Destroy() error {
	if !c.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	c.sections.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	err := c.pipeline.Destroy()
	c.logger.Debug("client destroyed")
	return err
}

// Close destroys the client, waits up to ctx for unload deliveries, then
// releases storage and transport connections.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.Destroy(), c.shutdownInfra(ctx))
	})
	return c.closeErr
}

func (c *Client) shutdownInfra(ctx context.Context) error {
	var errs []error
	if c.delivery != nil {
		if err := c.delivery.beacon.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		done := make(chan struct{})
		go func() {
			c.delivery.unload.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		if err := c.delivery.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.stores.close != nil {
		if err := c.stores.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Health reports storage reachability and whether delivery is short-circuited.
func (c *Client) Health(ctx context.Context) error {
	if c.destroyed.Load() {
		return dErrors.New(dErrors.CodeDestroyed, "client destroyed")
	}
	if c.stores.health != nil {
		if err := c.stores.health(ctx); err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "storage")
		}
	}
	if c.delivery.breaker.IsOpen() {
		return dErrors.New(dErrors.CodeUnavailable, "delivery circuit open")
	}
	return nil
}
