package signals

import (
	"context"
	"log/slog"
	"maps"
	"net/url"
	"sync"
	"time"

	"pulse/internal/platform/logger"
	"pulse/internal/session"
)

// Page describes one navigation reported by the host.
type Page struct {
	URL      string
	Referrer string
	Title    string
}

// PageTracker emits page views and page exits with time on page.
type PageTracker struct {
	tracker      Tracker
	session      *session.Context
	stripQuery   func() bool
	autoPageView bool
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.Mutex
	current *Page
	enterAt time.Time
}

type PageOption func(*PageTracker)

// WithQueryStripping decides per page view whether query strings are removed.
func WithQueryStripping(strip func() bool) PageOption {
	return func(p *PageTracker) {
		if strip != nil {
			p.stripQuery = strip
		}
	}
}

// WithAutoPageView makes Navigate emit a page view for each new page.
func WithAutoPageView(enabled bool) PageOption {
	return func(p *PageTracker) {
		p.autoPageView = enabled
	}
}

func WithPageLogger(l *slog.Logger) PageOption {
	return func(p *PageTracker) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithPageClock(now func() time.Time) PageOption {
	return func(p *PageTracker) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPageTracker(tracker Tracker, sess *session.Context, opts ...PageOption) *PageTracker {
	p := &PageTracker{
		tracker:    tracker,
		session:    sess,
		stripQuery: func() bool { return false },
		logger:     logger.Discard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// PageView records page as the current page and tracks it. Campaign
// parameters are read before any query stripping.
func (p *PageTracker) PageView(ctx context.Context, page Page) {
	guard(ctx, p.logger, "pageview", func() error {
		if p.session != nil {
			p.session.RecordPageView(page.URL, page.Referrer)
		}
		p.mu.Lock()
		cp := page
		p.current = &cp
		p.enterAt = p.now()
		p.mu.Unlock()
		return p.tracker.Track(ctx, EventPageView, p.properties(page))
	})
}

// Exit tracks leaving the current page, if any.
func (p *PageTracker) Exit(ctx context.Context) {
	guard(ctx, p.logger, "pageview", func() error {
		p.mu.Lock()
		page, enterAt := p.current, p.enterAt
		p.current = nil
		p.mu.Unlock()
		if page == nil {
			return nil
		}
		props := p.pageProperties(*page)
		props["time_on_page_ms"] = p.now().Sub(enterAt).Milliseconds()
		return p.tracker.Track(ctx, EventPageExit, props)
	})
}

// Navigate closes the current page and, with auto page views on, opens page.
func (p *PageTracker) Navigate(ctx context.Context, page Page) {
	p.Exit(ctx)
	if p.autoPageView {
		p.PageView(ctx, page)
	}
}

// Current returns the page being viewed.
func (p *PageTracker) Current() (Page, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Page{}, false
	}
	return *p.current, true
}

func (p *PageTracker) properties(page Page) map[string]any {
	props := p.pageProperties(page)
	if p.session != nil {
		sess := p.session.Properties()
		if p.stripQuery() {
			for _, key := range []string{"landing_page", "initial_referrer"} {
				if v, ok := sess[key].(string); ok {
					sess[key] = session.StripQuery(v)
				}
			}
		}
		maps.Copy(props, sess)
	}
	return props
}

func (p *PageTracker) pageProperties(page Page) map[string]any {
	raw := page.URL
	if p.stripQuery() {
		raw = session.StripQuery(raw)
	}
	props := map[string]any{"url": raw}
	if u, err := url.Parse(raw); err == nil {
		props["path"] = u.Path
		if u.Host != "" {
			props["host"] = u.Host
		}
	}
	if page.Referrer != "" {
		ref := page.Referrer
		if p.stripQuery() {
			ref = session.StripQuery(ref)
		}
		props["referrer"] = ref
	}
	if page.Title != "" {
		props["title"] = page.Title
	}
	return props
}
