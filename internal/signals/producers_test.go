package signals

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"pulse/internal/attention"
	"pulse/internal/session"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type ProducerSuite struct {
	suite.Suite
	ctx     context.Context
	clock   *clock
	tracker *fakeTracker
	filter  *attention.Filter
}

func TestProducerSuite(t *testing.T) {
	suite.Run(t, new(ProducerSuite))
}

func (s *ProducerSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.tracker = &fakeTracker{}
	s.filter = attention.New(attention.Config{
		IdleThreshold:      30 * time.Second,
		MinScrollDistance:  100,
		MaxSectionDuration: 30 * time.Second,
	}, attention.WithClock(s.clock.Now))
}

func (s *ProducerSuite) TestHeartbeat() {
	h := NewHeartbeat(s.tracker, s.filter, 15*time.Second, time.Minute, WithHeartbeatClock(s.clock.Now))

	s.Run("active beat", func() {
		s.Equal(15*time.Second, h.Interval())
		s.clock.Advance(10 * time.Second)
		h.Beat(s.ctx)
		calls := s.tracker.named(EventHeartbeat)
		s.Require().Len(calls, 1)
		s.True(calls[0].system)
		s.Equal(true, calls[0].props["active"])
		s.Equal(int64(10000), calls[0].props["uptime_ms"])
		s.Equal(1, calls[0].props["sequence"])
	})

	s.Run("idle user slows down and reports why", func() {
		s.clock.Advance(31 * time.Second)
		s.Equal(time.Minute, h.Interval())
		h.Beat(s.ctx)
		calls := s.tracker.named(EventHeartbeat)
		s.Require().Len(calls, 2)
		s.Equal(false, calls[1].props["active"])
		s.Equal(attention.ReasonUserIdle, calls[1].props["reason"])
	})
}

func (s *ProducerSuite) TestHeartbeatTimerStops() {
	h := NewHeartbeat(s.tracker, nil, 5*time.Millisecond, 5*time.Millisecond)
	h.Start(s.ctx)
	h.Start(s.ctx)
	s.Eventually(func() bool { return len(s.tracker.named(EventHeartbeat)) >= 2 }, 2*time.Second, time.Millisecond)
	h.Stop()
	h.Stop()
	n := len(s.tracker.named(EventHeartbeat))
	time.Sleep(20 * time.Millisecond)
	s.Len(s.tracker.named(EventHeartbeat), n)
}

func (s *ProducerSuite) TestPageViewAndExit() {
	sess := session.New("sess", s.clock.Now())
	p := NewPageTracker(s.tracker, sess, WithPageClock(s.clock.Now), WithAutoPageView(true))

	p.Navigate(s.ctx, Page{
		URL:      "https://shop.example/landing?utm_source=news&utm_campaign=spring",
		Referrer: "https://search.example/?q=shoes",
		Title:    "Landing",
	})
	views := s.tracker.named(EventPageView)
	s.Require().Len(views, 1)
	s.Equal("/landing", views[0].props["path"])
	s.Equal("Landing", views[0].props["title"])
	s.Equal("news", views[0].props["utm_source"])
	s.Contains(views[0].props["url"], "utm_source=news")

	s.clock.Advance(42 * time.Second)
	p.Navigate(s.ctx, Page{URL: "https://shop.example/cart"})

	exits := s.tracker.named(EventPageExit)
	s.Require().Len(exits, 1)
	s.Equal("/landing", exits[0].props["path"])
	s.Equal(int64(42000), exits[0].props["time_on_page_ms"])

	views = s.tracker.named(EventPageView)
	s.Require().Len(views, 2)
	s.Equal("spring", views[1].props["utm_campaign"], "campaign stays first-touch for the session")
	s.Equal(2, sess.PageViews())

	current, ok := p.Current()
	s.True(ok)
	s.Equal("https://shop.example/cart", current.URL)
}

func (s *ProducerSuite) TestPageViewStripsQueryWhenAsked() {
	sess := session.New("sess", s.clock.Now())
	p := NewPageTracker(s.tracker, sess, WithQueryStripping(func() bool { return true }))

	p.PageView(s.ctx, Page{
		URL:      "https://shop.example/p?utm_source=ads&email=a@b.c",
		Referrer: "https://ref.example/x?token=secret",
	})
	views := s.tracker.named(EventPageView)
	s.Require().Len(views, 1)
	s.Equal("https://shop.example/p", views[0].props["url"])
	s.Equal("https://ref.example/x", views[0].props["referrer"])
	s.Equal("ads", views[0].props["utm_source"], "campaign parameters are read before stripping")
	s.NotContains(views[0].props["landing_page"], "email")
}

func (s *ProducerSuite) TestNavigateWithoutAutoPageView() {
	p := NewPageTracker(s.tracker, nil)
	p.Navigate(s.ctx, Page{URL: "https://a.example/"})
	p.Exit(s.ctx)
	s.Empty(s.tracker.snapshot())
}

func (s *ProducerSuite) TestClick() {
	in := NewInteractions(s.tracker, nil)
	in.Click(s.ctx, Click{
		Element: "BUTTON",
		ID:      "buy",
		Classes: []string{"btn", "primary"},
		Text:    "  " + strings.Repeat("é", 150) + "  ",
		X:       10,
		Y:       20,
	})
	calls := s.tracker.named(EventClick)
	s.Require().Len(calls, 1)
	s.False(calls[0].system)
	s.Equal("button", calls[0].props["element"])
	s.Equal("buy", calls[0].props["element_id"])
	s.Equal("btn primary", calls[0].props["classes"])
	s.Equal(strings.Repeat("é", 100), calls[0].props["text"])
	s.NotContains(calls[0].props, "href")
}

func (s *ProducerSuite) TestSectionDwell() {
	sec := NewSections(s.tracker, s.filter, WithSectionClock(s.clock.Now))
	sec.Enter("pricing", 0)

	s.Run("credited dwell is tracked", func() {
		s.clock.Advance(10 * time.Second)
		s.filter.RecordActivity()
		sec.Evaluate(s.ctx)
		calls := s.tracker.named(EventSectionView)
		s.Require().Len(calls, 1)
		s.Equal("pricing", calls[0].props["section"])
		s.Equal(int64(10000), calls[0].props["duration_ms"])
		s.Equal("interval", calls[0].props["trigger"])
	})

	s.Run("dwell is capped at the section maximum", func() {
		s.clock.Advance(25 * time.Second)
		s.filter.RecordActivity()
		sec.Evaluate(s.ctx)
		calls := s.tracker.named(EventSectionView)
		s.Require().Len(calls, 2)
		s.Equal(int64(20000), calls[1].props["duration_ms"])
		s.Equal(int64(30000), calls[1].props["cumulative_ms"])

		s.clock.Advance(5 * time.Second)
		s.filter.RecordActivity()
		sec.Evaluate(s.ctx)
		s.Len(s.tracker.named(EventSectionView), 2)
	})

	s.Run("a scroll past the threshold restarts dwell without reporting", func() {
		sec.Scroll("pricing", 400)
		s.clock.Advance(5 * time.Second)
		s.filter.RecordActivity()
		sec.Evaluate(s.ctx)
		s.Len(s.tracker.named(EventSectionView), 2)
		s.Zero(s.filter.SectionDuration("pricing"))
	})

	s.Run("exit reports the remainder and resets", func() {
		s.clock.Advance(3 * time.Second)
		s.filter.RecordActivity()
		sec.Exit(s.ctx, "pricing")
		calls := s.tracker.named(EventSectionView)
		s.Require().Len(calls, 3)
		s.Equal(int64(3000), calls[2].props["duration_ms"])
		s.Equal("exit", calls[2].props["trigger"])
		s.Zero(s.filter.SectionDuration("pricing"))
	})
}

func (s *ProducerSuite) TestSectionSuppressedWhileHidden() {
	sec := NewSections(s.tracker, s.filter, WithSectionClock(s.clock.Now))
	sec.Enter("hero", 0)
	s.filter.SetVisible(false)
	s.clock.Advance(10 * time.Second)
	sec.Evaluate(s.ctx)
	s.Empty(s.tracker.named(EventSectionView))

	s.filter.SetVisible(true)
	s.clock.Advance(2 * time.Second)
	sec.Exit(s.ctx, "hero")
	calls := s.tracker.named(EventSectionView)
	s.Require().Len(calls, 1)
	s.Equal(int64(2000), calls[0].props["duration_ms"], "hidden time is not credited")
}

func (s *ProducerSuite) TestVisibilityCycleDiscardsStaleDwell() {
	sec := NewSections(s.tracker, s.filter, WithSectionClock(s.clock.Now))
	sec.Enter("hero", 0)
	s.clock.Advance(4 * time.Second)

	s.filter.SetVisible(false)
	s.clock.Advance(20 * time.Second)
	s.filter.SetVisible(true)
	sec.RestartTimers()

	s.clock.Advance(time.Second)
	sec.Evaluate(s.ctx)
	calls := s.tracker.named(EventSectionView)
	s.Require().Len(calls, 1)
	s.Equal(int64(1000), calls[0].props["duration_ms"])
	s.Equal(int64(1000), calls[0].props["cumulative_ms"])
}

func (s *ProducerSuite) TestHeatmapSampling() {
	h := NewHeatmap(s.tracker, 0.5, nil)
	roll := 0.4
	h.Sampler().WithRoll(func() float64 { return roll })

	h.Record(s.ctx, Point{Page: "/", X: 50, Y: 25, ViewportWidth: 100, ViewportHeight: 100})
	roll = 0.6
	h.Record(s.ctx, Point{Page: "/", X: 1, Y: 1})

	calls := s.tracker.named(EventHeatmap)
	s.Require().Len(calls, 1)
	s.Equal(0.5, calls[0].props["x_ratio"])
	s.Equal(0.5, calls[0].props["sample_rate"])

	h.SetRate(0)
	h.Record(s.ctx, Point{Page: "/"})
	s.Len(s.tracker.named(EventHeatmap), 1)
}

func TestProducerFailuresAreContained(t *testing.T) {
	ctx := context.Background()

	t.Run("panic", func(t *testing.T) {
		tr := &fakeTracker{panic: true}
		require.NotPanics(t, func() {
			NewInteractions(tr, nil).Click(ctx, Click{Element: "a"})
			NewHeartbeat(tr, nil, time.Second, time.Second).Beat(ctx)
			NewPageTracker(tr, nil).PageView(ctx, Page{URL: "https://x.example/"})
		})
	})

	t.Run("error", func(t *testing.T) {
		tr := &fakeTracker{err: errors.New("destroyed")}
		assert.NotPanics(t, func() {
			NewHeatmap(tr, 1, nil).Record(ctx, Point{})
		})
		assert.Len(t, tr.snapshot(), 1)
	})
}
