package signals

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pulse/internal/attention"
	"pulse/internal/platform/logger"
)

type visibleSection struct {
	since   time.Time
	scrollY float64
}

// Sections reports dwell on named page sections, gated by the attention
// filter. Only dwell the filter permits is credited and tracked.
type Sections struct {
	tracker Tracker
	filter  *attention.Filter
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	visible map[string]*visibleSection
	stop    chan struct{}
	done    chan struct{}
}

type SectionOption func(*Sections)

func WithSectionLogger(l *slog.Logger) SectionOption {
	return func(s *Sections) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithSectionClock(now func() time.Time) SectionOption {
	return func(s *Sections) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSections(tracker Tracker, filter *attention.Filter, opts ...SectionOption) *Sections {
	s := &Sections{
		tracker: tracker,
		filter:  filter,
		logger:  logger.Discard(),
		now:     time.Now,
		visible: make(map[string]*visibleSection),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Enter starts a dwell timer for name.
func (s *Sections) Enter(name string, scrollY float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.visible[name]; ok {
		return
	}
	s.visible[name] = &visibleSection{since: s.now(), scrollY: scrollY}
}

// Scroll updates the scroll offset used for the next evaluation.
func (s *Sections) Scroll(name string, scrollY float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.visible[name]; ok {
		v.scrollY = scrollY
	}
}

// RestartTimers starts every visible section's dwell over from now. Call it
// when the page becomes visible again: dwell from before and during the hidden
// period is discarded along with the filter's section state.
func (s *Sections) RestartTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, v := range s.visible {
		v.since = now
	}
}

// Exit reports the remaining dwell for name and resets its attention state.
func (s *Sections) Exit(ctx context.Context, name string) {
	s.mu.Lock()
	v, ok := s.visible[name]
	delete(s.visible, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.report(ctx, name, v, "exit")
	s.filter.ResetSection(name)
}

// Evaluate reports dwell accrued by every visible section.
func (s *Sections) Evaluate(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.visible))
	for name := range s.visible {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		s.mu.Lock()
		v, ok := s.visible[name]
		s.mu.Unlock()
		if ok {
			s.report(ctx, name, v, "interval")
		}
	}
}

// report credits the dwell since v.since. Suppressed dwell is discarded and the
// local timer restarts either way.
func (s *Sections) report(ctx context.Context, name string, v *visibleSection, trigger string) {
	guard(ctx, s.logger, "section", func() error {
		s.mu.Lock()
		now := s.now()
		elapsed := now.Sub(v.since)
		scrollY := v.scrollY
		v.since = now
		s.mu.Unlock()

		decision := s.filter.ShouldTrackSection(name, scrollY)
		if !decision.ShouldTrack {
			s.logger.DebugContext(ctx, "section dwell suppressed", "section", name, "reason", decision.Reason)
			return nil
		}
		credited := min(elapsed, s.filter.RemainingDuration(name))
		if credited <= 0 {
			return nil
		}
		s.filter.UpdateSectionDuration(name, credited)
		return s.tracker.Track(ctx, EventSectionView, map[string]any{
			"section":       name,
			"duration_ms":   credited.Milliseconds(),
			"cumulative_ms": s.filter.SectionDuration(name).Milliseconds(),
			"trigger":       trigger,
		})
	})
}

// Start re-evaluates visible sections every interval until Stop.
func (s *Sections) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	s.stop, s.done = stop, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Evaluate(ctx)
			}
		}
	}()
}

// Stop ends periodic evaluation. Safe to call repeatedly.
func (s *Sections) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
