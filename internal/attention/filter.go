// Package attention filters engagement signals so only genuine attention is
// reported: the page must be visible, the user recently active, and per
// section dwell is capped and reset on meaningful scrolls.
package attention

import (
	"math"
	"sync"
	"time"
)

// Suppression reasons.
const (
	ReasonPageHidden         = "page_hidden"
	ReasonUserIdle           = "user_idle"
	ReasonMaxDurationReached = "max_duration_reached"
	ReasonScrollReset        = "scroll_reset"
)

// Config tunes the filter.
type Config struct {
	IdleThreshold      time.Duration
	MinScrollDistance  float64
	MaxSectionDuration time.Duration
}

// DefaultConfig returns 30s idle, 100px scroll and a 30s section cap.
func DefaultConfig() Config {
	return Config{
		IdleThreshold:      30 * time.Second,
		MinScrollDistance:  100,
		MaxSectionDuration: 30 * time.Second,
	}
}

// Decision is the outcome of a section evaluation. ResetAttention tells the
// caller to restart its local dwell timer instead of reporting elapsed time.
type Decision struct {
	ShouldTrack    bool
	Reason         string
	ResetAttention bool
}

// SectionState is the attention bookkeeping for one section.
type SectionState struct {
	CumulativeDuration time.Duration
	LastScrollPosition float64
	LastResetTime      time.Time
}

type Filter struct {
	mu           sync.Mutex
	cfg          Config
	visible      bool
	lastActivity time.Time
	sections     map[string]*SectionState
	now          func() time.Time
}

// Option configures a Filter.
type Option func(*Filter)

func WithClock(now func() time.Time) Option {
	return func(f *Filter) {
		if now != nil {
			f.now = now
		}
	}
}

// New builds a filter. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Filter {
	def := DefaultConfig()
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = def.IdleThreshold
	}
	if cfg.MinScrollDistance <= 0 {
		cfg.MinScrollDistance = def.MinScrollDistance
	}
	if cfg.MaxSectionDuration <= 0 {
		cfg.MaxSectionDuration = def.MaxSectionDuration
	}
	f := &Filter{
		cfg:      cfg,
		visible:  true,
		sections: make(map[string]*SectionState),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	f.lastActivity = f.now()
	return f
}

// Config returns the effective configuration.
func (f *Filter) Config() Config {
	return f.cfg
}

// RecordActivity marks user input at the current time.
func (f *Filter) RecordActivity() {
	f.mu.Lock()
	f.lastActivity = f.now()
	f.mu.Unlock()
}

// SetVisible records a visibility transition. Hiding only suppresses; becoming
// visible again discards every section's partial dwell.
func (f *Filter) SetVisible(visible bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wasHidden := !f.visible
	f.visible = visible
	if visible && wasHidden {
		f.resetAllLocked()
		f.lastActivity = f.now()
	}
}

// ShouldTrack is the global gate: visible and active within the idle threshold.
func (f *Filter) ShouldTrack() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gateLocked() == ""
}

// Reason explains the current global suppression, or "" when tracking is allowed.
func (f *Filter) Reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gateLocked()
}

func (f *Filter) gateLocked() string {
	if !f.visible {
		return ReasonPageHidden
	}
	if f.now().Sub(f.lastActivity) >= f.cfg.IdleThreshold {
		return ReasonUserIdle
	}
	return ""
}

// ShouldTrackSection evaluates dwell reporting for section at scroll offset scrollY.
func (f *Filter) ShouldTrackSection(name string, scrollY float64) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()

	if reason := f.gateLocked(); reason != "" {
		return Decision{Reason: reason}
	}

	st, ok := f.sections[name]
	if !ok {
		st = &SectionState{LastScrollPosition: scrollY, LastResetTime: f.now()}
		f.sections[name] = st
	}

	if math.Abs(scrollY-st.LastScrollPosition) >= f.cfg.MinScrollDistance {
		st.CumulativeDuration = 0
		st.LastScrollPosition = scrollY
		st.LastResetTime = f.now()
		return Decision{Reason: ReasonScrollReset, ResetAttention: true}
	}

	if st.CumulativeDuration >= f.cfg.MaxSectionDuration {
		return Decision{Reason: ReasonMaxDurationReached}
	}
	return Decision{ShouldTrack: true}
}

// UpdateSectionDuration credits d of dwell to section, clamped to the cap.
func (f *Filter) UpdateSectionDuration(name string, d time.Duration) {
	if d <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.sections[name]
	if !ok {
		st = &SectionState{LastResetTime: f.now()}
		f.sections[name] = st
	}
	st.CumulativeDuration = min(st.CumulativeDuration+d, f.cfg.MaxSectionDuration)
}

// RemainingDuration is how much more dwell section may be credited.
func (f *Filter) RemainingDuration(name string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.sections[name]; ok {
		return f.cfg.MaxSectionDuration - st.CumulativeDuration
	}
	return f.cfg.MaxSectionDuration
}

// SectionDuration returns the credited dwell for section.
func (f *Filter) SectionDuration(name string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.sections[name]; ok {
		return st.CumulativeDuration
	}
	return 0
}

// Section returns a copy of the section state.
func (f *Filter) Section(name string) (SectionState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.sections[name]
	if !ok {
		return SectionState{}, false
	}
	return *st, true
}

// ResetSection zeroes the dwell of section, typically on exit.
func (f *Filter) ResetSection(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.sections[name]; ok {
		st.CumulativeDuration = 0
		st.LastResetTime = f.now()
	}
}

func (f *Filter) ResetAllSections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetAllLocked()
}

func (f *Filter) resetAllLocked() {
	now := f.now()
	for _, st := range f.sections {
		st.CumulativeDuration = 0
		st.LastResetTime = now
	}
}
