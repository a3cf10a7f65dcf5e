// Package consent decides whether events may be attributed to a durable
// identity under the configured consent mode.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"pulse/internal/platform/logger"
	"pulse/internal/storage"
	"pulse/pkg/platform/sentinel"
)

// DefaultCategories is used when none are configured.
var DefaultCategories = []string{"analytics", "functional", "marketing"}

// Manager owns the consent state for one SDK instance.
type Manager struct {
	mu         sync.RWMutex
	mode       Mode
	store      storage.Store
	key        string
	version    string
	categories []string
	state      State
	recorded   bool // a decision was loaded or made

	listenerMu sync.Mutex
	listeners  map[int]func(State)
	nextID     int

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithCategories sets the categories a blanket grant or revoke applies to.
func WithCategories(categories ...string) Option {
	return func(m *Manager) {
		if len(categories) > 0 {
			m.categories = slices.Clone(categories)
		}
	}
}

// WithVersion sets the consent version. Stored records with another version are ignored.
func WithVersion(version string) Option {
	return func(m *Manager) {
		m.version = version
	}
}

// WithKey overrides the storage key of the consent record.
func WithKey(key string) Option {
	return func(m *Manager) {
		m.key = key
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds a manager. Call Load to pick up a stored decision.
func New(mode Mode, store storage.Store, opts ...Option) (*Manager, error) {
	mode, err := ParseMode(string(mode))
	if err != nil {
		return nil, err
	}
	m := &Manager{
		mode:       mode,
		store:      store,
		key:        storage.Key("", storage.KeyConsent),
		version:    "1",
		categories: slices.Clone(DefaultCategories),
		listeners:  make(map[int]func(State)),
		logger:     logger.Discard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.state = m.defaultState()
	return m, nil
}

func (m *Manager) defaultState() State {
	st := State{Version: m.version, Timestamp: m.now().UTC()}
	if m.mode == ModeGDPROptOut {
		st.add(m.categories)
	}
	return st
}

// Load reads the stored decision. Missing, stale or unreadable records leave
// the mode default in place. Cookieless mode never loads a grant.
func (m *Manager) Load(ctx context.Context) {
	if m.mode == ModeCookieless || m.store == nil {
		return
	}
	raw, err := m.store.Get(ctx, m.key)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			m.logger.WarnContext(ctx, "consent load failed, using mode default", "error", err)
		}
		return
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		m.logger.WarnContext(ctx, "consent record unreadable, using mode default", "error", err)
		return
	}
	if st.Version != m.version {
		m.logger.DebugContext(ctx, "stored consent version is stale",
			"stored", st.Version, "current", m.version)
		return
	}
	st.Granted = len(st.Categories) > 0

	m.mu.Lock()
	m.state = st
	m.recorded = true
	m.mu.Unlock()
}

// Mode returns the normalized consent mode.
func (m *Manager) Mode() Mode {
	return m.mode
}

// State returns a copy of the current consent record.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

// HasConsent reports whether category may be attributed to a durable identity.
// An empty category asks whether any grant exists. In gdpr-opt-out a category
// is consented unless it was explicitly revoked; gdpr-strict needs it granted.
func (m *Manager) HasConsent(category string) bool {
	if m.mode == ModeCookieless {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.state.Granted {
		return false
	}
	if category == "" {
		return true
	}
	if m.mode == ModeGDPROptOut {
		return !m.state.IsRevoked(category)
	}
	return m.state.HasCategory(category)
}

// Grant records consent for categories, or for every configured category when
// none are given. It is a no-op in cookieless mode.
func (m *Manager) Grant(ctx context.Context, categories ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.mode == ModeCookieless {
		m.logger.DebugContext(ctx, "consent grant ignored in cookieless mode")
		return nil
	}
	if len(categories) == 0 {
		categories = m.categories
	}
	m.mutate(ctx, func(st *State) { st.add(categories) })
	return nil
}

// Revoke withdraws consent for categories, or for all of them when none are given.
// Granted remains true while any category is left.
func (m *Manager) Revoke(ctx context.Context, categories ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.mode == ModeCookieless {
		return nil
	}
	m.mutate(ctx, func(st *State) {
		if len(categories) == 0 {
			st.remove(append(slices.Clone(st.Categories), m.categories...))
			st.Granted = false
			return
		}
		st.remove(categories)
	})
	return nil
}

func (m *Manager) mutate(ctx context.Context, apply func(*State)) {
	m.mu.Lock()
	next := m.state.clone()
	apply(&next)
	next.Timestamp = m.now().UTC()
	next.Version = m.version
	m.state = next
	m.recorded = true
	snapshot := next.clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.notify(snapshot)
}

func (m *Manager) persist(ctx context.Context, st State) {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(st)
	if err != nil {
		m.logger.WarnContext(ctx, "consent encode failed", "error", err)
		return
	}
	if err := m.store.Set(ctx, m.key, raw); err != nil {
		m.logger.WarnContext(ctx, "consent persist failed, keeping in memory", "error", err)
	}
}

// OnChange registers fn to run synchronously after every grant or revoke. The
// returned func unsubscribes.
func (m *Manager) OnChange(fn func(State)) (unsubscribe func()) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.listenerMu.Lock()
		defer m.listenerMu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) notify(st State) {
	m.listenerMu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.listenerMu.Unlock()

	for _, fn := range fns {
		fn(st.clone())
	}
}

// IDMode is permanent while any consent holds.
func (m *Manager) IDMode() IDMode {
	if m.HasConsent("") {
		return IDModePermanent
	}
	return IDModeCookieless
}

// ShouldUsePermanentID equals HasConsent("").
func (m *Manager) ShouldUsePermanentID() bool {
	return m.HasConsent("")
}

// ShouldStripQueryParams is true in cookieless mode, and in gdpr-strict until
// consent is granted.
func (m *Manager) ShouldStripQueryParams() bool {
	switch m.mode {
	case ModeCookieless:
		return true
	case ModeGDPRStrict:
		return !m.HasConsent("")
	default:
		return false
	}
}

// ShouldWaitForConsent is true only in gdpr-strict mode without a grant.
func (m *Manager) ShouldWaitForConsent() bool {
	return m.mode == ModeGDPRStrict && !m.HasConsent("")
}

// CanTrack is always true: every mode permits anonymous tracking.
func (m *Manager) CanTrack() bool {
	return true
}

// Status classifies the consent for event labelling.
func (m *Manager) Status() Status {
	if m.mode == ModeCookieless {
		return StatusCookieless
	}
	if m.HasConsent("") {
		return StatusGranted
	}
	m.mu.RLock()
	recorded := m.recorded
	m.mu.RUnlock()
	if m.mode == ModeGDPRStrict && !recorded {
		return StatusPending
	}
	return StatusDenied
}
