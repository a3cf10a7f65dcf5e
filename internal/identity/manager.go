// Package identity selects the user id that labels events: an ephemeral
// session id, a daily-rotating cookieless id, or a permanent anonymous id.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"pulse/internal/platform/logger"
	"pulse/internal/storage"
	dErrors "pulse/pkg/domain-errors"
	"pulse/pkg/platform/sentinel"
)

// Mode is the identity mode in effect.
type Mode string

const (
	ModePermanent  Mode = "permanent"
	ModeCookieless Mode = "cookieless"
)

const (
	dailyPrefix = "daily_"
	dateLayout  = "2006-01-02"
	seedBytes   = 16
)

type dailySeed struct {
	Date string `json:"date"`
	Seed string `json:"seed"`
}

// Manager resolves the effective user id. Storage failures degrade to
// in-memory ids and never block tracking.
type Manager struct {
	tenant      string
	durable     storage.Store
	session     storage.Store
	sessionID   string
	fingerprint string

	mu          sync.Mutex
	mode        Mode
	permanentID string
	dailyDate   string
	dailyID     string

	loc    *time.Location
	now    func() time.Time
	seed   func() (string, error)
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMode sets the initial identity mode. Defaults to cookieless.
func WithMode(mode Mode) Option {
	return func(m *Manager) {
		m.mode = mode
	}
}

func WithFingerprint(fp Fingerprint) Option {
	return func(m *Manager) {
		m.fingerprint = fp.Minimal()
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLocation sets the user's timezone; the daily id rolls over at local midnight.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.loc = loc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSeedSource replaces the random per-day seed generator.
func WithSeedSource(fn func() (string, error)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.seed = fn
		}
	}
}

// New builds a manager for tenant. durable holds the permanent id; session
// holds the per-day seed.
func New(tenant string, durable, session storage.Store, opts ...Option) (*Manager, error) {
	if tenant == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "tenant is required")
	}
	m := &Manager{
		tenant:      tenant,
		durable:     durable,
		session:     session,
		sessionID:   uuid.NewString(),
		fingerprint: Fingerprint{}.Minimal(),
		mode:        ModeCookieless,
		loc:         time.Local,
		now:         time.Now,
		seed:        randomSeed,
		logger:      logger.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

func randomSeed() (string, error) {
	b := make([]byte, seedBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SessionID returns the process-lifetime ephemeral id. It is never persisted.
func (m *Manager) SessionID() string {
	return m.sessionID
}

func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// CurrentUserID returns the id for the current mode.
func (m *Manager) CurrentUserID(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == ModePermanent {
		return m.permanentLocked(ctx)
	}
	return m.dailyLocked(ctx)
}

// SetMode switches identity mode. Moving to permanent discards the daily seed;
// moving to cookieless deletes the stored permanent id and reseeds the daily id.
func (m *Manager) SetMode(ctx context.Context, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode == m.mode {
		return
	}
	m.mode = mode
	switch mode {
	case ModePermanent:
		m.clearDailyLocked(ctx)
	case ModeCookieless:
		m.permanentID = ""
		if err := m.durable.Delete(ctx, m.key(storage.KeyAnonymousID)); err != nil {
			m.logger.WarnContext(ctx, "permanent id delete failed", "error", err)
		}
		m.clearDailyLocked(ctx)
	}
	m.logger.DebugContext(ctx, "identity mode changed", "mode", string(mode))
}

func (m *Manager) key(name string) string {
	return storage.Key(m.tenant, name)
}

func (m *Manager) permanentLocked(ctx context.Context) string {
	if m.permanentID != "" {
		return m.permanentID
	}
	raw, err := m.durable.Get(ctx, m.key(storage.KeyAnonymousID))
	switch {
	case err == nil && len(raw) > 0:
		m.permanentID = string(raw)
		return m.permanentID
	case err != nil && !errors.Is(err, sentinel.ErrNotFound):
		m.logger.WarnContext(ctx, "permanent id read failed, using in-memory id", "error", err)
		m.permanentID = uuid.NewString()
		return m.permanentID
	}

	m.permanentID = uuid.NewString()
	if err := m.durable.Set(ctx, m.key(storage.KeyAnonymousID), []byte(m.permanentID)); err != nil {
		m.logger.WarnContext(ctx, "permanent id persist failed, using in-memory id", "error", err)
	}
	return m.permanentID
}

func (m *Manager) dailyLocked(ctx context.Context) string {
	today := m.now().In(m.loc).Format(dateLayout)
	if m.dailyDate == today && m.dailyID != "" {
		return m.dailyID
	}
	seed := m.seedFor(ctx, today)
	m.dailyDate = today
	m.dailyID = dailyID(m.tenant, today, m.fingerprint, seed)
	return m.dailyID
}

func (m *Manager) seedFor(ctx context.Context, today string) string {
	key := m.key(storage.KeyDailySeed)
	if raw, err := m.session.Get(ctx, key); err == nil {
		var stored dailySeed
		if json.Unmarshal(raw, &stored) == nil && stored.Date == today && stored.Seed != "" {
			return stored.Seed
		}
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		m.logger.WarnContext(ctx, "daily seed read failed", "error", err)
	}

	seed, err := m.seed()
	if err != nil {
		// the id still rotates daily because the date is hashed in
		m.logger.WarnContext(ctx, "daily seed generation failed", "error", err)
		seed = m.sessionID
	}
	raw, _ := json.Marshal(dailySeed{Date: today, Seed: seed})
	if err := m.session.Set(ctx, key, raw); err != nil {
		m.logger.WarnContext(ctx, "daily seed persist failed, using in-memory seed", "error", err)
	}
	return seed
}

func (m *Manager) clearDailyLocked(ctx context.Context) {
	m.dailyDate = ""
	m.dailyID = ""
	if err := m.session.Delete(ctx, m.key(storage.KeyDailySeed)); err != nil {
		m.logger.WarnContext(ctx, "daily seed delete failed", "error", err)
	}
}

func dailyID(tenant, date, fingerprint, seed string) string {
	h, _ := blake2b.New(16, nil) // only fails for invalid sizes or keys
	for i, part := range []string{tenant, date, fingerprint, seed} {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(part))
	}
	return dailyPrefix + hex.EncodeToString(h.Sum(nil))
}
