package consent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"pulse/internal/storage"
	dErrors "pulse/pkg/domain-errors"
)

type ManagerSuite struct {
	suite.Suite
	store *storage.InMemoryStore
	ctx   context.Context
	now   time.Time
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.store = storage.NewInMemory()
	s.ctx = context.Background()
	s.now = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
}

func (s *ManagerSuite) newManager(mode Mode, opts ...Option) *Manager {
	opts = append([]Option{
		WithKey(storage.Key("t1", storage.KeyConsent)),
		WithClock(func() time.Time { return s.now }),
	}, opts...)
	m, err := New(mode, s.store, opts...)
	s.Require().NoError(err)
	m.Load(s.ctx)
	return m
}

func (s *ManagerSuite) TestParseMode() {
	cases := map[string]Mode{
		"":             ModeCookieless,
		"cookieless":   ModeCookieless,
		"gdpr-strict":  ModeGDPRStrict,
		"opt-in":       ModeGDPRStrict,
		"gdpr-opt-out": ModeGDPROptOut,
		"opt-out":      ModeGDPROptOut,
		"disabled":     ModeGDPROptOut,
		" OPT-IN ":     ModeGDPRStrict,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		s.Require().NoError(err, in)
		s.Equal(want, got, in)
	}

	_, err := ParseMode("whenever")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *ManagerSuite) TestCookieless() {
	m := s.newManager(ModeCookieless)

	s.Run("never has consent", func() {
		s.False(m.HasConsent(""))
		s.False(m.HasConsent("analytics"))
	})

	s.Run("grant is a no-op", func() {
		s.Require().NoError(m.Grant(s.ctx, "analytics"))
		s.False(m.HasConsent(""))
		s.Equal(0, s.store.Len())
	})

	s.Run("policy answers", func() {
		s.True(m.ShouldStripQueryParams())
		s.False(m.ShouldWaitForConsent())
		s.True(m.CanTrack())
		s.Equal(IDModeCookieless, m.IDMode())
		s.Equal(StatusCookieless, m.Status())
	})
}

func (s *ManagerSuite) TestGDPRStrict() {
	m := s.newManager(ModeGDPRStrict)

	s.Run("pending before any grant", func() {
		s.False(m.HasConsent(""))
		s.True(m.ShouldWaitForConsent())
		s.True(m.ShouldStripQueryParams())
		s.Equal(StatusPending, m.Status())
	})

	s.Run("category grant", func() {
		s.Require().NoError(m.Grant(s.ctx, "analytics"))
		s.True(m.HasConsent(""))
		s.True(m.HasConsent("analytics"))
		s.False(m.HasConsent("marketing"))
		s.False(m.ShouldWaitForConsent())
		s.False(m.ShouldStripQueryParams())
		s.True(m.ShouldUsePermanentID())
		s.Equal(IDModePermanent, m.IDMode())
		s.Equal(StatusGranted, m.Status())
	})

	s.Run("revoke returns to cookieless id mode", func() {
		s.Require().NoError(m.Revoke(s.ctx))
		s.False(m.HasConsent(""))
		s.Equal(IDModeCookieless, m.IDMode())
		s.Equal(StatusDenied, m.Status())
	})
}

func (s *ManagerSuite) TestGDPROptOut() {
	m := s.newManager(ModeGDPROptOut)

	s.Run("granted until revoked", func() {
		s.True(m.HasConsent(""))
		s.True(m.HasConsent("marketing"))
		s.False(m.ShouldStripQueryParams())
		s.False(m.ShouldWaitForConsent())
	})

	s.Run("subset revoke keeps remaining categories", func() {
		s.Require().NoError(m.Revoke(s.ctx, "marketing"))
		s.True(m.HasConsent(""))
		s.False(m.HasConsent("marketing"))
		s.ElementsMatch([]string{"analytics", "functional"}, m.State().Categories)
	})

	s.Run("revoking the rest clears granted", func() {
		s.Require().NoError(m.Revoke(s.ctx, "analytics", "functional"))
		s.False(m.State().Granted)
		s.False(m.ShouldStripQueryParams())
		s.Equal(StatusDenied, m.Status())
	})
}

func (s *ManagerSuite) TestOptOutCategoriesOutsideConfiguration() {
	m := s.newManager(ModeGDPROptOut)

	s.Run("never revoked means consented", func() {
		s.True(m.HasConsent("support"))
		s.True(m.HasConsent("analytics"))
	})

	s.Run("explicit revoke is remembered", func() {
		s.Require().NoError(m.Revoke(s.ctx, "support"))
		s.False(m.HasConsent("support"))
		s.True(m.HasConsent("analytics"))
		s.Equal([]string{"support"}, m.State().Revoked)

		reloaded := s.newManager(ModeGDPROptOut)
		s.False(reloaded.HasConsent("support"))
		s.True(reloaded.HasConsent("marketing"))
	})

	s.Run("grant lifts the revocation", func() {
		s.Require().NoError(m.Grant(s.ctx, "support"))
		s.True(m.HasConsent("support"))
		s.Empty(m.State().Revoked)
	})

	s.Run("revoking everything refuses every category", func() {
		s.Require().NoError(m.Revoke(s.ctx))
		s.False(m.HasConsent(""))
		s.False(m.HasConsent("support"))
		s.False(m.HasConsent("unlisted"))
	})

	s.Run("strict mode still needs an explicit grant", func() {
		strict := s.newManager(ModeGDPRStrict, WithKey(storage.Key("t2", storage.KeyConsent)))
		s.Require().NoError(strict.Grant(s.ctx, "analytics"))
		s.True(strict.HasConsent("analytics"))
		s.False(strict.HasConsent("support"))
	})
}

func (s *ManagerSuite) TestPersistence() {
	s.Run("grant survives reload", func() {
		m := s.newManager(ModeGDPRStrict)
		s.Require().NoError(m.Grant(s.ctx, "analytics"))

		reloaded := s.newManager(ModeGDPRStrict)
		s.True(reloaded.HasConsent("analytics"))
		s.True(s.now.Equal(reloaded.State().Timestamp))
	})

	s.Run("stale version is ignored", func() {
		reloaded := s.newManager(ModeGDPRStrict, WithVersion("2"))
		s.False(reloaded.HasConsent(""))
		s.Equal(StatusPending, reloaded.Status())
	})

	s.Run("revocation in opt-out survives reload", func() {
		m := s.newManager(ModeGDPROptOut)
		s.Require().NoError(m.Revoke(s.ctx))
		reloaded := s.newManager(ModeGDPROptOut)
		s.False(reloaded.HasConsent(""))
	})

	s.Run("stored record shape", func() {
		raw, err := s.store.Get(s.ctx, storage.Key("t1", storage.KeyConsent))
		s.Require().NoError(err)
		var st map[string]any
		s.Require().NoError(json.Unmarshal(raw, &st))
		s.Contains(st, "granted")
		s.Contains(st, "categories")
		s.Contains(st, "timestamp")
		s.Equal("1", st["version"])
	})
}

func (s *ManagerSuite) TestStorageFailureIsSwallowed() {
	boom := errors.New("storage disabled")
	s.store.FailWith(boom, boom, boom)

	m := s.newManager(ModeGDPRStrict)
	s.Require().NoError(m.Grant(s.ctx, "analytics"))
	s.True(m.HasConsent("analytics"), "state stays in memory")
}

func (s *ManagerSuite) TestListeners() {
	m := s.newManager(ModeGDPRStrict)

	var got []State
	unsubscribe := m.OnChange(func(st State) {
		got = append(got, st)
		// listeners may re-enter the manager
		_ = m.HasConsent("")
	})

	s.Require().NoError(m.Grant(s.ctx, "analytics"))
	s.Require().NoError(m.Revoke(s.ctx, "analytics"))
	s.Require().Len(got, 2)
	s.True(got[0].Granted)
	s.False(got[1].Granted)

	unsubscribe()
	s.Require().NoError(m.Grant(s.ctx))
	s.Len(got, 2)
}

func TestShouldStripQueryParamsTable(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		mode    Mode
		grant   bool
		expects bool
	}{
		{"cookieless", ModeCookieless, false, true},
		{"cookieless after grant", ModeCookieless, true, true},
		{"strict without consent", ModeGDPRStrict, false, true},
		{"strict with consent", ModeGDPRStrict, true, false},
		{"opt-out", ModeGDPROptOut, false, false},
		{"opt-out after grant", ModeGDPROptOut, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.mode, storage.NewInMemory())
			require.NoError(t, err)
			m.Load(ctx)
			if tt.grant {
				require.NoError(t, m.Grant(ctx))
			}
			assert.Equal(t, tt.expects, m.ShouldStripQueryParams())
		})
	}
}
