package analytics

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"pulse/internal/consent"
	"pulse/internal/event"
	jwttoken "pulse/internal/jwt_token"
	"pulse/internal/platform/config"
	"pulse/internal/platform/logger"
	"pulse/internal/signals"
	dErrors "pulse/pkg/domain-errors"
	"pulse/pkg/testutil"
)

type ClientSuite struct {
	suite.Suite
	ctx       context.Context
	collector *testutil.Collector
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.ctx = context.Background()
	s.collector = testutil.NewCollector(s.T())
}

func (s *ClientSuite) config(mutate ...func(*config.Config)) config.Config {
	cfg := config.Default()
	cfg.TenantID = "t1"
	cfg.Endpoint = s.collector.URL()
	cfg.BatchSize = 100
	cfg.FlushInterval = time.Hour
	cfg.EnableHeartbeat = false
	cfg.RetryAttempts = 1
	for _, m := range mutate {
		m(&cfg)
	}
	return cfg
}

func (s *ClientSuite) newClient(cfg config.Config, opts ...Option) *Client {
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	c, err := New(s.ctx, cfg, opts...)
	s.Require().NoError(err)
	s.T().Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func (s *ClientSuite) TestRejectsInvalidConfig() {
	cfg := s.config(func(c *config.Config) { c.TenantID = "" })
	_, err := New(s.ctx, cfg)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	cfg = s.config(func(c *config.Config) { c.ConsentMode = "sometimes" })
	_, err = New(s.ctx, cfg)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *ClientSuite) TestCookielessDeliversWithDailyID() {
	c := s.newClient(s.config())

	s.Equal(consent.StatusCookieless, c.ConsentStatus())
	s.Require().NoError(c.GrantConsent(s.ctx))
	s.False(c.HasConsent(""))

	s.Require().NoError(c.Track(s.ctx, "signup", map[string]any{"plan": "pro"}, event.WithFlush()))
	events := s.collector.Events()
	s.Require().Len(events, 1)
	s.True(strings.HasPrefix(events[0].UserID, "daily_"))
	s.Equal(c.UserID(s.ctx), events[0].UserID)
	s.Equal(c.SessionID(), events[0].SessionID)
}

func (s *ClientSuite) TestStrictModeReleasesPendingOnGrant() {
	c := s.newClient(s.config(func(cfg *config.Config) {
		cfg.ConsentMode = "gdpr-strict"
		cfg.WaitForConsent = true
	}))
	s.Equal(consent.StatusPending, c.ConsentStatus())

	for _, name := range []string{"a", "b", "c"} {
		s.Require().NoError(c.Track(s.ctx, name, nil))
	}
	s.Equal(3, c.PendingLen())
	s.Empty(s.collector.Requests())

	s.Require().NoError(c.GrantConsent(s.ctx))
	reqs := s.collector.WaitForRequests(s.T(), 1, 2*time.Second)
	s.Require().Len(reqs[0].Events, 3)

	userID := c.UserID(s.ctx)
	s.False(strings.HasPrefix(userID, "daily_"))
	for _, ev := range reqs[0].Events {
		s.Equal(userID, ev.UserID)
	}
	s.Equal(consent.StatusGranted, c.ConsentStatus())
}

func (s *ClientSuite) TestRevokeReturnsToDailyID() {
	c := s.newClient(s.config(func(cfg *config.Config) { cfg.ConsentMode = "opt-out" }))
	permanent := c.UserID(s.ctx)
	s.False(strings.HasPrefix(permanent, "daily_"))

	s.Require().NoError(c.RevokeConsent(s.ctx))
	s.True(strings.HasPrefix(c.UserID(s.ctx), "daily_"))
	s.Equal(consent.StatusDenied, c.ConsentStatus())

	s.Require().NoError(c.GrantConsent(s.ctx))
	s.NotEqual(permanent, c.UserID(s.ctx), "a revoked permanent id is never reused")
}

func (s *ClientSuite) TestDestroyTwice() {
	c := s.newClient(s.config())
	s.Require().NoError(c.Track(s.ctx, "a", nil))

	s.NoError(c.Destroy())
	s.NoError(c.Destroy())
	s.True(dErrors.HasCode(c.Track(s.ctx, "b", nil), dErrors.CodeDestroyed))
	s.True(dErrors.HasCode(c.TrackSystemEvent(s.ctx, "b", nil), dErrors.CodeDestroyed))
	s.True(dErrors.HasCode(c.GrantConsent(s.ctx), dErrors.CodeDestroyed))
	s.True(dErrors.HasCode(c.Health(s.ctx), dErrors.CodeDestroyed))

	s.Run("queued events still leave through the unload path", func() {
		reqs := s.collector.WaitForRequests(s.T(), 1, 2*time.Second)
		s.Equal("a", reqs[0].Events[0].EventName)
	})
}

func (s *ClientSuite) TestUnloadHandsQueueToBeacon() {
	c := s.newClient(s.config())
	s.Require().NoError(c.Track(s.ctx, "a", nil))
	s.Require().NoError(c.Track(s.ctx, "b", nil))

	c.Unload(s.ctx)
	s.Zero(c.QueueLen())
	reqs := s.collector.WaitForRequests(s.T(), 1, 2*time.Second)
	s.Equal([]string{"a", "b"}, []string{reqs[0].Events[0].EventName, reqs[0].Events[1].EventName})
}

func (s *ClientSuite) TestSignalsFlowThroughClient() {
	c := s.newClient(s.config())

	c.Navigate(s.ctx, signals.Page{URL: "https://shop.example/p?utm_source=mail&id=7", Title: "P"})
	c.Click(s.ctx, signals.Click{Element: "a", Href: "/next"})
	c.HeatmapClick(s.ctx, signals.Point{Page: "/p", X: 1, Y: 2})
	s.Require().NoError(c.TrackSystemEvent(s.ctx, signals.EventHeartbeat, nil))
	s.Require().NoError(c.Flush(s.ctx))

	events := s.collector.Events()
	s.Require().Len(events, 4)
	s.Equal(signals.EventPageView, events[0].EventName)
	s.Equal("https://shop.example/p", events[0].Properties["url"], "cookieless mode strips query strings")
	s.Equal("mail", events[0].Properties["utm_source"])
	s.Equal(signals.EventClick, events[1].EventName)
	s.Equal(signals.EventHeatmap, events[2].EventName)
	s.Equal(true, events[3].Properties[event.PropMinimal])
}

func (s *ClientSuite) TestVisibilityCycleRestartsSectionDwell() {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	c := s.newClient(s.config(func(cfg *config.Config) {
		cfg.Attention.EvaluateInterval = time.Hour
	}), WithClock(clock))

	c.SectionEnter("hero", 0)
	advance(4 * time.Second)
	c.SetVisible(false)
	advance(20 * time.Second)
	c.SetVisible(true)
	advance(time.Second)
	c.SectionExit(s.ctx, "hero")
	s.Require().NoError(c.Flush(s.ctx))

	var views []event.Event
	for _, ev := range s.collector.Events() {
		if ev.EventName == signals.EventSectionView {
			views = append(views, ev)
		}
	}
	s.Require().Len(views, 1)
	s.Equal(float64(1000), views[0].Properties["duration_ms"])
}

func (s *ClientSuite) TestRequestTimeoutWithCallerHTTPClient() {
	s.collector.Respond(testutil.Response{Status: http.StatusOK, Delay: time.Second})
	c := s.newClient(s.config(func(cfg *config.Config) {
		cfg.RequestTimeout = 100 * time.Millisecond
	}), WithHTTPClient(&http.Client{}))

	s.Require().NoError(c.Track(s.ctx, "slow", nil))
	start := time.Now()
	err := c.Flush(s.ctx)
	s.True(dErrors.HasCode(err, dErrors.CodeDeliveryFailed), "%v", err)
	s.Less(time.Since(start), 900*time.Millisecond)
}

func (s *ClientSuite) TestSuperPropertiesLimit() {
	c := s.newClient(s.config())
	props := make(map[string]any, 51)
	for i := 0; i < 51; i++ {
		props[strings.Repeat("k", i+1)] = i
	}
	s.True(dErrors.HasCode(c.SetProperties(props), dErrors.CodeValidation))
}

func (s *ClientSuite) TestSQLitePersistsAcrossInstances() {
	path := filepath.Join(s.T().TempDir(), "pulse.db")
	cfg := s.config(func(cfg *config.Config) {
		cfg.ConsentMode = "gdpr-strict"
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.SQLitePath = path
	})

	first, err := New(s.ctx, cfg, WithLogger(logger.Discard()))
	s.Require().NoError(err)
	s.Require().NoError(first.GrantConsent(s.ctx, "analytics"))
	userID := first.UserID(s.ctx)
	s.Require().NoError(first.Close(s.ctx))

	second := s.newClient(cfg)
	s.Equal(consent.StatusGranted, second.ConsentStatus())
	s.True(second.HasConsent("analytics"))
	s.False(second.HasConsent("marketing"))
	s.Equal(userID, second.UserID(s.ctx))
	s.NoError(second.Health(s.ctx))
}

func (s *ClientSuite) TestConsentVersionBumpInvalidatesStoredGrant() {
	path := filepath.Join(s.T().TempDir(), "pulse.db")
	cfg := s.config(func(cfg *config.Config) {
		cfg.ConsentMode = "gdpr-strict"
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.SQLitePath = path
	})
	first, err := New(s.ctx, cfg, WithLogger(logger.Discard()))
	s.Require().NoError(err)
	s.Require().NoError(first.GrantConsent(s.ctx))
	s.Require().NoError(first.Close(s.ctx))

	cfg.ConsentVersion = "2"
	second := s.newClient(cfg)
	s.Equal(consent.StatusPending, second.ConsentStatus())
}

func (s *ClientSuite) TestBearerAuthAgainstVerifyingCollector() {
	const key = "collector-signing-key"
	s.collector = testutil.NewCollector(s.T(),
		testutil.WithJWTVerifier(jwttoken.NewJWTService(key, TokenIssuer, TokenAudience)))
	c := s.newClient(s.config(func(cfg *config.Config) {
		cfg.Auth.Strategy = "bearer"
		cfg.Auth.SigningKey = key
	}))

	s.Require().NoError(c.Track(s.ctx, "a", nil, event.WithFlush()))
	reqs := s.collector.Requests()
	s.Require().Len(reqs, 1)
	s.True(strings.HasPrefix(reqs[0].Header.Get("Authorization"), "Bearer "))
}

func (s *ClientSuite) TestSharedSecretHeader() {
	c := s.newClient(s.config(func(cfg *config.Config) {
		cfg.Auth.Strategy = "secret"
		cfg.Auth.Secret = "s3cret"
	}))
	s.Require().NoError(c.Track(s.ctx, "a", nil, event.WithFlush()))
	reqs := s.collector.Requests()
	s.Require().Len(reqs, 1)
	s.Equal("s3cret", reqs[0].Header.Get("X-Pulse-Key"))
}

func (s *ClientSuite) TestRemoteConfig() {
	s.Run("overrides the heatmap rate", func() {
		s.collector.SetConfig("t1", `{"heatmap_sample_rate":0}`)
		c := s.newClient(s.config(func(cfg *config.Config) { cfg.RemoteConfig.Enabled = true }))
		c.HeatmapClick(s.ctx, signals.Point{Page: "/"})
		s.Zero(c.QueueLen())
	})

	s.Run("can disable tracking", func() {
		s.collector.SetConfig("t2", `{"disabled":true}`)
		c := s.newClient(s.config(func(cfg *config.Config) {
			cfg.TenantID = "t2"
			cfg.RemoteConfig.Enabled = true
		}))
		s.NoError(c.Track(s.ctx, "a", nil))
		s.Zero(c.QueueLen())
	})

	s.Run("missing config leaves local settings", func() {
		c := s.newClient(s.config(func(cfg *config.Config) {
			cfg.TenantID = "t3"
			cfg.RemoteConfig.Enabled = true
		}))
		c.HeatmapClick(s.ctx, signals.Point{Page: "/"})
		s.Equal(1, c.QueueLen())
	})
}

func (s *ClientSuite) TestMetricsAreRegistered() {
	reg := prometheus.NewRegistry()
	c := s.newClient(s.config(), WithRegisterer(reg))
	s.Require().NoError(c.Track(s.ctx, "a", nil, event.WithFlush()))

	s.Equal(1.0, promtest.ToFloat64(c.Metrics().EventsEnqueued))
	s.Equal(1.0, promtest.ToFloat64(c.Metrics().EventsDelivered))
	families, err := reg.Gather()
	s.Require().NoError(err)
	s.NotEmpty(families)
}

func (s *ClientSuite) TestHeartbeatRunsWhenEnabled() {
	c := s.newClient(s.config(func(cfg *config.Config) {
		cfg.EnableHeartbeat = true
		cfg.HeartbeatActiveInterval = 10 * time.Millisecond
		cfg.HeartbeatInactiveInterval = 10 * time.Millisecond
	}))
	s.Eventually(func() bool { return c.QueueLen() > 0 }, 2*time.Second, 5*time.Millisecond)
}
