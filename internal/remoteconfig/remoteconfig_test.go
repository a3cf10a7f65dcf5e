package remoteconfig

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"pulse/internal/storage"
	"pulse/pkg/testutil"
)

type SourceSuite struct {
	suite.Suite
	ctx       context.Context
	collector *testutil.Collector
	store     *storage.InMemoryStore
	now       time.Time
}

func TestSourceSuite(t *testing.T) {
	suite.Run(t, new(SourceSuite))
}

func (s *SourceSuite) SetupTest() {
	s.ctx = context.Background()
	s.collector = testutil.NewCollector(s.T())
	s.store = storage.NewInMemory()
	s.now = time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
}

func (s *SourceSuite) source(endpoint string) *Source {
	return New(endpoint, "t1", s.store,
		WithTTL(time.Hour),
		WithClock(func() time.Time { return s.now }),
		WithHTTPClient(&http.Client{Timeout: time.Second}),
	)
}

func (s *SourceSuite) TestURL() {
	s.Equal("https://c.example/config/t%201", New("https://c.example/", "t 1", nil).URL())
}

func (s *SourceSuite) TestFetchesAndCaches() {
	s.collector.SetConfig("t1", `{"heatmap_sample_rate":0.25,"enable_heartbeat":false}`)
	src := s.source(s.collector.URL())

	got, ok := src.Load(s.ctx)
	s.Require().True(ok)
	s.Require().NotNil(got.HeatmapSampleRate)
	s.Equal(0.25, *got.HeatmapSampleRate)
	s.Require().NotNil(got.EnableHeartbeat)
	s.False(*got.EnableHeartbeat)
	s.Nil(got.EnableAutoPageView)

	raw, err := s.store.Get(s.ctx, storage.Key("t1", storage.KeyRemoteConfig))
	s.Require().NoError(err)
	s.Contains(string(raw), "heatmap_sample_rate")

	s.Run("fresh cache is served without a request", func() {
		s.collector.SetConfig("t1", `{"heatmap_sample_rate":1}`)
		again, ok := src.Load(s.ctx)
		s.True(ok)
		s.Equal(0.25, *again.HeatmapSampleRate)
	})

	s.Run("expired cache is refetched", func() {
		s.now = s.now.Add(2 * time.Hour)
		again, ok := src.Load(s.ctx)
		s.True(ok)
		s.Equal(1.0, *again.HeatmapSampleRate)
	})
}

func (s *SourceSuite) TestFailsOpen() {
	src := s.source(s.collector.URL())

	s.Run("missing tenant config", func() {
		got, ok := src.Load(s.ctx)
		s.False(ok)
		s.Equal(Settings{}, got)
	})

	s.Run("unreachable endpoint", func() {
		got, ok := s.source("http://127.0.0.1:1").Load(s.ctx)
		s.False(ok)
		s.Equal(Settings{}, got)
	})

	s.Run("malformed body", func() {
		s.collector.SetConfig("t1", `not json`)
		_, ok := src.Load(s.ctx)
		s.False(ok)
	})
}

func (s *SourceSuite) TestStaleCacheWhenFetchFails() {
	s.collector.SetConfig("t1", `{"disabled":true}`)
	s.Require().True(func() bool { _, ok := s.source(s.collector.URL()).Load(s.ctx); return ok }())

	s.now = s.now.Add(3 * time.Hour)
	got, ok := s.source("http://127.0.0.1:1").Load(s.ctx)
	s.True(ok)
	s.True(got.Disabled)
}

func (s *SourceSuite) TestCacheReadFailureStillFetches() {
	s.store.FailWith(errors.New("disk gone"), nil, nil)
	s.collector.SetConfig("t1", `{"enable_auto_page_view":true}`)
	got, ok := s.source(s.collector.URL()).Load(s.ctx)
	s.True(ok)
	s.True(*got.EnableAutoPageView)
}
