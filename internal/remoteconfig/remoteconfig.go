// Package remoteconfig fetches tenant settings from the collector and caches
// them in durable storage. Every failure falls back to the last cached copy or
// to local configuration.
package remoteconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pulse/internal/platform/logger"
	"pulse/internal/storage"
	"pulse/pkg/platform/sentinel"
)

const maxConfigBody = 64 << 10

// Settings are the overrides a tenant may push. Nil fields leave local
// configuration in place.
type Settings struct {
	HeatmapSampleRate  *float64 `json:"heatmap_sample_rate,omitempty"`
	EnableHeartbeat    *bool    `json:"enable_heartbeat,omitempty"`
	EnableAutoPageView *bool    `json:"enable_auto_page_view,omitempty"`
	Disabled           bool     `json:"disabled,omitempty"`
}

type cachedSettings struct {
	FetchedAt time.Time `json:"fetched_at"`
	Settings  Settings  `json:"settings"`
}

// Source loads Settings.
type Source struct {
	url    string
	key    string
	store  storage.Store
	client *http.Client
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Source)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTTL sets how long a cached copy is used without refetching.
func WithTTL(ttl time.Duration) Option {
	return func(s *Source) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Source) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a source for GET {endpoint}/config/{tenant}.
func New(endpoint, tenant string, store storage.Store, opts ...Option) *Source {
	s := &Source{
		url:    strings.TrimRight(endpoint, "/") + "/config/" + url.PathEscape(tenant),
		key:    storage.Key(tenant, storage.KeyRemoteConfig),
		store:  store,
		client: &http.Client{Timeout: 5 * time.Second},
		ttl:    time.Hour,
		logger: logger.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// URL is the settings endpoint.
func (s *Source) URL() string {
	return s.url
}

// Load returns fresh cached settings, or fetches and caches them. On fetch
// failure it returns a stale cached copy when one exists. ok is false when
// nothing could be obtained and local configuration applies.
func (s *Source) Load(ctx context.Context) (settings Settings, ok bool) {
	cached, hasCache := s.cached(ctx)
	if hasCache && s.now().Sub(cached.FetchedAt) < s.ttl {
		return cached.Settings, true
	}

	fetched, err := s.fetch(ctx)
	if err != nil {
		if hasCache {
			s.logger.WarnContext(ctx, "remote config fetch failed, using stale copy", "error", err)
			return cached.Settings, true
		}
		s.logger.WarnContext(ctx, "remote config unavailable, using local config", "error", err)
		return Settings{}, false
	}
	s.save(ctx, fetched)
	return fetched, true
}

func (s *Source) cached(ctx context.Context) (cachedSettings, bool) {
	if s.store == nil {
		return cachedSettings{}, false
	}
	raw, err := s.store.Get(ctx, s.key)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			s.logger.DebugContext(ctx, "remote config cache read failed", "error", err)
		}
		return cachedSettings{}, false
	}
	var c cachedSettings
	if err := json.Unmarshal(raw, &c); err != nil {
		return cachedSettings{}, false
	}
	return c, true
}

func (s *Source) save(ctx context.Context, settings Settings) {
	if s.store == nil {
		return
	}
	raw, err := json.Marshal(cachedSettings{FetchedAt: s.now().UTC(), Settings: settings})
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, s.key, raw); err != nil {
		s.logger.DebugContext(ctx, "remote config cache write failed", "error", err)
	}
}

func (s *Source) fetch(ctx context.Context) (Settings, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Settings{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return Settings{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigBody))
	if err != nil {
		return Settings{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Settings{}, fmt.Errorf("remote config: status %d", resp.StatusCode)
	}
	var settings Settings
	if err := json.Unmarshal(body, &settings); err != nil {
		return Settings{}, fmt.Errorf("remote config: decode: %w", err)
	}
	return settings, nil
}
