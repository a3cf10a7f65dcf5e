// Package config loads SDK configuration from YAML with PULSE_* environment
// overrides layered on top of defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	dErrors "pulse/pkg/domain-errors"
)

// Config is the full SDK configuration surface.
type Config struct {
	TenantID string `yaml:"tenant_id"`
	Endpoint string `yaml:"endpoint"`
	Debug    bool   `yaml:"debug"`

	ConsentMode       string   `yaml:"consent_mode"`
	ConsentVersion    string   `yaml:"consent_version"`
	ConsentCategories []string `yaml:"consent_categories"`
	WaitForConsent    bool     `yaml:"wait_for_consent"`

	BatchSize           int           `yaml:"batch_size"`
	FlushInterval       time.Duration `yaml:"flush_interval"`
	MaxEventsPerRequest int           `yaml:"max_events_per_request"`
	MaxQueueSize        int           `yaml:"max_queue_size"`
	RetryAttempts       int           `yaml:"retry_attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`

	EnableHeartbeat           bool          `yaml:"enable_heartbeat"`
	HeartbeatActiveInterval   time.Duration `yaml:"heartbeat_active_interval"`
	HeartbeatInactiveInterval time.Duration `yaml:"heartbeat_inactive_interval"`

	EnableAutoPageView bool    `yaml:"enable_auto_page_view"`
	StripQueryParams   bool    `yaml:"strip_query_params"`
	HeatmapSampleRate  float64 `yaml:"heatmap_sample_rate"`

	Attention    Attention    `yaml:"attention"`
	Auth         Auth         `yaml:"auth"`
	Storage      Storage      `yaml:"storage"`
	Transport    Transport    `yaml:"transport"`
	RemoteConfig RemoteConfig `yaml:"remote_config"`
	Log          Log          `yaml:"log"`
}

// Attention tunes the attention quality filter.
type Attention struct {
	IdleThreshold      time.Duration `yaml:"idle_threshold"`
	MinScrollDistance  float64       `yaml:"min_scroll_distance"`
	MaxSectionDuration time.Duration `yaml:"max_section_duration"`
	EvaluateInterval   time.Duration `yaml:"evaluate_interval"`
}

// Auth selects how delivery requests authenticate.
type Auth struct {
	Strategy   string        `yaml:"strategy"` // none, secret, bearer
	Header     string        `yaml:"header"`
	Secret     string        `yaml:"secret"`
	SigningKey string        `yaml:"signing_key"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
}

// Storage selects the persistence backend.
type Storage struct {
	Driver     string        `yaml:"driver"` // memory, sqlite, redis
	SQLitePath string        `yaml:"sqlite_path"`
	RedisURL   string        `yaml:"redis_url"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// Transport selects the delivery backend.
type Transport struct {
	Kind    string   `yaml:"kind"` // http, kafka
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RemoteConfig controls fetching tenant settings from the collector.
type RemoteConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// Log configures the SDK logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when a field is left unset.
func Default() Config {
	return Config{
		Endpoint:                  "https://collect.pulse.dev",
		ConsentMode:               "cookieless",
		ConsentVersion:            "1",
		ConsentCategories:         []string{"analytics", "functional", "marketing"},
		WaitForConsent:            true,
		BatchSize:                 10,
		FlushInterval:             5 * time.Second,
		MaxEventsPerRequest:       160,
		MaxQueueSize:              1000,
		RetryAttempts:             3,
		RetryDelay:                time.Second,
		RequestTimeout:            10 * time.Second,
		EnableHeartbeat:           true,
		HeartbeatActiveInterval:   15 * time.Second,
		HeartbeatInactiveInterval: 60 * time.Second,
		EnableAutoPageView:        true,
		HeatmapSampleRate:         1,
		Attention: Attention{
			IdleThreshold:      30 * time.Second,
			MinScrollDistance:  100,
			MaxSectionDuration: 30 * time.Second,
			EvaluateInterval:   5 * time.Second,
		},
		Auth: Auth{
			Strategy: "none",
			Header:   "X-Pulse-Key",
			TokenTTL: 15 * time.Minute,
		},
		Storage: Storage{
			Driver:     "memory",
			SessionTTL: 24 * time.Hour,
		},
		Transport: Transport{
			Kind:  "http",
			Topic: "pulse-events",
		},
		RemoteConfig: RemoteConfig{
			TTL: time.Hour,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "config: parse yaml")
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from PULSE_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []string

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = b
		}
	}

	str("PULSE_TENANT_ID", &c.TenantID)
	str("PULSE_ENDPOINT", &c.Endpoint)
	str("PULSE_CONSENT_MODE", &c.ConsentMode)
	flag("PULSE_WAIT_FOR_CONSENT", &c.WaitForConsent)
	num("PULSE_BATCH_SIZE", &c.BatchSize)
	dur("PULSE_FLUSH_INTERVAL", &c.FlushInterval)
	num("PULSE_MAX_EVENTS_PER_REQUEST", &c.MaxEventsPerRequest)
	num("PULSE_RETRY_ATTEMPTS", &c.RetryAttempts)
	dur("PULSE_RETRY_DELAY", &c.RetryDelay)
	flag("PULSE_ENABLE_HEARTBEAT", &c.EnableHeartbeat)
	flag("PULSE_DEBUG", &c.Debug)
	str("PULSE_AUTH_STRATEGY", &c.Auth.Strategy)
	str("PULSE_AUTH_SECRET", &c.Auth.Secret)
	str("PULSE_AUTH_SIGNING_KEY", &c.Auth.SigningKey)
	str("PULSE_STORAGE_DRIVER", &c.Storage.Driver)
	str("PULSE_SQLITE_PATH", &c.Storage.SQLitePath)
	str("PULSE_REDIS_URL", &c.Storage.RedisURL)
	str("PULSE_TRANSPORT", &c.Transport.Kind)
	if v := getenv("PULSE_KAFKA_BROKERS"); v != "" {
		c.Transport.Brokers = splitCSV(v)
	}
	str("PULSE_LOG_LEVEL", &c.Log.Level)
	str("PULSE_LOG_FORMAT", &c.Log.Format)

	if len(errs) > 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "config: malformed environment values: "+strings.Join(errs, ", "))
	}
	return nil
}

// Validate checks required fields and numeric bounds.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.TenantID) == "" {
		problems = append(problems, "tenant_id is required")
	}
	if c.BatchSize < 1 {
		problems = append(problems, "batch_size must be >= 1")
	}
	if c.MaxEventsPerRequest < 1 {
		problems = append(problems, "max_events_per_request must be >= 1")
	}
	if c.MaxQueueSize < c.BatchSize {
		problems = append(problems, "max_queue_size must be >= batch_size")
	}
	if c.RetryAttempts < 1 {
		problems = append(problems, "retry_attempts must be >= 1")
	}
	if c.RetryDelay < 0 || c.FlushInterval < 0 {
		problems = append(problems, "durations must not be negative")
	}
	if c.HeatmapSampleRate < 0 || c.HeatmapSampleRate > 1 {
		problems = append(problems, "heatmap_sample_rate must be within [0,1]")
	}
	switch c.Auth.Strategy {
	case "", "none":
	case "secret":
		if c.Auth.Secret == "" {
			problems = append(problems, "auth.secret is required for the secret strategy")
		}
	case "bearer":
		if c.Auth.SigningKey == "" {
			problems = append(problems, "auth.signing_key is required for the bearer strategy")
		}
	default:
		problems = append(problems, "auth.strategy must be none, secret or bearer")
	}
	switch c.Storage.Driver {
	case "", "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			problems = append(problems, "storage.sqlite_path is required for sqlite")
		}
	case "redis":
		if c.Storage.RedisURL == "" {
			problems = append(problems, "storage.redis_url is required for redis")
		}
	default:
		problems = append(problems, "storage.driver must be memory, sqlite or redis")
	}
	switch c.Transport.Kind {
	case "", "http":
	case "kafka":
		if len(c.Transport.Brokers) == 0 {
			problems = append(problems, "transport.brokers is required for kafka")
		}
	default:
		problems = append(problems, "transport.kind must be http or kafka")
	}
	if len(problems) > 0 {
		return dErrors.New(dErrors.CodeValidation, "config: "+strings.Join(problems, "; "))
	}
	return nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
