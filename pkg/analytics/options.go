package analytics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pulse/internal/identity"
	"pulse/internal/storage"
	"pulse/internal/transport"
)

// Option configures a Client.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	registerer  prometheus.Registerer
	httpClient  *http.Client
	sender      transport.Sender
	durable     storage.Store
	session     storage.Store
	fingerprint identity.Fingerprint
	now         func() time.Time
}

// WithLogger replaces the logger built from the log configuration.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRegisterer registers SDK metrics on reg. Without it the collectors are
// created but not registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithHTTPClient is used for delivery and remote configuration.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithSender replaces the configured single-attempt transport. Retry, circuit
// breaking and the unload path still wrap it.
func WithSender(s transport.Sender) Option {
	return func(o *options) {
		if s != nil {
			o.sender = s
		}
	}
}

// WithStores bypasses storage.driver and uses the given stores.
func WithStores(durable, session storage.Store) Option {
	return func(o *options) {
		if durable != nil && session != nil {
			o.durable, o.session = durable, session
		}
	}
}

// WithFingerprint supplies the host's device traits for the daily id.
func WithFingerprint(fp identity.Fingerprint) Option {
	return func(o *options) {
		o.fingerprint = fp
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
