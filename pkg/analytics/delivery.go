package analytics

import (
	"log/slog"
	"net/http"
	"time"

	jwttoken "pulse/internal/jwt_token"
	"pulse/internal/platform/config"
	"pulse/internal/platform/metrics"
	"pulse/internal/transport"
	"pulse/internal/transport/kafka"
	"pulse/pkg/platform/circuit"
)

// Claims minted by the bearer strategy carry this issuer and audience.
const (
	TokenIssuer   = "pulse-sdk"
	TokenAudience = "pulse-collector"
)

const (
	unloadTimeout         = 2 * time.Second
	breakerFailures       = 5
	breakerCooldown       = 30 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

type delivery struct {
	base    transport.Sender
	sender  transport.Sender
	beacon  *transport.Beacon
	unload  *transport.UnloadSender
	breaker *circuit.Breaker
	close   func() error
}

func newAuth(cfg config.Config) transport.Auth {
	switch cfg.Auth.Strategy {
	case "secret":
		return transport.SharedSecret{Header: cfg.Auth.Header, Secret: cfg.Auth.Secret}
	case "bearer":
		svc := jwttoken.NewJWTService(cfg.Auth.SigningKey, TokenIssuer, TokenAudience)
		return transport.Bearer{Provider: transport.NewJWTProvider(svc, cfg.TenantID, cfg.Auth.TokenTTL)}
	default:
		return transport.NoAuth{}
	}
}

// newBaseSender builds the single-attempt transport for cfg.Transport.Kind.
func newBaseSender(cfg config.Config, httpClient *http.Client, l *slog.Logger) (transport.Sender, func() error, error) {
	noop := func() error { return nil }
	if cfg.Transport.Kind == "kafka" {
		client, err := kafka.NewClient(cfg.Transport.Brokers, cfg.Transport.Topic)
		if err != nil {
			return nil, nil, err
		}
		sender, err := kafka.New(client, cfg.Transport.Topic, cfg.TenantID)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return sender, func() error { client.Close(); return nil }, nil
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	// The timeout applies to a copy of the caller's client, so it must follow it.
	sender, err := transport.NewHTTPSender(cfg.Endpoint, cfg.TenantID,
		transport.WithHTTPClient(httpClient),
		transport.WithTimeout(timeout),
		transport.WithAuth(newAuth(cfg)),
		transport.WithHTTPLogger(l),
	)
	if err != nil {
		return nil, nil, err
	}
	return sender, noop, nil
}

// newDelivery layers retry and the circuit breaker over base for regular
// flushes, and a beacon with a detached fallback for unloads.
func newDelivery(cfg config.Config, base transport.Sender, closeBase func() error, l *slog.Logger, m *metrics.Metrics) *delivery {
	retrying := transport.NewRetrying(base, cfg.RetryAttempts, cfg.RetryDelay,
		transport.WithRetryMetrics(m),
		transport.WithRetryLogger(l),
	)
	breaker := circuit.New("delivery",
		circuit.WithFailureThreshold(breakerFailures),
		circuit.WithCooldown(breakerCooldown),
	)
	beacon := transport.NewBeacon(base,
		transport.WithBeaconLogger(l),
		transport.WithBeaconMetrics(m),
	)
	return &delivery{
		base:    base,
		sender:  transport.NewGuarded(retrying, breaker, m, l),
		beacon:  beacon,
		unload:  transport.NewUnloadSender(beacon, base, unloadTimeout, l, m),
		breaker: breaker,
		close:   closeBase,
	}
}
