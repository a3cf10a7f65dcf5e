package transport

import (
	"context"
	"errors"
	"log/slog"

	"pulse/internal/event"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/metrics"
	"pulse/pkg/platform/circuit"
)

// ErrCircuitOpen is wrapped by the error returned while the breaker refuses work.
var ErrCircuitOpen = errors.New("delivery circuit open")

// Guarded stops calling next after repeated retriable failures. Permanent
// failures prove the collector is reachable and count as neither.
type Guarded struct {
	next    Sender
	breaker *circuit.Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewGuarded wraps next with breaker.
func NewGuarded(next Sender, breaker *circuit.Breaker, m *metrics.Metrics, l *slog.Logger) *Guarded {
	if l == nil {
		l = logger.Discard()
	}
	return &Guarded{next: next, breaker: breaker, metrics: m, logger: l}
}

func (g *Guarded) Send(ctx context.Context, events []event.Event) error {
	if !g.breaker.Allow() {
		return NewDeliveryError(KindCircuitOpen, 0, ErrCircuitOpen)
	}
	err := g.next.Send(ctx, events)
	switch {
	case err == nil:
		if _, change := g.breaker.RecordSuccess(); change.Closed {
			g.logger.InfoContext(ctx, "delivery circuit closed", "breaker", g.breaker.Name())
			g.metrics.SetCircuitOpen(false)
		}
	case IsRetriable(err):
		if _, change := g.breaker.RecordFailure(); change.Opened {
			g.logger.WarnContext(ctx, "delivery circuit opened", "breaker", g.breaker.Name(), "error", err)
			g.metrics.SetCircuitOpen(true)
		}
	}
	return err
}
