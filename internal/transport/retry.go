package transport

import (
	"context"
	"log/slog"
	"time"

	"pulse/internal/event"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/metrics"
)

// Retrying retries retriable failures of the wrapped sender with exponential
// backoff. The wait before retry n (1-based) is base * 2^(n-1), or the
// server's Retry-After when that is longer.
type Retrying struct {
	next     Sender
	attempts int
	base     time.Duration
	maxDelay time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// RetryOption configures Retrying.
type RetryOption func(*Retrying)

// WithMaxDelay caps a single backoff wait.
func WithMaxDelay(d time.Duration) RetryOption {
	return func(r *Retrying) {
		if d > 0 {
			r.maxDelay = d
		}
	}
}

// WithSleep replaces the context-aware wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *Retrying) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

func WithRetryMetrics(m *metrics.Metrics) RetryOption {
	return func(r *Retrying) {
		r.metrics = m
	}
}

func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(r *Retrying) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRetrying wraps next. attempts is the total number of tries, minimum 1.
func NewRetrying(next Sender, attempts int, base time.Duration, opts ...RetryOption) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	r := &Retrying{
		next:     next,
		attempts: attempts,
		base:     base,
		maxDelay: time.Minute,
		sleep:    sleepContext,
		logger:   logger.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Send returns nil on success, or the last error once attempts are exhausted
// or a non-retriable failure occurs.
func (r *Retrying) Send(ctx context.Context, events []event.Event) error {
	var err error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			wait := r.Backoff(attempt, retryAfterOf(err))
			r.logger.DebugContext(ctx, "retrying chunk",
				"attempt", attempt+1, "wait", wait, "kind", string(Classify(err)))
			r.metrics.IncRetry()
			if serr := r.sleep(ctx, wait); serr != nil {
				return NewDeliveryError(Classify(serr), 0, serr)
			}
		}
		err = r.next.Send(ctx, events)
		if err == nil {
			return nil
		}
		if !IsRetriable(err) {
			return err
		}
	}
	return err
}

// Backoff returns the wait before retry n (n >= 1).
func (r *Retrying) Backoff(n int, retryAfter time.Duration) time.Duration {
	d := r.base
	for i := 1; i < n && d < r.maxDelay; i++ {
		d *= 2
	}
	d = min(d, r.maxDelay)
	return max(d, retryAfter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
