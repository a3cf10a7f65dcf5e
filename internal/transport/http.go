package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pulse/internal/event"
	"pulse/internal/platform/logger"
	dErrors "pulse/pkg/domain-errors"
)

const maxResponseBody = 1 << 20

// HTTPSender POSTs one chunk per call to {endpoint}/events/{tenant}/multi.
type HTTPSender struct {
	client *http.Client
	url    string
	tenant string
	auth   Auth
	tracer trace.Tracer
	logger *slog.Logger
}

// HTTPOption configures an HTTPSender.
type HTTPOption func(*HTTPSender)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSender) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPSender) {
		if d > 0 {
			c := *s.client
			c.Timeout = d
			s.client = &c
		}
	}
}

func WithAuth(a Auth) HTTPOption {
	return func(s *HTTPSender) {
		if a != nil {
			s.auth = a
		}
	}
}

func WithTracer(t trace.Tracer) HTTPOption {
	return func(s *HTTPSender) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(s *HTTPSender) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewHTTPSender validates the endpoint and returns a sender for tenant.
func NewHTTPSender(endpoint, tenant string, opts ...HTTPOption) (*HTTPSender, error) {
	if tenant == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "tenant is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "endpoint must be an absolute URL")
	}
	s := &HTTPSender{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    EventsURL(endpoint, tenant),
		tenant: tenant,
		auth:   NoAuth{},
		tracer: otel.Tracer("pulse/transport"),
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// EventsURL builds the batch endpoint for tenant.
func EventsURL(endpoint, tenant string) string {
	return strings.TrimRight(endpoint, "/") + "/events/" + url.PathEscape(tenant) + "/multi"
}

// URL returns the batch endpoint.
func (s *HTTPSender) URL() string {
	return s.url
}

// Send performs a single delivery attempt.
func (s *HTTPSender) Send(ctx context.Context, events []event.Event) error {
	ctx, span := s.tracer.Start(ctx, "transport.http.send", trace.WithAttributes(
		attribute.String("pulse.tenant", s.tenant),
		attribute.Int("pulse.events", len(events)),
	))
	defer span.End()

	err := s.send(ctx, events)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(Classify(err)))
	}
	return err
}

func (s *HTTPSender) send(ctx context.Context, events []event.Event) error {
	body, err := json.Marshal(event.Batch{Events: events})
	if err != nil {
		return NewDeliveryError(KindClient, 0, fmt.Errorf("encode batch: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return NewDeliveryError(KindClient, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := s.auth.Apply(ctx, req); err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return NewDeliveryError(classifyRequestError(err), 0, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	s.logger.DebugContext(ctx, "chunk delivered attempt",
		"status", resp.StatusCode, "events", len(events))
	return classifyResponse(resp, respBody)
}

func classifyRequestError(err error) Kind {
	if k := Classify(err); k != KindUnknown {
		return k
	}
	// any other client.Do failure happened below HTTP
	return KindNetwork
}

func classifyResponse(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		trimmed := bytes.TrimSpace(body)
		if len(trimmed) > 0 && !json.Valid(trimmed) {
			return NewDeliveryError(KindMalformedResponse, status, errors.New("collector returned a non-JSON body"))
		}
		return nil
	case status == http.StatusTooManyRequests:
		de := NewDeliveryError(KindRateLimited, status, errors.New(http.StatusText(status)))
		de.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return de
	case status >= 500:
		return NewDeliveryError(KindServer, status, errors.New(http.StatusText(status)))
	default:
		return NewDeliveryError(KindClient, status, errors.New(http.StatusText(status)))
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
