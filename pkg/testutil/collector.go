package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"pulse/internal/event"
	jwttoken "pulse/internal/jwt_token"
)

// CollectorRequest is one batch received by the fake collector.
type CollectorRequest struct {
	Tenant string
	Header http.Header
	Events []event.Event
	At     time.Time
}

// Response scripts one collector reply.
type Response struct {
	Status int
	Body   string
	Header map[string]string
	Delay  time.Duration
}

// Collector is an in-process collector for transport and end-to-end tests.
// Scripted responses are consumed in order; afterwards every batch gets 200.
type Collector struct {
	Server *httptest.Server

	mu       sync.Mutex
	requests []CollectorRequest
	script   []Response
	configs  map[string]string
	verifier *jwttoken.JWTService
	arrived  chan struct{}
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithJWTVerifier rejects batches without a valid bearer token for the tenant.
func WithJWTVerifier(svc *jwttoken.JWTService) CollectorOption {
	return func(c *Collector) {
		c.verifier = svc
	}
}

// NewCollector starts the fake collector and stops it when t finishes.
func NewCollector(t *testing.T, opts ...CollectorOption) *Collector {
	t.Helper()
	c := &Collector{
		configs: make(map[string]string),
		arrived: make(chan struct{}, 1024),
	}
	for _, opt := range opts {
		opt(c)
	}

	r := chi.NewRouter()
	r.Post("/events/{tenant}/multi", c.handleBatch)
	r.Get("/config/{tenant}", c.handleConfig)
	c.Server = httptest.NewServer(r)
	t.Cleanup(c.Server.Close)
	return c
}

// URL is the collector base endpoint.
func (c *Collector) URL() string {
	return c.Server.URL
}

// Respond queues scripted responses.
func (c *Collector) Respond(responses ...Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, responses...)
}

// SetConfig serves body from GET /config/{tenant}.
func (c *Collector) SetConfig(tenant, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs[tenant] = body
}

// Requests returns a copy of the received batches in arrival order.
func (c *Collector) Requests() []CollectorRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CollectorRequest(nil), c.requests...)
}

// Events flattens every received batch.
func (c *Collector) Events() []event.Event {
	var out []event.Event
	for _, r := range c.Requests() {
		out = append(out, r.Events...)
	}
	return out
}

// WaitForRequests blocks until n batches arrived in total or timeout elapses.
func (c *Collector) WaitForRequests(t *testing.T, n int, timeout time.Duration) []CollectorRequest {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if got := c.Requests(); len(got) >= n {
			return got
		}
		select {
		case <-c.arrived:
		case <-deadline:
			t.Fatalf("collector received %d requests, want %d", len(c.Requests()), n)
			return nil
		}
	}
}

func (c *Collector) handleBatch(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	if c.verifier != nil {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claimed, err := c.verifier.ExtractTenantFromToken(token)
		if err != nil || claimed != tenant {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	var batch event.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.requests = append(c.requests, CollectorRequest{
		Tenant: tenant,
		Header: r.Header.Clone(),
		Events: batch.Events,
		At:     time.Now(),
	})
	resp := Response{Status: http.StatusOK, Body: `{"ok":true}`}
	if len(c.script) > 0 {
		resp = c.script[0]
		c.script = c.script[1:]
	}
	c.mu.Unlock()

	select {
	case c.arrived <- struct{}{}:
	default:
	}
	writeResponse(w, resp)
}

func (c *Collector) handleConfig(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	body, ok := c.configs[chi.URLParam(r, "tenant")]
	c.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func writeResponse(w http.ResponseWriter, resp Response) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for k, v := range resp.Header {
		w.Header().Set(k, v)
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write([]byte(resp.Body))
}
