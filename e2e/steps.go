// Package e2e runs the pulse SDK against an in-process collector and drives
// it with the feature files under features/.
package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"pulse/e2e/steps/consent"
	"pulse/e2e/steps/delivery"
	"pulse/internal/platform/config"
	"pulse/internal/platform/logger"
	"pulse/pkg/analytics"
	"pulse/pkg/testutil"
)

// TestContext holds one scenario's client and collector.
type TestContext struct {
	t         *testing.T
	collector *testutil.Collector
	client    *analytics.Client
	closed    bool
}

func NewTestContext(t *testing.T) *TestContext {
	return &TestContext{t: t}
}

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		tc.reset()
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		return ctx, tc.shutdown()
	})

	delivery.RegisterSteps(ctx, tc)
	consent.RegisterSteps(ctx, tc)
}

func (tc *TestContext) reset() {
	_ = tc.shutdown()
	tc.collector = testutil.NewCollector(tc.t)
	tc.client = nil
	tc.closed = false
}

// StartClient builds a client for the scenario against the collector.
func (tc *TestContext) StartClient(mode string, waitForConsent bool) error {
	cfg := config.Default()
	cfg.TenantID = "e2e"
	cfg.Endpoint = tc.collector.URL()
	cfg.ConsentMode = mode
	cfg.WaitForConsent = waitForConsent
	cfg.BatchSize = 500
	cfg.FlushInterval = time.Hour
	cfg.RetryAttempts = 1
	cfg.EnableHeartbeat = false

	c, err := analytics.New(context.Background(), cfg, analytics.WithLogger(logger.Discard()))
	if err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	tc.client = c
	return nil
}

func (tc *TestContext) Client() *analytics.Client {
	return tc.client
}

func (tc *TestContext) Collector() *testutil.Collector {
	return tc.collector
}

// Close shuts the client down, delivering what is still queued.
func (tc *TestContext) Close() error {
	if tc.client == nil || tc.closed {
		return nil
	}
	tc.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return tc.client.Close(ctx)
}

// WaitForRequests polls the collector until n batches arrived.
func (tc *TestContext) WaitForRequests(n int, timeout time.Duration) ([]testutil.CollectorRequest, error) {
	deadline := time.Now().Add(timeout)
	for {
		reqs := tc.collector.Requests()
		if len(reqs) >= n {
			return reqs, nil
		}
		if time.Now().After(deadline) {
			return reqs, fmt.Errorf("collector received %d requests, want %d", len(reqs), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (tc *TestContext) shutdown() error {
	return tc.Close()
}
