package delivery

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cucumber/godog"

	"pulse/pkg/analytics"
	dErrors "pulse/pkg/domain-errors"
	"pulse/pkg/testutil"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	StartClient(mode string, waitForConsent bool) error
	Client() *analytics.Client
	Collector() *testutil.Collector
	Close() error
	WaitForRequests(n int, timeout time.Duration) ([]testutil.CollectorRequest, error)
}

// RegisterSteps registers tracking and delivery step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &deliverySteps{tc: tc}

	ctx.Step(`^a client in "([^"]*)" mode$`, steps.clientInMode)
	ctx.Step(`^the collector rejects the next request$`, steps.collectorRejectsNext)
	ctx.Step(`^I track (\d+) events$`, steps.trackEvents)
	ctx.Step(`^I flush$`, steps.flush)
	ctx.Step(`^I close the client$`, steps.closeClient)

	ctx.Step(`^the collector should receive (\d+) requests$`, steps.collectorShouldReceive)
	ctx.Step(`^request (\d+) should carry (\d+) events$`, steps.requestShouldCarry)
	ctx.Step(`^the events should arrive in tracking order$`, steps.eventsInOrder)
	ctx.Step(`^the collector should have (\d+) events$`, steps.collectorShouldHaveEvents)
	ctx.Step(`^the queue should be empty$`, steps.queueShouldBeEmpty)
}

type deliverySteps struct {
	tc      TestContext
	tracked []string
}

func (s *deliverySteps) clientInMode(ctx context.Context, mode string) error {
	s.tracked = nil
	return s.tc.StartClient(mode, false)
}

func (s *deliverySteps) collectorRejectsNext(ctx context.Context) error {
	s.tc.Collector().Respond(testutil.Response{Status: http.StatusBadRequest, Body: "rejected"})
	return nil
}

func (s *deliverySteps) trackEvents(ctx context.Context, n int) error {
	for i := range n {
		name := fmt.Sprintf("event_%03d", len(s.tracked))
		if err := s.tc.Client().Track(ctx, name, map[string]any{"index": i}); err != nil {
			return err
		}
		s.tracked = append(s.tracked, name)
	}
	return nil
}

func (s *deliverySteps) flush(ctx context.Context) error {
	err := s.tc.Client().Flush(ctx)
	if dErrors.HasCode(err, dErrors.CodeDeliveryFailed) {
		return nil
	}
	return err
}

func (s *deliverySteps) closeClient(ctx context.Context) error {
	return s.tc.Close()
}

func (s *deliverySteps) collectorShouldReceive(ctx context.Context, n int) error {
	if n == 0 {
		if got := len(s.tc.Collector().Requests()); got != 0 {
			return fmt.Errorf("collector received %d requests, want none", got)
		}
		return nil
	}
	reqs, err := s.tc.WaitForRequests(n, 2*time.Second)
	if err != nil {
		return err
	}
	if len(reqs) != n {
		return fmt.Errorf("collector received %d requests, want %d", len(reqs), n)
	}
	return nil
}

func (s *deliverySteps) requestShouldCarry(ctx context.Context, idx, n int) error {
	reqs := s.tc.Collector().Requests()
	if idx < 1 || idx > len(reqs) {
		return fmt.Errorf("no request %d, collector has %d", idx, len(reqs))
	}
	if got := len(reqs[idx-1].Events); got != n {
		return fmt.Errorf("request %d carried %d events, want %d", idx, got, n)
	}
	return nil
}

func (s *deliverySteps) eventsInOrder(ctx context.Context) error {
	events := s.tc.Collector().Events()
	if len(events) != len(s.tracked) {
		return fmt.Errorf("collector has %d events, tracked %d", len(events), len(s.tracked))
	}
	for i, ev := range events {
		if ev.EventName != s.tracked[i] {
			return fmt.Errorf("event %d is %q, want %q", i, ev.EventName, s.tracked[i])
		}
	}
	return nil
}

func (s *deliverySteps) collectorShouldHaveEvents(ctx context.Context, n int) error {
	if got := len(s.tc.Collector().Events()); got != n {
		return fmt.Errorf("collector has %d events, want %d", got, n)
	}
	return nil
}

func (s *deliverySteps) queueShouldBeEmpty(ctx context.Context) error {
	if got := s.tc.Client().QueueLen(); got != 0 {
		return fmt.Errorf("queue holds %d events", got)
	}
	return nil
}
