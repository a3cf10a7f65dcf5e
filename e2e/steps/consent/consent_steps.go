package consent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cucumber/godog"

	"pulse/pkg/analytics"
	"pulse/pkg/testutil"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	StartClient(mode string, waitForConsent bool) error
	Client() *analytics.Client
	Collector() *testutil.Collector
	WaitForRequests(n int, timeout time.Duration) ([]testutil.CollectorRequest, error)
}

// RegisterSteps registers consent-related step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &consentSteps{tc: tc}

	ctx.Step(`^a client in "([^"]*)" mode waiting for consent$`, steps.clientWaitingForConsent)
	ctx.Step(`^I grant consent$`, steps.grantConsent)
	ctx.Step(`^I revoke consent$`, steps.revokeConsent)

	ctx.Step(`^(\d+) events should be pending$`, steps.eventsShouldBePending)
	ctx.Step(`^the consent status should be "([^"]*)"$`, steps.consentStatusShouldBe)
	ctx.Step(`^every delivered event should carry the permanent user id$`, steps.deliveredWithPermanentID)
	ctx.Step(`^every delivered event should carry a daily user id$`, steps.deliveredWithDailyID)
}

type consentSteps struct {
	tc TestContext
}

func (s *consentSteps) clientWaitingForConsent(ctx context.Context, mode string) error {
	return s.tc.StartClient(mode, true)
}

func (s *consentSteps) grantConsent(ctx context.Context) error {
	return s.tc.Client().GrantConsent(ctx)
}

func (s *consentSteps) revokeConsent(ctx context.Context) error {
	return s.tc.Client().RevokeConsent(ctx)
}

func (s *consentSteps) eventsShouldBePending(ctx context.Context, n int) error {
	if got := s.tc.Client().PendingLen(); got != n {
		return fmt.Errorf("%d events pending, want %d", got, n)
	}
	return nil
}

func (s *consentSteps) consentStatusShouldBe(ctx context.Context, status string) error {
	if got := string(s.tc.Client().ConsentStatus()); got != status {
		return fmt.Errorf("consent status is %q, want %q", got, status)
	}
	return nil
}

func (s *consentSteps) deliveredWithPermanentID(ctx context.Context) error {
	want := s.tc.Client().UserID(ctx)
	if strings.HasPrefix(want, "daily_") {
		return fmt.Errorf("client still uses daily id %q", want)
	}
	return s.eachDelivered(func(userID string) error {
		if userID != want {
			return fmt.Errorf("event carried user %q, want %q", userID, want)
		}
		return nil
	})
}

func (s *consentSteps) deliveredWithDailyID(ctx context.Context) error {
	return s.eachDelivered(func(userID string) error {
		if !strings.HasPrefix(userID, "daily_") {
			return fmt.Errorf("event carried user %q, want a daily id", userID)
		}
		return nil
	})
}

func (s *consentSteps) eachDelivered(check func(userID string) error) error {
	if _, err := s.tc.WaitForRequests(1, 2*time.Second); err != nil {
		return err
	}
	for _, ev := range s.tc.Collector().Events() {
		if err := check(ev.UserID); err != nil {
			return err
		}
	}
	return nil
}
