// Package transport delivers event chunks to the collector: a single-attempt
// Sender per backend, decorated with retries and a circuit breaker, plus a
// fire-and-forget variant for page unload.
package transport

import (
	"context"

	"pulse/internal/event"
)

//go:generate mockgen -source=sender.go -destination=mocks/sender_mock.go -package=mocks Sender,TokenProvider

// Sender delivers one chunk in a single attempt. Errors should be, or wrap, a
// *DeliveryError so callers can classify them.
type Sender interface {
	Send(ctx context.Context, events []event.Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, events []event.Event) error

func (f SenderFunc) Send(ctx context.Context, events []event.Event) error {
	return f(ctx, events)
}

// TokenProvider supplies bearer tokens. It is asked on every request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (string, error)

func (f TokenProviderFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}
