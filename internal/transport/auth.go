package transport

import (
	"context"
	"net/http"
)

// Auth decorates a delivery request with credentials.
type Auth interface {
	Apply(ctx context.Context, req *http.Request) error
}

// NoAuth sends requests without credentials.
type NoAuth struct{}

func (NoAuth) Apply(context.Context, *http.Request) error { return nil }

// SharedSecret sets a static header, typically a tenant write key.
type SharedSecret struct {
	Header string
	Secret string
}

func (a SharedSecret) Apply(_ context.Context, req *http.Request) error {
	header := a.Header
	if header == "" {
		header = "X-Pulse-Key"
	}
	req.Header.Set(header, a.Secret)
	return nil
}

// Bearer asks its provider for a token on every request.
type Bearer struct {
	Provider TokenProvider
}

func (a Bearer) Apply(ctx context.Context, req *http.Request) error {
	token, err := a.Provider.Token(ctx)
	if err != nil {
		return NewDeliveryError(KindAuth, 0, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
