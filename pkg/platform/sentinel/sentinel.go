package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and transports return
// these (optionally wrapped) so components can decide how to degrade.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: key does not exist in store
// - ErrUnavailable: storage backend or endpoint temporarily unavailable
// - ErrClosed: resource was closed and accepts no more work
// - ErrTooLarge: payload exceeds the transport's limit
//
// For validation errors (bad input, limits), use pkg/domain-errors directly.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("unavailable")
	ErrClosed      = errors.New("closed")
	ErrTooLarge    = errors.New("too large")
)
