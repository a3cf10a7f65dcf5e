package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind is the normalized delivery failure taxonomy.
type Kind string

const (
	KindNetwork           Kind = "network"
	KindTimeout           Kind = "timeout"
	KindServer            Kind = "server"
	KindRateLimited       Kind = "rate_limited"
	KindClient            Kind = "client"
	KindMalformedResponse Kind = "malformed_response"
	KindAuth              Kind = "auth"
	KindCircuitOpen       Kind = "circuit_open"
	KindCanceled          Kind = "canceled"
	KindUnknown           Kind = "unknown"
)

// Retriable reports whether a failure of this kind is worth another attempt.
func (k Kind) Retriable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServer, KindRateLimited:
		return true
	default:
		return false
	}
}

// DeliveryError is a classified delivery failure.
type DeliveryError struct {
	Kind       Kind
	Status     int           // HTTP status, 0 when no response was received
	RetryAfter time.Duration // server-requested wait on 429
	Err        error
}

func (e *DeliveryError) Error() string {
	msg := "delivery failed [" + string(e.Kind) + "]"
	if e.Status != 0 {
		msg += fmt.Sprintf(" status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retriable reports whether the failure may be retried.
func (e *DeliveryError) Retriable() bool {
	return e.Kind.Retriable()
}

// NewDeliveryError builds a classified error.
func NewDeliveryError(kind Kind, status int, err error) *DeliveryError {
	return &DeliveryError{Kind: kind, Status: status, Err: err}
}

// networkSignatures are lowercase substrings that mark transport-level
// failures in errors that carry no type information.
var networkSignatures = []string{
	"network error",
	"fetch failed",
	"timeout",
	"connection refused",
	"connection reset",
	"eof",
	"no such host",
}

// Classify maps any error to a Kind. Typed errors win over message matching.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range networkSignatures {
		if strings.Contains(msg, sig) {
			if sig == "timeout" {
				return KindTimeout
			}
			return KindNetwork
		}
	}
	return KindUnknown
}

// IsRetriable reports whether err is a retriable delivery failure.
func IsRetriable(err error) bool {
	return Classify(err).Retriable()
}

func retryAfterOf(err error) time.Duration {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}
