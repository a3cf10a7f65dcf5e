// Package domainerrors defines coded errors that let callers branch on the kind
// of failure instead of matching message strings.
//
// Policy outcomes (a destroyed client, a rejected property set) and genuine
// faults (delivery exhausted, storage unavailable) share one error type but
// carry distinct codes:
//
//	if dErrors.HasCode(err, dErrors.CodeDestroyed) { ... }
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers.
type Code string

const (
	// CodeValidation covers caller input that breaks a documented limit
	// (too many properties, empty event name).
	CodeValidation Code = "validation"
	// CodeInvalidInput covers values that cannot be parsed (unknown consent mode).
	CodeInvalidInput Code = "invalid_input"
	// CodeDestroyed is returned by a client or pipeline after Destroy.
	CodeDestroyed Code = "destroyed"
	// CodeDeliveryFailed marks a flush in which no chunk was delivered.
	CodeDeliveryFailed Code = "delivery_failed"
	// CodeUnavailable marks infrastructure that cannot be reached.
	CodeUnavailable Code = "unavailable"
	// CodeUnauthorized marks credentials the collector would reject.
	CodeUnauthorized Code = "unauthorized"
	// CodeTimeout marks operations aborted by a deadline.
	CodeTimeout Code = "timeout"
	// CodeInternal is the fallback for unexpected faults.
	CodeInternal Code = "internal"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code Code) bool {
	var de *Error
	for err != nil {
		if errors.As(err, &de) {
			if de.Code == code {
				return true
			}
			err = de.Err
			continue
		}
		return false
	}
	return false
}

// Is is shorthand for HasCode.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the outermost code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
