// Package gateways defines the error taxonomy shared by the payment gateway
// and commerce backend adapters. Services branch on these categories instead
// of provider specific errors.
package gateways

import (
	"errors"
	"fmt"
)

// ValidationError reports a payload the remote system rejected as malformed.
// It is never retried.
type ValidationError struct {
	Op      string
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// GatewayError reports a payment gateway failure such as a declined card or a
// rejected intent mutation.
type GatewayError struct {
	Op   string
	Code string
	Err  error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// BackendError reports a commerce backend failure that is not retry-eligible.
type BackendError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// ConflictError reports a uniqueness or concurrency violation, such as a
// duplicate customer email or a submission already in flight.
type ConflictError struct {
	Op  string
	Err error
}

func (e *ConflictError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// TransientError reports a timeout or temporary outage. Retry-eligible only
// at the order submission and status reconciliation stages.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NotFoundError reports a missing remote record, e.g. an unknown coupon code.
type NotFoundError struct {
	Op  string
	Err error
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// IsValidation reports whether err is categorised as a validation failure.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsGateway reports whether err originated at the payment gateway.
func IsGateway(err error) bool {
	var target *GatewayError
	return errors.As(err, &target)
}

// IsBackend reports whether err is a non-retryable backend failure.
func IsBackend(err error) bool {
	var target *BackendError
	return errors.As(err, &target)
}

// IsConflict reports whether err is a uniqueness or concurrency violation.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// IsNotFound reports whether err represents a missing remote record.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}
