package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the closed set of failure classifications the routing
// engine acts on. Adapters map provider-specific failures into these;
// nothing downstream ever inspects a raw provider error.
type ErrorKind string

const (
	KindRateLimited         ErrorKind = "rate_limited"
	KindAuthInvalid         ErrorKind = "auth_invalid"
	KindModelUnavailable    ErrorKind = "model_unavailable"
	KindTimeout             ErrorKind = "timeout"
	KindUpstreamFault       ErrorKind = "upstream_fault"
	KindMalformed           ErrorKind = "malformed"
	KindNoProviderAvailable ErrorKind = "no_provider_available"
	KindClientCancelled     ErrorKind = "client_cancelled"
	KindPersistenceFailure  ErrorKind = "persistence_failure"
)

// Error is a classified upstream failure.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Status  int       `json:"status,omitempty"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a classified error from an upstream HTTP status.
func NewError(status int, message string) *Error {
	return &Error{Kind: classifyStatus(status), Status: status, Message: message}
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthInvalid
	case status == http.StatusNotFound:
		return KindModelUnavailable
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindUpstreamFault
	case status >= 400:
		return KindMalformed
	}
	return KindUpstreamFault
}

// Classify maps an arbitrary adapter error into an ErrorKind. Adapters use
// this as the base of their ClassifyError implementation.
func Classify(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindClientCancelled
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindUpstreamFault
	}
	return KindUpstreamFault
}

// Retryable reports whether a failure of this kind may be retried on
// another candidate before any output has reached the client.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindAuthInvalid, KindModelUnavailable,
		KindTimeout, KindUpstreamFault, KindMalformed:
		return true
	}
	return false
}
