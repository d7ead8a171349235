package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNewError_StatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{429, KindRateLimited},
		{401, KindAuthInvalid},
		{403, KindAuthInvalid},
		{404, KindModelUnavailable},
		{408, KindTimeout},
		{504, KindTimeout},
		{500, KindUpstreamFault},
		{502, KindUpstreamFault},
		{503, KindUpstreamFault},
		{400, KindMalformed},
		{422, KindMalformed},
	}
	for _, tc := range cases {
		if got := NewError(tc.status, "x").Kind; got != tc.want {
			t.Errorf("status %d: expected %s, got %s", tc.status, tc.want, got)
		}
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(&Error{Kind: KindRateLimited}); got != KindRateLimited {
		t.Errorf("classified error should keep its kind, got %s", got)
	}
	wrapped := fmt.Errorf("dial upstream: %w", &Error{Kind: KindAuthInvalid})
	if got := Classify(wrapped); got != KindAuthInvalid {
		t.Errorf("wrapped classified error should keep its kind, got %s", got)
	}
	if got := Classify(context.DeadlineExceeded); got != KindTimeout {
		t.Errorf("deadline should classify as timeout, got %s", got)
	}
	if got := Classify(context.Canceled); got != KindClientCancelled {
		t.Errorf("cancellation should classify as client_cancelled, got %s", got)
	}
	if got := Classify(errors.New("mystery")); got != KindUpstreamFault {
		t.Errorf("unknown errors default to upstream_fault, got %s", got)
	}
}

func TestRetryable(t *testing.T) {
	retryable := []ErrorKind{
		KindRateLimited, KindAuthInvalid, KindModelUnavailable,
		KindTimeout, KindUpstreamFault, KindMalformed,
	}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable before output is delivered", k)
		}
	}
	terminal := []ErrorKind{KindClientCancelled, KindNoProviderAvailable, KindPersistenceFailure}
	for _, k := range terminal {
		if k.Retryable() {
			t.Errorf("%s must never be retried", k)
		}
	}
}

func TestError_Message(t *testing.T) {
	e := NewError(429, "slow down")
	if got := e.Error(); got != "rate_limited (status 429): slow down" {
		t.Errorf("unexpected message %q", got)
	}
	bare := &Error{Kind: KindTimeout, Message: "budget exhausted"}
	if got := bare.Error(); got != "timeout: budget exhausted" {
		t.Errorf("unexpected message %q", got)
	}
}
