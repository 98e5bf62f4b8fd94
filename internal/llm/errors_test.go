package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{429, KindRateLimited},
		{408, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
		{401, KindAuthFailure},
		{403, KindAuthFailure},
		{400, KindMalformedRequest},
		{404, KindMalformedRequest},
		{413, KindMalformedRequest},
		{422, KindMalformedRequest},
		{418, KindUnknown},
	}

	for _, tt := range tests {
		if got := KindForStatus(tt.status); got != tt.want {
			t.Errorf("KindForStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	timeout := &net.OpError{Op: "dial", Err: &net.DNSError{IsTimeout: true}}

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified", NewError(ProviderOpenAI, KindAuthFailure, errors.New("bad key")), KindAuthFailure},
		{"wrapped classified", fmt.Errorf("call: %w", StatusError(ProviderGroq, 429, "slow down")), KindRateLimited},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"net error", timeout, KindTransient},
		{"canceled transport", TransportError(ProviderOpenAI, context.Canceled), KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil error should not be retryable")
	}
	if !IsRetryable(StatusError(ProviderOpenAI, 502, "bad gateway")) {
		t.Error("502 should be retryable")
	}
	if IsRetryable(StatusError(ProviderOpenAI, 401, "unauthorized")) {
		t.Error("401 should not be retryable")
	}
}

func TestError_Unwrap(t *testing.T) {
	base := errors.New("root cause")
	err := NewError(ProviderAnthropic, KindTransient, base)

	if !errors.Is(err, base) {
		t.Error("expected errors.Is to find root cause")
	}
	if err.Error() != "anthropic transient: root cause" {
		t.Errorf("Error() = %q", err.Error())
	}
}
