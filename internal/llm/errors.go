package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a failed model call
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindTransient
	KindAuthFailure
	KindMalformedRequest
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindAuthFailure:
		return "auth_failure"
	case KindMalformedRequest:
		return "malformed_request"
	}
	return "unknown"
}

// Retryable reports whether a failure of this kind may succeed on a later attempt
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTransient
}

// Error is a classified model call failure
type Error struct {
	Kind       Kind
	Provider   ProviderType
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind
func NewError(provider ProviderType, kind Kind, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// StatusError builds an Error from a non-2xx HTTP response
func StatusError(provider ProviderType, status int, body string) *Error {
	return &Error{
		Kind:       KindForStatus(status),
		Provider:   provider,
		StatusCode: status,
		Err:        fmt.Errorf("API error: %s", body),
	}
}

// TransportError classifies an error returned by http.Client.Do
func TransportError(provider ProviderType, err error) *Error {
	kind := KindTransient
	if errors.Is(err, context.Canceled) {
		kind = KindUnknown
	}
	return &Error{Kind: kind, Provider: provider, Err: fmt.Errorf("failed to send request: %w", err)}
}

// KindForStatus maps an HTTP status code to a failure kind
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout, status >= 500:
		return KindTransient
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthFailure
	case status == http.StatusBadRequest, status == http.StatusNotFound,
		status == http.StatusRequestEntityTooLarge, status == http.StatusUnprocessableEntity:
		return KindMalformedRequest
	}
	return KindUnknown
}

// KindOf extracts the failure kind from err
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable reports whether err is a rate-limit, transient network, or timeout failure
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}
