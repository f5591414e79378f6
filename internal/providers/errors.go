package providers

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies provider failures so each layer retries or surfaces them
// appropriately.
type Kind int

const (
	KindTransient Kind = iota // network blips, 5xx — retried
	KindRateLimited           // 429 — retried with backoff, honors Retry-After
	KindAuth                  // 401/403 — fatal until credentials change
	KindBadRequest            // 4xx other than auth/rate — caller bug, not retried
	KindFatal                 // everything else unrecoverable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindBadRequest:
		return "bad_request"
	default:
		return "fatal"
	}
}

// ProviderError wraps a provider failure with its classification.
type ProviderError struct {
	Provider   string
	Kind       Kind
	Status     int // HTTP status when applicable, 0 otherwise
	RetryAfter int // seconds, from Retry-After header when present
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Err, e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retriable reports whether the failure is worth retrying.
func (e *ProviderError) Retriable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindBadRequest
	default:
		return KindFatal
	}
}

// wrapTransportErr classifies a transport-level error (no HTTP response).
// Cancellation is fatal; anything else (DNS, resets, timeouts) gets a
// retry.
func wrapTransportErr(provider string, err error) *ProviderError {
	kind := KindTransient
	if errors.Is(err, context.Canceled) {
		kind = KindFatal
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// IsRetriable reports whether err is a retriable provider failure.
func IsRetriable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retriable()
	}
	return false
}
