package tts

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoAPIKey  = errors.New("tts: API key required")
	ErrNoVoiceID = errors.New("tts: voice ID required")

	// ErrConnectionClosed means a streaming connection ended before the
	// final audio arrived.
	ErrConnectionClosed = errors.New("tts: connection closed before final audio")

	ErrProviderUnavailable = errors.New("tts: no providers available")
	ErrAllProvidersFailed  = errors.New("tts: all providers failed")
)

// APIError is a failure reported by a synthesis service. Errors sent as
// messages on an open WebSocket have StatusCode 0 and carry the service's
// error code instead.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	Provider   string
}

func (e *APIError) Error() string {
	status := "stream"
	if e.StatusCode != 0 {
		status = fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("tts [%s]: %s %s: %s", e.Provider, status, e.Code, e.Message)
	}
	return fmt.Sprintf("tts [%s]: %s: %s", e.Provider, status, e.Message)
}

func (e *APIError) IsRateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// IsUnauthorized covers rejected keys (401) and keys lacking access to the
// voice or model (403).
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsQuotaExceeded reports an exhausted character quota, which no retry
// within the session will fix.
func (e *APIError) IsQuotaExceeded() bool {
	return e.Code == "quota_exceeded" || e.StatusCode == http.StatusPaymentRequired
}

func (e *APIError) IsServerError() bool { return e.StatusCode >= 500 && e.StatusCode < 600 }

// IsRetryable reports whether sending the same request again may succeed.
func (e *APIError) IsRetryable() bool { return e.IsRateLimited() || e.IsServerError() }

// ProviderError attaches the provider name to a transport or decode error.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("tts [%s]: %v", e.Provider, e.Err) }

func (e *ProviderError) Unwrap() error { return e.Err }

// WrapError wraps err with the provider name. A nil err stays nil.
func WrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}

// ChainError holds the error of every provider a Chain tried, in order. It
// matches ErrAllProvidersFailed.
type ChainError struct {
	Errors []error
}

func (e *ChainError) Error() string {
	switch len(e.Errors) {
	case 0:
		return ErrAllProvidersFailed.Error()
	case 1:
		return fmt.Sprintf("tts chain: %v", e.Errors[0])
	}
	return fmt.Sprintf("tts chain: all %d providers failed, last: %v", len(e.Errors), e.Errors[len(e.Errors)-1])
}

func (e *ChainError) Unwrap() []error { return e.Errors }

func (e *ChainError) Is(target error) bool { return target == ErrAllProvidersFailed }
