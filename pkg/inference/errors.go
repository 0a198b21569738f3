package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNoAPIKey            = errors.New("inference: API key required")
	ErrNoModel             = errors.New("inference: model required")
	ErrProviderUnavailable = errors.New("inference: provider unavailable")
	ErrAllProvidersFailed  = errors.New("inference: all providers failed")
	ErrStreamClosed        = errors.New("inference: stream closed")
)

// APIError is a failure reported by a model server, either as an HTTP
// status or as an error event inside an open stream (StatusCode 0).
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	Provider   string
}

func (e *APIError) Error() string {
	where := fmt.Sprintf("status %d", e.StatusCode)
	if e.MidStream() {
		where = "mid-stream"
	}
	if e.Code != "" {
		return fmt.Sprintf("inference [%s]: %s (%s): %s", e.Provider, where, e.Code, e.Message)
	}
	return fmt.Sprintf("inference [%s]: %s: %s", e.Provider, where, e.Message)
}

// MidStream reports whether the error arrived after tokens may already have
// been delivered.
func (e *APIError) MidStream() bool { return e.StatusCode == 0 }

func (e *APIError) IsRateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// IsUnauthorized covers both 401 and 403.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

func (e *APIError) IsServerError() bool { return e.StatusCode >= 500 && e.StatusCode < 600 }

// IsRetryable reports whether opening the stream again may succeed. Errors
// inside a stream are never retried since part of the reply was spoken.
func (e *APIError) IsRetryable() bool { return e.IsRateLimited() || e.IsServerError() }

// decodeAPIError builds an APIError from an error body. OpenAI nests the
// message in an object; Ollama and some proxies send a bare string.
func decodeAPIError(provider string, status int, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: status,
		Message:    strings.TrimSpace(string(body)),
		Provider:   provider,
	}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &envelope) != nil || len(envelope.Error) == 0 {
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
		return apiErr
	}

	var detail struct {
		Message string          `json:"message"`
		Code    json.RawMessage `json:"code"`
	}
	var text string
	switch {
	case json.Unmarshal(envelope.Error, &text) == nil && text != "":
		apiErr.Message = text
	case json.Unmarshal(envelope.Error, &detail) == nil && detail.Message != "":
		apiErr.Message = detail.Message
		apiErr.Code = strings.Trim(string(detail.Code), `"`)
		if apiErr.Code == "null" {
			apiErr.Code = ""
		}
	}
	return apiErr
}

// ProviderError attaches the provider name to an error.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("inference [%s]: %v", e.Provider, e.Err) }

func (e *ProviderError) Unwrap() error { return e.Err }

// WrapError wraps err with the provider name. A nil err stays nil.
func WrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}

// ChainError collects the error of every provider a Chain tried, in order.
// It matches ErrAllProvidersFailed and unwraps to each collected error.
type ChainError struct {
	Errors []error
}

func (e *ChainError) Error() string {
	switch len(e.Errors) {
	case 0:
		return ErrAllProvidersFailed.Error()
	case 1:
		return fmt.Sprintf("inference chain: %v", e.Errors[0])
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("inference chain: %d providers failed: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *ChainError) Unwrap() []error { return e.Errors }

func (e *ChainError) Is(target error) bool { return target == ErrAllProvidersFailed }
