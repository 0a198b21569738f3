package transcription

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAPIKey is returned when an engine requires an API key.
	ErrNoAPIKey = errors.New("transcription: API key required")

	// ErrEmptyAudio is returned when there is nothing to transcribe.
	ErrEmptyAudio = errors.New("transcription: empty audio")

	// ErrBusy is returned by Coordinator.Transcribe while another
	// transcription is in flight.
	ErrBusy = errors.New("transcription: busy")

	// ErrClosed is returned after the coordinator was closed.
	ErrClosed = errors.New("transcription: coordinator closed")
)

// APIError is an error response from a transcription API.
type APIError struct {
	StatusCode int
	Message    string
	Provider   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transcription [%s]: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed if repeated.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// EngineError wraps an error with the engine name.
type EngineError struct {
	Engine string
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("transcription [%s]: %v", e.Engine, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// WrapError wraps err with engine context. It returns nil for a nil err.
func WrapError(engine string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Engine: engine, Err: err}
}
