package tts

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrSynthesisFailed is returned when the engine answers with an error status.
	ErrSynthesisFailed = errors.New("tts: synthesis failed")

	// ErrTimeout is returned when a request deadline expires.
	ErrTimeout = errors.New("tts: timeout")

	// ErrEmptyText is returned for blank input.
	ErrEmptyText = errors.New("tts: empty text")

	// ErrProviderUnavailable is returned when the engine cannot be used on this host.
	ErrProviderUnavailable = errors.New("tts: provider unavailable")
)

// APIError represents an error response from a TTS API.
// It matches ErrSynthesisFailed with errors.Is.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the error message from the API.
	Message string

	// Provider identifies which provider returned the error.
	Provider string

	// Step names the protocol step that failed (e.g. audio_query).
	Step string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("tts [%s]: %s: API error %d: %s", e.Provider, e.Step, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("tts [%s]: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Is reports whether target is ErrSynthesisFailed.
func (e *APIError) Is(target error) bool {
	return target == ErrSynthesisFailed
}

// IsRateLimited returns true if this is a rate limit error (HTTP 429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsServerError returns true if this is a server-side error (HTTP 5xx).
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsRetryable returns true if the request should be retried.
func (e *APIError) IsRetryable() bool {
	return e.IsRateLimited() || e.IsServerError()
}

// ProviderError wraps an error with provider context.
type ProviderError struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("tts [%s]: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with provider context.
func WrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}

// IsTimeout reports whether err is a synthesis timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
