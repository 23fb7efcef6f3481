package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Wrap them with fmt.Errorf("%w: ...: %w", kind, cause) and
// classify with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrExtraction    = errors.New("extraction error")
	ErrEmbedding     = errors.New("embedding error")
	ErrIndex         = errors.New("index error")
	ErrNotFound      = errors.New("not found")
	ErrGeneration    = errors.New("generation error")
	ErrUnauthorized  = errors.New("unauthorized")
)

// ProviderError is returned by remote embedding/generation adapters when the
// provider answered with (or can be mapped to) an HTTP status.
//
// Malformed marks a response that arrived but could not be used (bad JSON,
// wrong vector count). Sending the same request again gets the same answer.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Malformed  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the request may succeed if sent again.
// Only rate limiting and server-side failures qualify; StatusCode 0 means the
// request never got an answer (transport failure).
func (e *ProviderError) Retryable() bool {
	switch {
	case e.Malformed:
		return false
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// HTTPStatus maps an error kind to the status code the API surface answers with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
