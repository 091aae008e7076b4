package issuer

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a failed call against the issuing platform.
type APIError struct {
	Method    string
	Path      string
	Status    int
	Code      string
	Message   string
	Transient bool
	cause     error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("issuer %s %s: transport error: %s", e.Method, e.Path, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("issuer %s %s: status %d (%s): %s", e.Method, e.Path, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("issuer %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

type errorBody struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// IsTransient reports whether err is a network failure, a throttle or a 5xx
// that survived the client's own retries.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient
	}
	return false
}

// IsValidation reports whether the platform rejected the request itself (4xx).
func IsValidation(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Transient && apiErr.Status >= 400 && apiErr.Status < 500
	}
	return errors.Is(err, ErrMalformed)
}

// IsNotFound reports whether the platform answered 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusNotFound
	}
	return false
}

func transientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}
