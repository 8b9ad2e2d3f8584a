package kaggle

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for API operations.
var (
	// ErrUnauthorized indicates the credentials were rejected.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound indicates the kernel (or its output) does not exist.
	ErrNotFound = errors.New("kernel not found")

	// ErrRateLimited indicates the API throttled the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable indicates a server-side failure.
	ErrUnavailable = errors.New("kaggle api unavailable")

	// ErrPushRejected indicates the push call returned an error payload.
	ErrPushRejected = errors.New("kernel push rejected")
)

// APIError wraps a failed API call with context.
type APIError struct {
	// Op is the operation that failed (e.g., "Push", "Status").
	Op string

	// Kernel is the "<user>/<slug>" reference, if applicable.
	Kernel string

	// StatusCode is the HTTP status, or 0 if the request never completed.
	StatusCode int

	// Message is the server-provided detail, if any.
	Message string

	// Err is the underlying error.
	Err error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("kaggle %s", e.Op)
	if e.Kernel != "" {
		msg += " " + e.Kernel
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": http %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func sentinelForStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code >= 500:
		return ErrUnavailable
	default:
		return nil
	}
}

// IsNotFound returns true if the error indicates a missing kernel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnauthorized returns true if the credentials were rejected.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
