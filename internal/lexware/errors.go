package lexware

import (
	"errors"
	"fmt"
)

// Client error taxonomy.
var (
	// ErrConfiguration is returned before any request when the API key is missing.
	ErrConfiguration = errors.New("lexware API key is not configured")

	// ErrTransport is returned when no HTTP response was received.
	ErrTransport = errors.New("lexware transport failure")

	// ErrResponseTooLarge is returned instead of a truncated response body.
	ErrResponseTooLarge = errors.New("lexware response exceeds size limit")

	// ErrRateLimitExceeded is returned when the API still answers 429 after all retries.
	ErrRateLimitExceeded = errors.New("lexware rate limit exceeded")

	// ErrAPI matches every *APIError.
	ErrAPI = errors.New("lexware API error")
)

// APIError is a non-2xx response other than an exhausted 429.
type APIError struct {
	Method   string
	Endpoint string
	Status   int
	Message  string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("lexware API error: %s %s returned HTTP %d", e.Method, e.Endpoint, e.Status)
	}
	return fmt.Sprintf("lexware API error: %s %s returned HTTP %d: %s", e.Method, e.Endpoint, e.Status, e.Message)
}

// Is lets errors.Is(err, ErrAPI) match any APIError.
func (e *APIError) Is(target error) bool {
	return target == ErrAPI
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}

// IsPermanent reports whether retrying the same request cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
