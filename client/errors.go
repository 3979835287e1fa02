package client

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is returned for non-2xx responses from business endpoints.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api error: %d %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401 that survived the refresh path.
func IsUnauthorized(err error) bool {
	apiErr, ok := errors.AsType[*APIError](err)
	return ok && apiErr.StatusCode == http.StatusUnauthorized
}

// Temporary reports whether the request may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}
