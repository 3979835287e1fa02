package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork indicates a request could not be sent or its response not received.
	ErrNetwork = errors.New("network error")
	// ErrInvalidCredentials indicates the backend rejected a login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized indicates the backend rejected the current access token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRefreshFailed indicates the renewal endpoint rejected or failed the refresh.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrNoCachedSession indicates no cached identity exists for offline use.
	ErrNoCachedSession = errors.New("no cached session")
	// ErrCacheExpired indicates the cached identity is older than MaxOfflineSessionAge.
	ErrCacheExpired = errors.New("cached session expired")
	// ErrOfflineUnavailable indicates an online-only operation was attempted while unreachable.
	ErrOfflineUnavailable = errors.New("operation requires network connectivity")
	// ErrReauthRequired indicates the idle policy demands fresh authentication.
	ErrReauthRequired = errors.New("re-authentication required")
	// ErrInvalidInput indicates caller-provided data failed validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSessionChanged indicates the session was replaced or ended while a
	// renewal was in flight.
	ErrSessionChanged = errors.New("session changed during refresh")
)

// EmailMismatchError is returned when an offline login names a different
// user than the one cached on this device.
type EmailMismatchError struct {
	CachedEmail string
}

func (e EmailMismatchError) Error() string {
	return fmt.Sprintf("only the last logged-in user (%s) may access offline", e.CachedEmail)
}
