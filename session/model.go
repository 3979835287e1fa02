// Package session owns the client-side authentication state: the access and
// refresh token lifecycle, single-flight token renewal, a time-bounded
// offline fallback, and user activity tracking.
package session

import (
	"time"
)

const (
	// MaxOfflineSessionAge bounds how old a CachedIdentity may be and still
	// stand in for live authentication. The bound is inclusive.
	MaxOfflineSessionAge = 7 * 24 * time.Hour
	// IdleTimeout is the inactivity window after which the user is idle.
	IdleTimeout = 15 * time.Minute
	// ActivityThrottle limits how often the activity timestamp is persisted.
	ActivityThrottle = 30 * time.Second
	// TokenRefreshInterval is the period of the proactive refresh loop.
	TokenRefreshInterval = 10 * time.Minute
	// DefaultRefreshTimeout bounds a single renewal call.
	DefaultRefreshTimeout = 15 * time.Second

	// OfflineAccessToken is attached to requests during an offline session
	// when no real access token survived. It is never a valid credential.
	OfflineAccessToken = "offline-session"
)

// Keys in the DurableStore.
const (
	keyAccessToken      = "accessToken"
	keyRefreshToken     = "refreshToken"
	keyUserData         = "userData"
	keyLastLoginTime    = "lastLoginTime"
	keyLastActivityTime = "lastActivityTime"
)

// UserRecord is the authenticated identity as returned by the backend.
type UserRecord struct {
	ID          string `json:"id" validate:"required"`
	Email       string `json:"email" validate:"required,email"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	SchoolID    string `json:"school_id,omitempty"`
}

// Tokens is a credential pair issued by the backend. RefreshToken may be
// empty on renewal responses, meaning the existing one stays valid.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Session is a point-in-time copy of the live authentication state.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         *UserRecord
	// IsOfflineSession is true when User was restored from the cache
	// without validation against the backend in this process lifetime.
	IsOfflineSession bool
}

// CachedIdentity is the durable snapshot used only for offline recovery.
type CachedIdentity struct {
	UserData UserRecord
	CachedAt time.Time
}

// Status summarises a Session for display.
type Status int

const (
	StatusLoggedOut Status = iota
	StatusAuthenticated
	StatusOfflineAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusAuthenticated:
		return "authenticated"
	case StatusOfflineAuthenticated:
		return "offline_authenticated"
	default:
		return "logged_out"
	}
}

// Status derives the display status of the session.
func (s Session) Status() Status {
	switch {
	case s.User == nil || s.AccessToken == "":
		return StatusLoggedOut
	case s.IsOfflineSession:
		return StatusOfflineAuthenticated
	default:
		return StatusAuthenticated
	}
}

// AuthResponse is the body returned by the login and refresh endpoints.
type AuthResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	User         *UserRecord `json:"user,omitempty"`
}

// Tokens returns the credential pair carried by the response.
func (r *AuthResponse) Tokens() Tokens {
	return Tokens{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8"`
	DisplayName string `json:"display_name" validate:"required"`
	Role        string `json:"role,omitempty"`
	SchoolID    string `json:"school_id,omitempty"`
}

func cloneUser(u *UserRecord) *UserRecord {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func epochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromEpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
