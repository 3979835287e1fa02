package session

import "context"

// Backend is the authentication API consumed by the session layer.
//
// Implementations map transport failures to ErrNetwork, a rejected login to
// ErrInvalidCredentials and a rejected access token to ErrUnauthorized.
type Backend interface {
	Login(ctx context.Context, email, password string) (*AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error)
	// Me validates the current access token and returns its identity.
	Me(ctx context.Context) (*UserRecord, error)
	Register(ctx context.Context, req RegisterRequest) (*UserRecord, error)
}

// Renewer exchanges a refresh token for new credentials.
type Renewer interface {
	Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error)
}

// ReachabilityProbe reports whether the backend can currently be reached.
type ReachabilityProbe interface {
	IsOnline(ctx context.Context) bool
}

// ProbeFunc adapts a function to ReachabilityProbe.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) IsOnline(ctx context.Context) bool { return f(ctx) }

// AlwaysOnline is a probe for environments without reachability detection.
var AlwaysOnline ReachabilityProbe = ProbeFunc(func(context.Context) bool { return true })
