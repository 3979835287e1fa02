package session

import (
	"log/slog"
	"time"
)

// EmailMatch selects how an offline login email is compared with the cached one.
type EmailMatch int

const (
	// EmailMatchExact requires a byte-for-byte, case-sensitive match.
	EmailMatchExact EmailMatch = iota
	// EmailMatchFold compares after Unicode case folding.
	EmailMatchFold
)

// IdlePolicy decides what an idle user may still do.
type IdlePolicy int

const (
	// IdlePolicyNone tracks idleness without acting on it.
	IdlePolicyNone IdlePolicy = iota
	// IdlePolicyReauthSensitive requires re-authentication for sensitive
	// actions once the user is idle.
	IdlePolicyReauthSensitive
)

// Clock returns the current time.
type Clock func() time.Time

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now Clock) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithEmailMatch sets the offline email comparison policy.
// Default: EmailMatchExact.
func WithEmailMatch(m EmailMatch) Option {
	return func(s *Store) {
		s.emailMatch = m
	}
}

// WithIdlePolicy sets the policy applied by RequireFreshSession.
func WithIdlePolicy(p IdlePolicy, tracker *Tracker) Option {
	return func(s *Store) {
		s.idlePolicy = p
		s.tracker = tracker
	}
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRefreshTimeout bounds each renewal call. Default: DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCoordinatorLogger sets the coordinator's logger.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock overrides time.Now, for tests.
func WithTrackerClock(now Clock) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithTrackerLogger sets the tracker's logger.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithRefreshLeeway skips proactive refreshes while the access token stays
// valid for longer than d. Zero refreshes on every tick.
func WithRefreshLeeway(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.leeway = d
	}
}

// WithRefreshInterval overrides TokenRefreshInterval.
func WithRefreshInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}
