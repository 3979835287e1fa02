package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/schoolhub/sessionkeeper/session"
)

type options struct {
	transport      http.RoundTripper
	probe          session.ReachabilityProbe
	logger         *slog.Logger
	clock          session.Clock
	refreshTimeout time.Duration
	emailMatch     session.EmailMatch
	idlePolicy     session.IdlePolicy
	trackerOpts    []session.TrackerOption
}

// Option configures a Client.
type Option func(*options)

// WithTransport sets the underlying RoundTripper. Default: http.DefaultTransport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

// WithProbe replaces the default HTTP reachability probe.
func WithProbe(p session.ReachabilityProbe) Option {
	return func(o *options) {
		o.probe = p
	}
}

// WithLogger sets the structured logger shared by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides time.Now in the session components, for tests.
func WithClock(now session.Clock) Option {
	return func(o *options) {
		o.clock = now
	}
}

// WithRefreshTimeout bounds each token renewal call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *options) {
		o.refreshTimeout = d
	}
}

// WithEmailMatch sets the offline email comparison policy.
func WithEmailMatch(m session.EmailMatch) Option {
	return func(o *options) {
		o.emailMatch = m
	}
}

// WithIdlePolicy sets what an idle user may still do.
func WithIdlePolicy(p session.IdlePolicy) Option {
	return func(o *options) {
		o.idlePolicy = p
	}
}

// WithTrackerOptions passes options through to the activity tracker.
func WithTrackerOptions(opts ...session.TrackerOption) Option {
	return func(o *options) {
		o.trackerOpts = append(o.trackerOpts, opts...)
	}
}
