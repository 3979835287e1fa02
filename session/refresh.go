package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionWriter is the part of the Store the Coordinator drives. Every write
// is tied to the session generation read when the episode began.
type SessionWriter interface {
	RenewalState() (refreshToken string, generation uint64)
	SetSessionIfCurrent(ctx context.Context, generation uint64, tokens Tokens, user *UserRecord) error
	LogoutIfCurrent(ctx context.Context, generation uint64) (bool, error)
}

type refreshResult struct {
	token string
	err   error
}

// Coordinator serialises token renewal. However many callers ask for a
// refresh at once, one network call is made per episode and every caller
// receives that episode's outcome.
type Coordinator struct {
	session SessionWriter
	renewer Renewer
	timeout time.Duration
	logger  *slog.Logger

	// mu guards refreshing and subscribers.
	mu          sync.Mutex
	refreshing  bool
	subscribers []chan refreshResult
}

// NewCoordinator returns a Coordinator renewing through renewer and
// installing results into session.
func NewCoordinator(session SessionWriter, renewer Renewer, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		session: session,
		renewer: renewer,
		timeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "refresh")
	return c
}

// Refresh returns a fresh access token, joining the in-flight episode if
// there is one. Failures are reported as ErrRefreshFailed, after the session
// has been soft-logged-out. A session ended or replaced mid-episode is left
// alone and callers get ErrRefreshFailed wrapping ErrSessionChanged. If ctx
// ends first, Refresh returns ctx.Err() and the episode carries on for the
// remaining callers.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	ch := make(chan refreshResult, 1)

	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	if !c.refreshing {
		c.refreshing = true
		go c.run(context.WithoutCancel(ctx))
	}
	c.mu.Unlock()

	select {
	case res := <-ch:
		return res.token, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Refreshing reports whether an episode is in flight.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}

func (c *Coordinator) run(ctx context.Context) {
	refreshToken, generation := c.session.RenewalState()
	token, err := c.renew(ctx, refreshToken, generation)
	switch {
	case errors.Is(err, ErrSessionChanged):
		// A logout or new login won; the renewed credentials belong to nobody.
		c.logger.InfoContext(ctx, "discarding refresh for a replaced session")
	case err != nil:
		c.logger.WarnContext(ctx, "refresh failed, logging out", "error", err)
		if _, lerr := c.session.LogoutIfCurrent(ctx, generation); lerr != nil {
			c.logger.ErrorContext(ctx, "logout after failed refresh", "error", lerr)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	res := refreshResult{token: token, err: err}
	// Channels are buffered, so delivery never blocks, and every subscriber
	// is resolved before a new episode can start.
	for _, ch := range c.subscribers {
		ch <- res
	}
	c.subscribers = nil
	c.refreshing = false
}

func (c *Coordinator) renew(ctx context.Context, refreshToken string, generation uint64) (string, error) {
	if refreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token", ErrRefreshFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type renewal struct {
		resp *AuthResponse
		err  error
	}
	done := make(chan renewal, 1)
	go func() {
		resp, err := c.renewer.Refresh(ctx, refreshToken)
		done <- renewal{resp: resp, err: err}
	}()

	var r renewal
	select {
	case r = <-done:
	case <-ctx.Done():
		// The renewer ignored cancellation; resolve anyway.
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, ctx.Err())
	}
	if r.err != nil {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, r.err)
	}
	if r.resp == nil || r.resp.AccessToken == "" {
		return "", fmt.Errorf("%w: response carried no access token", ErrRefreshFailed)
	}
	user := r.resp.User
	if user != nil {
		if err := validateUser(user); err != nil {
			c.logger.WarnContext(ctx, "ignoring malformed user in refresh response", "error", err)
			user = nil
		}
	}
	if err := c.session.SetSessionIfCurrent(context.WithoutCancel(ctx), generation, r.resp.Tokens(), user); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	return r.resp.AccessToken, nil
}

// Refresher obtains a renewed access token. *Coordinator implements it.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

var _ Refresher = (*Coordinator)(nil)
