package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loggedIn returns an env with an online session for teacher().
func loggedIn(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t, true)
	env.backend.login = acceptingLogin(teacher())
	_, err := env.store.Login(t.Context(), "teacher@school.org", "pw")
	require.NoError(t, err)
	return env
}

func waitSubscribers(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.subscribers) == n
	}, 2*time.Second, time.Millisecond)
}

func TestCoordinator_SingleFlight(t *testing.T) {
	env := loggedIn(t)
	release := make(chan struct{})
	env.backend.refresh = func(_ context.Context, rt string) (*AuthResponse, error) {
		assert.Equal(t, "refresh-1", rt)
		<-release
		return &AuthResponse{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil
	}
	c := NewCoordinator(env.store, env.backend)

	const callers = 10
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg conc.WaitGroup
	for i := range callers {
		wg.Go(func() {
			tokens[i], errs[i] = c.Refresh(t.Context())
		})
	}
	waitSubscribers(t, c, callers)
	require.True(t, c.Refreshing())
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, "access-2", tokens[i])
	}
	require.Equal(t, int32(1), env.backend.refreshCalls.Load())
	require.False(t, c.Refreshing())
	waitSubscribers(t, c, 0)
	require.Equal(t, "access-2", env.store.AccessToken())
	require.Equal(t, "refresh-2", env.store.RefreshToken())
	requireValue(t, env.durable, keyRefreshToken, "refresh-2")
}

func TestCoordinator_FailureResolvesEveryCaller(t *testing.T) {
	env := loggedIn(t)
	release := make(chan struct{})
	env.backend.refresh = func(context.Context, string) (*AuthResponse, error) {
		<-release
		return nil, errors.New("refresh token revoked")
	}
	c := NewCoordinator(env.store, env.backend)

	const callers = 5
	errs := make([]error, callers)
	var wg conc.WaitGroup
	for i := range callers {
		wg.Go(func() {
			_, errs[i] = c.Refresh(t.Context())
		})
	}
	waitSubscribers(t, c, callers)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, ErrRefreshFailed)
	}
	require.False(t, c.Refreshing())
	// Failed renewal is a soft logout.
	require.Equal(t, StatusLoggedOut, env.store.Status())
	requireMissing(t, env.durable, keyRefreshToken)
	_, err := env.store.CachedIdentity()
	require.NoError(t, err)
}

func TestCoordinator_MissingRefreshToken(t *testing.T) {
	env := newTestEnv(t, true)
	c := NewCoordinator(env.store, env.backend)

	_, err := c.Refresh(t.Context())
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.Zero(t, env.backend.refreshCalls.Load())
	require.False(t, c.Refreshing())
}

func TestCoordinator_Timeout(t *testing.T) {
	env := loggedIn(t)
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	// A renewer that ignores cancellation entirely.
	env.backend.refresh = func(context.Context, string) (*AuthResponse, error) {
		<-stuck
		return nil, errors.New("unreachable")
	}
	c := NewCoordinator(env.store, env.backend, WithRefreshTimeout(20*time.Millisecond))

	_, err := c.Refresh(t.Context())
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, c.Refreshing())
	require.Equal(t, StatusLoggedOut, env.store.Status())
}

func TestCoordinator_CallerCancellationDoesNotAbortEpisode(t *testing.T) {
	env := loggedIn(t)
	release := make(chan struct{})
	var seenCtxErr error
	env.backend.refresh = func(ctx context.Context, _ string) (*AuthResponse, error) {
		<-release
		seenCtxErr = ctx.Err()
		return &AuthResponse{AccessToken: "access-2"}, nil
	}
	c := NewCoordinator(env.store, env.backend)

	ctx, cancel := context.WithCancel(t.Context())
	first := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx)
		first <- err
	}()
	waitSubscribers(t, c, 1)

	second := make(chan string, 1)
	go func() {
		token, _ := c.Refresh(t.Context())
		second <- token
	}()
	waitSubscribers(t, c, 2)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(release)
	require.Equal(t, "access-2", <-second)
	require.NoError(t, seenCtxErr)
	require.Equal(t, int32(1), env.backend.refreshCalls.Load())
	// The refresh token was not rotated.
	require.Equal(t, "refresh-1", env.store.RefreshToken())
}

func TestCoordinator_SequentialEpisodes(t *testing.T) {
	env := loggedIn(t)
	n := 0
	env.backend.refresh = func(context.Context, string) (*AuthResponse, error) {
		n++
		return &AuthResponse{AccessToken: "access-" + string(rune('a'+n))}, nil
	}
	c := NewCoordinator(env.store, env.backend)

	token, err := c.Refresh(t.Context())
	require.NoError(t, err)
	require.Equal(t, "access-b", token)

	token, err = c.Refresh(t.Context())
	require.NoError(t, err)
	require.Equal(t, "access-c", token)
	require.Equal(t, int32(2), env.backend.refreshCalls.Load())
}

func TestCoordinator_RefreshUpdatesUser(t *testing.T) {
	env := loggedIn(t)
	env.clock.Advance(2 * time.Hour)
	env.backend.refresh = func(context.Context, string) (*AuthResponse, error) {
		u := teacher()
		u.DisplayName = "Renamed"
		return &AuthResponse{AccessToken: "access-2", User: u}, nil
	}
	c := NewCoordinator(env.store, env.backend)

	_, err := c.Refresh(t.Context())
	require.NoError(t, err)
	require.Equal(t, "Renamed", env.store.User().DisplayName)
	cached, err := env.store.CachedIdentity()
	require.NoError(t, err)
	require.WithinDuration(t, t0.Add(2*time.Hour), cached.CachedAt, 0)
}

func TestCoordinator_EmptyAccessTokenFails(t *testing.T) {
	env := loggedIn(t)
	env.backend.refresh = func(context.Context, string) (*AuthResponse, error) {
		return &AuthResponse{}, nil
	}
	c := NewCoordinator(env.store, env.backend)

	_, err := c.Refresh(t.Context())
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.Equal(t, StatusLoggedOut, env.store.Status())
}

func TestCoordinator_LogoutDuringRefreshIsKept(t *testing.T) {
	tests := []struct {
		name  string
		purge bool
	}{
		{"soft", false},
		{"complete", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := loggedIn(t)
			release := make(chan struct{})
			env.backend.refresh = func(context.Context, string) (*AuthResponse, error) {
				<-release
				return &AuthResponse{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil
			}
			c := NewCoordinator(env.store, env.backend)

			done := make(chan error, 1)
			go func() {
				_, err := c.Refresh(t.Context())
				done <- err
			}()
			waitSubscribers(t, c, 1)

			if tt.purge {
				require.NoError(t, env.store.LogoutComplete(t.Context()))
			} else {
				require.NoError(t, env.store.Logout(t.Context()))
			}
			close(release)

			err := <-done
			require.ErrorIs(t, err, ErrRefreshFailed)
			require.ErrorIs(t, err, ErrSessionChanged)
			require.Equal(t, StatusLoggedOut, env.store.Status())
			require.Empty(t, env.store.AccessToken())
			requireMissing(t, env.durable, keyAccessToken)
			requireMissing(t, env.durable, keyRefreshToken)
		})
	}
}

func TestCoordinator_FailedRefreshSparesNewLogin(t *testing.T) {
	env := loggedIn(t)
	release := make(chan struct{})
	env.backend.refresh = func(context.Context, string) (*AuthResponse, error) {
		<-release
		return nil, errors.New("refresh token revoked")
	}
	c := NewCoordinator(env.store, env.backend)

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(t.Context())
		done <- err
	}()
	waitSubscribers(t, c, 1)

	require.NoError(t, env.store.Logout(t.Context()))
	_, err := env.store.Login(t.Context(), "teacher@school.org", "pw")
	require.NoError(t, err)
	close(release)

	require.ErrorIs(t, <-done, ErrRefreshFailed)
	waitSubscribers(t, c, 0)
	require.Equal(t, StatusAuthenticated, env.store.Status())
	require.Equal(t, "access-1", env.store.AccessToken())
	requireValue(t, env.durable, keyRefreshToken, "refresh-1")
}
