package client

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schoolhub/sessionkeeper/authtest"
	"github.com/schoolhub/sessionkeeper/storage/memory"
)

const (
	testEmail    = "teacher@school.org"
	testPassword = authtest.DefaultPassword
)

var t0 = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

var quiet = slog.New(slog.DiscardHandler)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type switchProbe struct{ online atomic.Bool }

func newSwitchProbe(online bool) *switchProbe {
	p := &switchProbe{}
	p.online.Store(online)
	return p
}

func (p *switchProbe) IsOnline(context.Context) bool { return p.online.Load() }

func newBackend(t *testing.T) *authtest.Server {
	t.Helper()
	srv := authtest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddUser(testEmail, "", "teacher", "Ada Teacher")
	return srv
}

func newTestClient(t *testing.T, srv *authtest.Server, durable *memory.Store, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(quiet)}, opts...)
	c, err := New(srv.URL, durable, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func loggedInClient(t *testing.T, srv *authtest.Server, opts ...Option) *Client {
	t.Helper()
	c := newTestClient(t, srv, memory.New(), opts...)
	_, err := c.Login(t.Context(), testEmail, testPassword)
	require.NoError(t, err)
	return c
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }

type stubRefresher struct {
	token string
	err   error
	calls atomic.Int32
}

func (r *stubRefresher) Refresh(context.Context) (string, error) {
	r.calls.Add(1)
	return r.token, r.err
}
