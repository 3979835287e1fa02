package session

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schoolhub/sessionkeeper/storage/memory"
)

var t0 = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

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

type fakeProbe struct{ online atomic.Bool }

func newFakeProbe(online bool) *fakeProbe {
	p := &fakeProbe{}
	p.online.Store(online)
	return p
}

func (p *fakeProbe) IsOnline(context.Context) bool { return p.online.Load() }

// fakeBackend answers with whatever its function fields return. Nil fields
// fail the call with ErrNetwork.
type fakeBackend struct {
	login    func(email, password string) (*AuthResponse, error)
	refresh  func(ctx context.Context, refreshToken string) (*AuthResponse, error)
	me       func() (*UserRecord, error)
	register func(req RegisterRequest) (*UserRecord, error)

	loginCalls   atomic.Int32
	refreshCalls atomic.Int32
	meCalls      atomic.Int32
}

func (b *fakeBackend) Login(_ context.Context, email, password string) (*AuthResponse, error) {
	b.loginCalls.Add(1)
	if b.login == nil {
		return nil, ErrNetwork
	}
	return b.login(email, password)
}

func (b *fakeBackend) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	b.refreshCalls.Add(1)
	if b.refresh == nil {
		return nil, ErrNetwork
	}
	return b.refresh(ctx, refreshToken)
}

func (b *fakeBackend) Me(context.Context) (*UserRecord, error) {
	b.meCalls.Add(1)
	if b.me == nil {
		return nil, ErrNetwork
	}
	return b.me()
}

func (b *fakeBackend) Register(_ context.Context, req RegisterRequest) (*UserRecord, error) {
	if b.register == nil {
		return nil, ErrNetwork
	}
	return b.register(req)
}

func teacher() *UserRecord {
	return &UserRecord{
		ID:          "u-1",
		Email:       "teacher@school.org",
		Role:        "teacher",
		DisplayName: "Ada Teacher",
		SchoolID:    "school-1",
	}
}

// acceptingLogin returns a login func that accepts user with password "pw".
func acceptingLogin(user *UserRecord) func(string, string) (*AuthResponse, error) {
	return func(email, password string) (*AuthResponse, error) {
		if email != user.Email || password != "pw" {
			return nil, ErrInvalidCredentials
		}
		u := *user
		return &AuthResponse{AccessToken: "access-1", RefreshToken: "refresh-1", User: &u}, nil
	}
}

type testEnv struct {
	store   *Store
	durable *memory.Store
	backend *fakeBackend
	probe   *fakeProbe
	clock   *fakeClock
}

func newTestEnv(t *testing.T, online bool, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		durable: memory.New(),
		backend: &fakeBackend{},
		probe:   newFakeProbe(online),
		clock:   newFakeClock(t0),
	}
	opts = append([]Option{WithClock(env.clock.Now)}, opts...)
	env.store = NewStore(env.durable, env.backend, env.probe, opts...)
	t.Cleanup(env.store.Close)
	return env
}

// seedCache writes a cached identity as a previous online login would have.
func seedCache(t *testing.T, durable *memory.Store, user *UserRecord, at time.Time) {
	t.Helper()
	data, err := json.Marshal(user)
	require.NoError(t, err)
	require.NoError(t, durable.Put(keyUserData, data))
	require.NoError(t, durable.Put(keyLastLoginTime, []byte(strconv.FormatInt(at.UnixMilli(), 10))))
}

func seedTokens(t *testing.T, durable *memory.Store, access, refresh string) {
	t.Helper()
	require.NoError(t, durable.Put(keyAccessToken, []byte(access)))
	if refresh != "" {
		require.NoError(t, durable.Put(keyRefreshToken, []byte(refresh)))
	}
}

func requireMissing(t *testing.T, durable *memory.Store, key string) {
	t.Helper()
	_, err := durable.Get(key)
	require.Error(t, err, "expected %s to be absent", key)
}

func requireValue(t *testing.T, durable *memory.Store, key, want string) {
	t.Helper()
	got, err := durable.Get(key)
	require.NoError(t, err)
	require.Equal(t, want, string(got))
}
