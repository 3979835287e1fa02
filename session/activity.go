package session

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/schoolhub/sessionkeeper/storage"
)

// TokenHolder exposes the credentials the proactive refresh loop inspects.
type TokenHolder interface {
	AccessToken() string
	RefreshToken() string
}

// Tracker records when the user last interacted with the application.
// The timestamp is kept in memory on every call and written to durable
// storage at most once per ActivityThrottle.
type Tracker struct {
	durable  storage.DurableStore
	now      Clock
	logger   *slog.Logger
	interval time.Duration
	leeway   time.Duration

	// mu guards the fields below and is held across durable writes, so a
	// Reset is never followed by a write it cancelled.
	mu      sync.Mutex
	last    time.Time
	pending *time.Timer
	epoch   uint64
	closed  bool
}

// NewTracker returns a Tracker seeded from the persisted activity timestamp,
// or from the current time when none is stored.
func NewTracker(durable storage.DurableStore, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		durable:  durable,
		now:      time.Now,
		interval: TokenRefreshInterval,
		leeway:   TokenRefreshInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "activity")
	t.last = t.load()
	return t
}

func (t *Tracker) load() time.Time {
	raw, err := t.durable.Get(keyLastActivityTime)
	if err != nil {
		return t.now()
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return t.now()
	}
	return fromEpochMillis(ms)
}

// RecordActivity marks the user as active now.
func (t *Tracker) RecordActivity() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = t.now()
	if t.pending == nil && !t.closed {
		epoch := t.epoch
		t.pending = time.AfterFunc(ActivityThrottle, func() { t.persist(epoch) })
	}
}

func (t *Tracker) persist(epoch uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch != t.epoch {
		return
	}
	t.pending = nil
	t.write(t.last)
}

func (t *Tracker) write(last time.Time) {
	v := strconv.FormatInt(epochMillis(last), 10)
	if err := t.durable.Put(keyLastActivityTime, []byte(v)); err != nil {
		t.logger.Warn("persisting activity timestamp", "error", err)
	}
}

// LastActivity returns the time of the most recent recorded interaction.
func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// IsIdle reports whether more than IdleTimeout has passed since the last
// recorded interaction.
func (t *Tracker) IsIdle() bool {
	t.mu.Lock()
	last := t.last
	t.mu.Unlock()
	return t.now().Sub(last) > IdleTimeout
}

// Flush writes a pending timestamp immediately.
func (t *Tracker) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil || !t.pending.Stop() {
		// Nothing armed, or the timer already fired and is waiting for mu.
		return
	}
	t.pending = nil
	t.write(t.last)
}

// Reset drops any unwritten timestamp and restarts the activity clock at
// now. It does not touch durable storage; callers purging the persisted
// timestamp do so after Reset returns.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.epoch++
	t.last = t.now()
}

// Close flushes and stops accepting new persistence timers.
func (t *Tracker) Close() {
	t.Flush()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Run proactively refreshes the access token every interval while the user
// is active and the backend reachable. It blocks until ctx is done.
// Missing a tick is harmless: expired tokens are still renewed on 401.
func (t *Tracker) Run(ctx context.Context, refresher Refresher, tokens TokenHolder, probe ReachabilityProbe) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx, refresher, tokens, probe)
		}
	}
}

// tick reports whether a refresh was attempted.
func (t *Tracker) tick(ctx context.Context, refresher Refresher, tokens TokenHolder, probe ReachabilityProbe) bool {
	if t.IsIdle() || tokens.RefreshToken() == "" {
		return false
	}
	if exp, ok := TokenExpiry(tokens.AccessToken()); ok && exp.Sub(t.now()) > t.leeway {
		return false
	}
	if !probe.IsOnline(ctx) {
		return false
	}
	if _, err := refresher.Refresh(ctx); err != nil {
		t.logger.WarnContext(ctx, "proactive refresh failed", "error", err)
	}
	return true
}
