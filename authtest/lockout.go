package authtest

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	// MaxLoginFailures is the number of consecutive failed logins after
	// which an account is locked.
	MaxLoginFailures = 5
	baseLockout      = time.Minute
	maxLockout       = 15 * time.Minute
)

// lockout tracks failed logins per email with exponential backoff, the way
// the real backend throttles password guessing.
type lockout struct {
	mu       sync.Mutex
	now      func() time.Time
	failures map[string]*failureRecord
}

type failureRecord struct {
	count       int
	lockedUntil time.Time
}

func newLockout() *lockout {
	return &lockout{now: time.Now, failures: make(map[string]*failureRecord)}
}

// check reports whether email is locked and for how long.
func (l *lockout) check(email string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.failures[email]
	if !ok {
		return 0, false
	}
	if wait := rec.lockedUntil.Sub(l.now()); wait > 0 {
		return wait, true
	}
	return 0, false
}

func (l *lockout) recordFailure(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.failures[email]
	if !ok {
		rec = &failureRecord{}
		l.failures[email] = rec
	}
	rec.count++
	if rec.count < MaxLoginFailures {
		return
	}
	// baseLockout * 2^(count - MaxLoginFailures), capped.
	d := baseLockout
	for i := MaxLoginFailures; i < rec.count && d < maxLockout; i++ {
		d *= 2
	}
	rec.lockedUntil = l.now().Add(min(d, maxLockout))
}

func (l *lockout) recordSuccess(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, email)
}

func writeLocked(w http.ResponseWriter, wait time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(max(int(wait.Seconds()), 1)))
	writeError(w, http.StatusTooManyRequests, "too many failed login attempts; try again later")
}
