package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/text/cases"

	"github.com/schoolhub/sessionkeeper/storage"
)

// OfflineManager decides whether a cached identity may stand in for live
// authentication. It only reads the cache and never touches the network;
// reachability is the caller's concern.
type OfflineManager struct {
	durable storage.DurableStore
	now     Clock
	match   EmailMatch
}

// NewOfflineManager returns a manager reading the cache from durable.
// A nil clock means time.Now.
func NewOfflineManager(durable storage.DurableStore, now Clock, match EmailMatch) *OfflineManager {
	if now == nil {
		now = time.Now
	}
	return &OfflineManager{durable: durable, now: now, match: match}
}

// CachedIdentity reads the cached identity. It returns ErrNoCachedSession
// when nothing usable is stored.
func (m *OfflineManager) CachedIdentity() (*CachedIdentity, error) {
	data, err := m.durable.Get(keyUserData)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoCachedSession
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached user: %w", err)
	}
	var user UserRecord
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("%w: corrupt user data: %v", ErrNoCachedSession, err)
	}

	raw, err := m.durable.Get(keyLastLoginTime)
	if errors.Is(err, storage.ErrNotFound) {
		// Without a timestamp the age cannot be bounded.
		return nil, ErrNoCachedSession
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache timestamp: %w", err)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt cache timestamp: %v", ErrNoCachedSession, err)
	}
	return &CachedIdentity{UserData: user, CachedAt: fromEpochMillis(ms)}, nil
}

// RestoreFromCache returns the cached user when it is fresh enough and, if
// attemptedEmail is non-empty, belongs to that email. A stale cache is
// reported as ErrCacheExpired but left in place.
func (m *OfflineManager) RestoreFromCache(attemptedEmail string) (*UserRecord, error) {
	cached, err := m.CachedIdentity()
	if err != nil {
		return nil, err
	}
	if m.now().Sub(cached.CachedAt) > MaxOfflineSessionAge {
		return nil, ErrCacheExpired
	}
	if attemptedEmail != "" && !m.emailsMatch(attemptedEmail, cached.UserData.Email) {
		return nil, EmailMismatchError{CachedEmail: cached.UserData.Email}
	}
	user := cached.UserData
	return &user, nil
}

func (m *OfflineManager) emailsMatch(attempted, cached string) bool {
	if m.match == EmailMatchFold {
		// A Caser is stateful; use a fresh one per comparison.
		return cases.Fold().String(attempted) == cases.Fold().String(cached)
	}
	return attempted == cached
}
