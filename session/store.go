package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/schoolhub/sessionkeeper/storage"
)

// Store is the single source of truth for the current session. It is the
// only writer of persisted tokens and of the cached identity; every mutation
// reaches the DurableStore before the call returns.
type Store struct {
	durable    storage.DurableStore
	backend    Backend
	probe      ReachabilityProbe
	offline    *OfflineManager
	logger     *slog.Logger
	now        Clock
	emailMatch EmailMatch
	idlePolicy IdlePolicy
	tracker    *Tracker

	// mu guards the live state and serialises writes to durable.
	mu        sync.RWMutex
	access    string
	refresh   *secret
	user      *UserRecord
	isOffline bool
	// generation changes whenever the session is replaced or ended, so a
	// renewal started for an older session cannot be installed.
	generation uint64
}

// NewStore creates a Store persisting to durable. A nil probe reports the
// backend as always reachable.
func NewStore(durable storage.DurableStore, backend Backend, probe ReachabilityProbe, opts ...Option) *Store {
	s := &Store{
		durable: durable,
		backend: backend,
		probe:   probe,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "session")
	if s.probe == nil {
		s.probe = AlwaysOnline
	}
	s.offline = NewOfflineManager(durable, s.now, s.emailMatch)
	return s
}

// Hydrate loads the persisted session at startup. A persisted access token
// is validated against the backend when reachable; otherwise the cached
// identity is restored as an offline session. Any failure ends in a full
// logout and is returned so the caller can route the user to login.
func (s *Store) Hydrate(ctx context.Context) error {
	access, err := s.readString(keyAccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.readString(keyRefreshToken)
	if err != nil {
		return err
	}
	user := s.readUser()

	s.mu.Lock()
	s.access = access
	s.refresh = newSecret(refresh)
	s.user = user
	s.isOffline = false
	s.generation++
	s.mu.Unlock()

	if access == "" {
		s.logger.DebugContext(ctx, "no persisted session")
		return nil
	}

	if s.probe.IsOnline(ctx) {
		me, err := s.backend.Me(ctx)
		if err == nil {
			err = validateUser(me)
		}
		if err == nil {
			return s.markValidated(me)
		}
		if !errors.Is(err, ErrNetwork) {
			s.logger.WarnContext(ctx, "persisted session rejected", "error", err)
			return errors.Join(err, s.LogoutComplete(ctx))
		}
		s.logger.WarnContext(ctx, "identity check failed, falling back to cache", "error", err)
	}

	email := ""
	if user != nil {
		email = user.Email
	}
	restored, err := s.offline.RestoreFromCache(email)
	if err != nil {
		s.logger.InfoContext(ctx, "offline restore refused", "error", err)
		return errors.Join(err, s.LogoutComplete(ctx))
	}
	s.mu.Lock()
	s.user = restored
	s.isOffline = true
	if s.access == "" {
		s.access = OfflineAccessToken
	}
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "restored offline session", "user_id", restored.ID)
	return nil
}

// Login authenticates email and password. While unreachable it falls back to
// the cached identity without any network call.
func (s *Store) Login(ctx context.Context, email, password string) (*UserRecord, error) {
	if err := validateStruct(credentials{Email: email, Password: password}); err != nil {
		return nil, err
	}
	if !s.probe.IsOnline(ctx) {
		return s.loginOffline(ctx, email)
	}

	resp, err := s.backend.Login(ctx, email, password)
	if err != nil {
		s.logger.InfoContext(ctx, "login failed", "error", err)
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: login response carried no access token", ErrNetwork)
	}
	if err := validateUser(resp.User); err != nil {
		return nil, err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	err = storage.Batch(s.durable, func(tx storage.BatchTx) error {
		if err := putTokens(tx, resp.Tokens()); err != nil {
			return err
		}
		if resp.RefreshToken == "" {
			if err := tx.Delete(keyRefreshToken); err != nil {
				return err
			}
		}
		return putCache(tx, resp.User, now)
	})
	if err != nil {
		return nil, fmt.Errorf("persisting login: %w", err)
	}
	s.access = resp.AccessToken
	s.refresh = newSecret(resp.RefreshToken)
	s.user = cloneUser(resp.User)
	s.isOffline = false
	s.generation++
	s.logger.InfoContext(ctx, "login succeeded", "user_id", resp.User.ID)
	return cloneUser(resp.User), nil
}

func (s *Store) loginOffline(ctx context.Context, email string) (*UserRecord, error) {
	user, err := s.offline.RestoreFromCache(email)
	if err != nil {
		s.logger.InfoContext(ctx, "offline login refused", "error", err)
		return nil, err
	}
	s.mu.Lock()
	if s.access == "" {
		s.access = OfflineAccessToken
	}
	s.user = user
	s.isOffline = true
	s.generation++
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "offline login", "user_id", user.ID)
	return cloneUser(user), nil
}

// Register creates an account. It is refused locally while unreachable.
func (s *Store) Register(ctx context.Context, req RegisterRequest) (*UserRecord, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if !s.probe.IsOnline(ctx) {
		return nil, ErrOfflineUnavailable
	}
	user, err := s.backend.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := validateUser(user); err != nil {
		return nil, err
	}
	return user, nil
}

// Logout clears the live tokens and user but keeps the cached identity so a
// later offline login can still succeed.
func (s *Store) Logout(ctx context.Context) error {
	return s.logout(ctx, false)
}

// LogoutComplete performs Logout and purges the cached identity and activity
// timestamp, leaving no local trace of the user.
func (s *Store) LogoutComplete(ctx context.Context) error {
	return s.logout(ctx, true)
}

// LogoutIfCurrent soft-logs-out only while generation is still the current
// session generation. It reports whether a logout happened.
func (s *Store) LogoutIfCurrent(ctx context.Context, generation uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		return false, nil
	}
	return true, s.logoutLocked(ctx, false)
}

func (s *Store) logout(ctx context.Context, purge bool) error {
	if purge && s.tracker != nil {
		// Stop pending activity writes before the timestamp is purged.
		s.tracker.Reset()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logoutLocked(ctx, purge)
}

func (s *Store) logoutLocked(ctx context.Context, purge bool) error {
	err := storage.Batch(s.durable, func(tx storage.BatchTx) error {
		keys := []string{keyAccessToken, keyRefreshToken}
		if purge {
			keys = append(keys, keyUserData, keyLastLoginTime, keyLastActivityTime)
		}
		for _, k := range keys {
			if err := tx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	// Memory is cleared even when persistence fails so revoked credentials
	// stop being attached to requests.
	s.access = ""
	s.refresh = nil
	s.user = nil
	s.isOffline = false
	s.generation++
	if err != nil {
		return fmt.Errorf("persisting logout: %w", err)
	}
	s.logger.InfoContext(ctx, "logged out", "purge_cache", purge)
	return nil
}

// SetSession atomically installs renewed credentials. An empty refresh token
// keeps the current one; a non-nil user also refreshes the cached identity.
func (s *Store) SetSession(ctx context.Context, tokens Tokens, user *UserRecord) error {
	return s.setSession(ctx, tokens, user, nil)
}

// SetSessionIfCurrent is SetSession for a renewal begun at generation. It
// fails with ErrSessionChanged once the session has been replaced or ended
// since, leaving the store untouched.
func (s *Store) SetSessionIfCurrent(ctx context.Context, generation uint64, tokens Tokens, user *UserRecord) error {
	return s.setSession(ctx, tokens, user, &generation)
}

func (s *Store) setSession(ctx context.Context, tokens Tokens, user *UserRecord, generation *uint64) error {
	if tokens.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", ErrInvalidInput)
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != nil && *generation != s.generation {
		return ErrSessionChanged
	}
	err := storage.Batch(s.durable, func(tx storage.BatchTx) error {
		if err := putTokens(tx, tokens); err != nil {
			return err
		}
		if user != nil {
			return putCache(tx, user, now)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	s.access = tokens.AccessToken
	if tokens.RefreshToken != "" {
		s.refresh = newSecret(tokens.RefreshToken)
	}
	if user != nil {
		s.user = cloneUser(user)
	}
	// The backend just accepted our refresh token.
	s.isOffline = false
	s.logger.DebugContext(ctx, "session updated", "rotated_refresh", tokens.RefreshToken != "")
	return nil
}

func (s *Store) markValidated(user *UserRecord) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := storage.Batch(s.durable, func(tx storage.BatchTx) error {
		return putCache(tx, user, now)
	})
	if err != nil {
		return fmt.Errorf("persisting identity: %w", err)
	}
	s.user = cloneUser(user)
	s.isOffline = false
	return nil
}

// RequireFreshSession gates sensitive actions. It fails when nobody is
// logged in, or when the idle policy demands re-authentication.
func (s *Store) RequireFreshSession() error {
	if s.Status() == StatusLoggedOut {
		return ErrReauthRequired
	}
	if s.idlePolicy == IdlePolicyReauthSensitive && s.tracker != nil && s.tracker.IsIdle() {
		return ErrReauthRequired
	}
	return nil
}

// AccessToken returns the token to attach to outbound requests.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RenewalState returns the refresh token together with the generation of
// the session it belongs to.
func (s *Store) RenewalState() (refreshToken string, generation uint64) {
	s.mu.RLock()
	r, gen := s.refresh, s.generation
	s.mu.RUnlock()
	return r.reveal(), gen
}

// RefreshToken returns the current refresh token, or "".
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	r := s.refresh
	s.mu.RUnlock()
	return r.reveal()
}

// User returns a copy of the current user, or nil.
func (s *Store) User() *UserRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneUser(s.user)
}

// Snapshot returns a copy of the live session.
func (s *Store) Snapshot() Session {
	s.mu.RLock()
	sess := Session{
		AccessToken:      s.access,
		User:             cloneUser(s.user),
		IsOfflineSession: s.isOffline,
	}
	r := s.refresh
	s.mu.RUnlock()
	sess.RefreshToken = r.reveal()
	return sess
}

// Status derives the display status of the live session.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Session{AccessToken: s.access, User: s.user, IsOfflineSession: s.isOffline}.Status()
}

// IsOfflineSession reports whether the user was restored without live validation.
func (s *Store) IsOfflineSession() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOffline
}

// RestoreFromCache exposes the offline eligibility check without changing
// the live session.
func (s *Store) RestoreFromCache(attemptedEmail string) (*UserRecord, error) {
	return s.offline.RestoreFromCache(attemptedEmail)
}

// CachedIdentity returns the cached identity, or ErrNoCachedSession.
func (s *Store) CachedIdentity() (*CachedIdentity, error) {
	return s.offline.CachedIdentity()
}

// Close drops in-memory credentials. Persisted state is left untouched.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = ""
	s.refresh = nil
	s.user = nil
}

func (s *Store) readString(key string) (string, error) {
	data, err := s.durable.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return string(data), nil
}

// readUser returns the persisted user, or nil when absent or unreadable.
func (s *Store) readUser() *UserRecord {
	data, err := s.durable.Get(keyUserData)
	if err != nil {
		return nil
	}
	var u UserRecord
	if err := json.Unmarshal(data, &u); err != nil {
		s.logger.Warn("discarding corrupt user data", "error", err)
		return nil
	}
	return &u
}

func putTokens(tx storage.BatchTx, t Tokens) error {
	if err := tx.Put(keyAccessToken, []byte(t.AccessToken)); err != nil {
		return err
	}
	if t.RefreshToken != "" {
		return tx.Put(keyRefreshToken, []byte(t.RefreshToken))
	}
	return nil
}

func putCache(tx storage.BatchTx, user *UserRecord, at time.Time) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}
	if err := tx.Put(keyUserData, data); err != nil {
		return err
	}
	return tx.Put(keyLastLoginTime, []byte(strconv.FormatInt(epochMillis(at), 10)))
}
