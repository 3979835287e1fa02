package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/schoolhub/sessionkeeper/storage"
)

// offlineLoginKey holds the email of a user who logged in offline. An
// offline session lives only in memory, so later invocations act as that
// user while the API stays unreachable and the cached identity is valid.
const offlineLoginKey = "cli:offlineLogin"

var errNotLoggedIn = errors.New("not logged in")

// rememberLogin records or clears the offline-login marker after a login.
func (a *app) rememberLogin(email string) error {
	if a.client.Store().IsOfflineSession() {
		return a.db.Put(offlineLoginKey, []byte(email))
	}
	return a.forgetOfflineLogin()
}

func (a *app) forgetOfflineLogin() error {
	if err := a.db.Delete(offlineLoginKey); err != nil {
		return fmt.Errorf("clearing offline login: %w", err)
	}
	return nil
}

// requireIdentity accepts a live session, or an offline login made by an
// earlier invocation while the API is still unreachable.
func (a *app) requireIdentity(ctx context.Context) error {
	store := a.client.Store()
	if store.User() != nil {
		return nil
	}
	raw, err := a.db.Get(offlineLoginKey)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: run login first", errNotLoggedIn)
	}
	if err != nil {
		return err
	}
	if a.client.IsOnline(ctx) {
		return fmt.Errorf("%w: back online, run login again", errNotLoggedIn)
	}
	if _, err := store.RestoreFromCache(string(raw)); err != nil {
		return fmt.Errorf("%w: %w", errNotLoggedIn, err)
	}
	return nil
}
