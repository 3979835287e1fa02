// Package client wires the session components to the school REST API and
// exposes an HTTP client whose requests carry, and renew, the user's token.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/schoolhub/sessionkeeper/session"
	"github.com/schoolhub/sessionkeeper/storage"
)

// Client is an authenticated API client with an explicit lifecycle:
// New, then Hydrate, optionally Start, and finally Close.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	store   *session.Store
	coord   *session.Coordinator
	tracker *session.Tracker
	probe   session.ReachabilityProbe
	logger  *slog.Logger

	mu      sync.Mutex
	stopRun context.CancelFunc
	runDone chan struct{}
}

// New builds a Client for the API at baseURL, persisting session state in durable.
func New(baseURL string, durable storage.DurableStore, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.transport == nil {
		o.transport = http.DefaultTransport
	}
	if o.probe == nil {
		o.probe = NewHTTPProbe(base, &http.Client{Transport: o.transport, Timeout: defaultProbeTimeout}, o.logger)
	}

	trackerOpts := []session.TrackerOption{session.WithTrackerLogger(o.logger)}
	if o.clock != nil {
		trackerOpts = append(trackerOpts, session.WithTrackerClock(o.clock))
	}
	tracker := session.NewTracker(durable, append(trackerOpts, o.trackerOpts...)...)

	backend := &HTTPBackend{
		baseURL: base,
		plain:   &http.Client{Transport: o.transport},
	}
	storeOpts := []session.Option{
		session.WithLogger(o.logger),
		session.WithEmailMatch(o.emailMatch),
		session.WithIdlePolicy(o.idlePolicy, tracker),
	}
	if o.clock != nil {
		storeOpts = append(storeOpts, session.WithClock(o.clock))
	}
	store := session.NewStore(durable, backend, o.probe, storeOpts...)
	coord := session.NewCoordinator(store, backend,
		session.WithRefreshTimeout(o.refreshTimeout),
		session.WithCoordinatorLogger(o.logger))
	authed := &http.Client{Transport: NewTransport(o.transport, store, coord, o.logger)}
	backend.authed = authed

	return &Client{
		baseURL: base,
		http:    authed,
		store:   store,
		coord:   coord,
		tracker: tracker,
		probe:   o.probe,
		logger:  o.logger.With("component", "client"),
	}, nil
}

// Store returns the session state store.
func (c *Client) Store() *session.Store { return c.store }

// Coordinator returns the refresh coordinator.
func (c *Client) Coordinator() *session.Coordinator { return c.coord }

// Tracker returns the activity tracker.
func (c *Client) Tracker() *session.Tracker { return c.tracker }

// HTTPClient returns the authorising HTTP client.
func (c *Client) HTTPClient() *http.Client { return c.http }

// IsOnline reports whether the backend is reachable.
func (c *Client) IsOnline(ctx context.Context) bool { return c.probe.IsOnline(ctx) }

// Hydrate restores the persisted session.
func (c *Client) Hydrate(ctx context.Context) error {
	return c.store.Hydrate(ctx)
}

// Login authenticates and records the interaction.
func (c *Client) Login(ctx context.Context, email, password string) (*session.UserRecord, error) {
	c.tracker.RecordActivity()
	return c.store.Login(ctx, email, password)
}

// Register creates an account; it fails with session.ErrOfflineUnavailable while offline.
func (c *Client) Register(ctx context.Context, req session.RegisterRequest) (*session.UserRecord, error) {
	c.tracker.RecordActivity()
	return c.store.Register(ctx, req)
}

// Logout ends the session, keeping the offline cache.
func (c *Client) Logout(ctx context.Context) error {
	return c.store.Logout(ctx)
}

// LogoutComplete ends the session and purges the offline cache.
func (c *Client) LogoutComplete(ctx context.Context) error {
	return c.store.LogoutComplete(ctx)
}

// Start launches the proactive refresh loop. It is a no-op if already running.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopRun != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.stopRun, c.runDone = cancel, done
	go func() {
		defer close(done)
		c.tracker.Run(ctx, c.coord, c.store, c.probe)
	}()
}

// Close stops background work, flushes the activity timestamp and drops
// in-memory credentials. Persisted state is kept.
func (c *Client) Close() error {
	c.mu.Lock()
	stop, done := c.stopRun, c.runDone
	c.stopRun, c.runDone = nil, nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	c.tracker.Close()
	c.store.Close()
	return nil
}

// Do sends req through the authorising transport.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// GetJSON fetches path and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// PostJSON sends in as JSON to path and decodes the response into out, which may be nil.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, in, out)
}

// PutJSON sends in as JSON to path and decodes the response into out, which may be nil.
func (c *Client) PutJSON(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPut, path, in, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := newJSONRequest(ctx, c.baseURL, method, path, in)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", session.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&body)
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %w", session.ErrNetwork, path, err)
	}
	return nil
}
