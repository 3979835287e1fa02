package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/schoolhub/sessionkeeper/session"
)

// maxResponseSize caps decoded response bodies.
const maxResponseSize = 1 << 20

// HTTPBackend implements session.Backend against the REST API.
// Login, refresh and register go out unauthenticated; Me goes through the
// authorising transport so an expired token is renewed on the way.
type HTTPBackend struct {
	baseURL *url.URL
	plain   *http.Client
	authed  *http.Client
}

var _ session.Backend = (*HTTPBackend)(nil)

func (b *HTTPBackend) Login(ctx context.Context, email, password string) (*session.AuthResponse, error) {
	body := map[string]string{"email": email, "password": password}
	var out session.AuthResponse
	status, err := b.do(ctx, b.plain, http.MethodPost, "/auth/login", body, &out)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, session.ErrInvalidCredentials
	case status/100 != 2:
		// Lockouts and outages are not a verdict on the credentials.
		return nil, fmt.Errorf("%w: login: %w", session.ErrNetwork, &APIError{StatusCode: status})
	}
	return &out, nil
}

func (b *HTTPBackend) Refresh(ctx context.Context, refreshToken string) (*session.AuthResponse, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var out session.AuthResponse
	status, err := b.do(ctx, b.plain, http.MethodPost, "/auth/refresh", body, &out)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, &APIError{StatusCode: status, Message: "refresh rejected"}
	}
	return &out, nil
}

func (b *HTTPBackend) Me(ctx context.Context) (*session.UserRecord, error) {
	var out session.UserRecord
	status, err := b.do(ctx, b.authed, http.MethodGet, "/auth/me", nil, &out)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, session.ErrUnauthorized
	case status/100 != 2:
		return nil, fmt.Errorf("%w: identity check returned %d", session.ErrNetwork, status)
	}
	return &out, nil
}

func (b *HTTPBackend) Register(ctx context.Context, req session.RegisterRequest) (*session.UserRecord, error) {
	var out session.UserRecord
	status, err := b.do(ctx, b.plain, http.MethodPost, "/auth/register", req, &out)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, &APIError{StatusCode: status, Message: "registration rejected"}
	}
	return &out, nil
}

// do sends a JSON request and decodes a 2xx JSON response into out. Transport
// and decoding failures are reported as session.ErrNetwork; other statuses
// are returned for the caller to classify.
func (b *HTTPBackend) do(ctx context.Context, c *http.Client, method, path string, in, out any) (int, error) {
	req, err := newJSONRequest(ctx, b.baseURL, method, path, in)
	if err != nil {
		return 0, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %w", session.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 || out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: decoding %s response: %w", session.ErrNetwork, path, err)
	}
	return resp.StatusCode, nil
}

func newJSONRequest(ctx context.Context, base *url.URL, method, path string, in any) (*http.Request, error) {
	u := base.JoinPath(strings.TrimPrefix(path, "/"))
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding %s body: %w", path, err)
		}
		// bytes.Reader lets NewRequest set GetBody, so the request can be replayed.
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
