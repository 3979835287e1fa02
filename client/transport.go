package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/schoolhub/sessionkeeper/session"
)

// maxAuthRetries is how many times one request may be resubmitted after a 401.
const maxAuthRetries = 1

// TokenSource supplies the access token to attach to requests.
type TokenSource interface {
	AccessToken() string
}

// attempt travels in the request context. Each resubmission gets a new
// value; the original request is never mutated.
type attempt struct {
	retries   int
	requestID string
}

type attemptKey struct{}

func attemptFrom(ctx context.Context) attempt {
	a, _ := ctx.Value(attemptKey{}).(attempt)
	return a
}

// Transport is the single choke point for authorised API calls. It attaches
// the current bearer token and, on a 401, drives one token refresh and
// resubmits the request once with the new token.
type Transport struct {
	base      http.RoundTripper
	tokens    TokenSource
	refresher session.Refresher
	logger    *slog.Logger
}

var _ http.RoundTripper = (*Transport)(nil)

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, tokens TokenSource, refresher session.Refresher, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		base:      base,
		tokens:    tokens,
		refresher: refresher,
		logger:    logger.With("component", "transport"),
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	att := attemptFrom(req.Context())
	if att.requestID == "" {
		att.requestID = req.Header.Get("X-Request-ID")
		if att.requestID == "" {
			att.requestID = uuid.NewString()
		}
	}

	first := authorize(req, req.Body, att, t.tokens.AccessToken())
	resp, err := t.base.RoundTrip(first)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || att.retries >= maxAuthRetries {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		t.logger.DebugContext(req.Context(), "401 on non-replayable request, not retrying",
			"method", req.Method, "path", req.URL.Path)
		return resp, nil
	}

	token, rerr := t.refresher.Refresh(req.Context())
	if rerr != nil {
		// The session is already logged out; surface the original 401.
		t.logger.InfoContext(req.Context(), "refresh failed, returning 401",
			"path", req.URL.Path, "error", rerr)
		return resp, nil
	}

	var body io.ReadCloser
	if req.GetBody != nil {
		body, err = req.GetBody()
		if err != nil {
			return resp, nil
		}
	}
	drain(resp)

	att.retries++
	t.logger.DebugContext(req.Context(), "retrying after refresh",
		"method", req.Method, "path", req.URL.Path, "request_id", att.requestID)
	return t.base.RoundTrip(authorize(req, body, att, token))
}

// authorize returns a copy of req carrying token, body and att.
func authorize(req *http.Request, body io.ReadCloser, att attempt, token string) *http.Request {
	out := req.Clone(context.WithValue(req.Context(), attemptKey{}, att))
	out.Body = body
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}
	out.Header.Set("X-Request-ID", att.requestID)
	return out
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
}
