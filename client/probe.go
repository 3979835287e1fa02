package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/schoolhub/sessionkeeper/session"
)

const (
	defaultProbeTimeout  = 3 * time.Second
	defaultProbeAttempts = 2
	probeRetryDelay      = 250 * time.Millisecond
)

// HTTPProbe reports the backend reachable when its health endpoint answers
// at all; any HTTP status counts, only transport failures do not.
type HTTPProbe struct {
	url      string
	client   *http.Client
	attempts uint
	logger   *slog.Logger
}

var _ session.ReachabilityProbe = (*HTTPProbe)(nil)

// NewHTTPProbe probes base + "/health". A nil client gets a short timeout.
func NewHTTPProbe(base *url.URL, client *http.Client, logger *slog.Logger) *HTTPProbe {
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProbe{
		url:      base.JoinPath("health").String(),
		client:   client,
		attempts: defaultProbeAttempts,
		logger:   logger.With("component", "probe"),
	}
}

func (p *HTTPProbe) IsOnline(ctx context.Context) bool {
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := p.client.Do(req)
			if err != nil {
				return err
			}
			io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
			resp.Body.Close()
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(probeRetryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		p.logger.DebugContext(ctx, "backend unreachable", "url", p.url, "error", err)
		return false
	}
	return true
}
