package client

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProbe(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/api/health", r.URL.Path)
		// Any answer counts as reachable.
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	base, err := url.Parse(srv.URL + "/api")
	require.NoError(t, err)
	p := NewHTTPProbe(base, srv.Client(), quiet)
	require.True(t, p.IsOnline(t.Context()))
	require.Equal(t, int32(1), hits.Load())
}

func TestHTTPProbe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	srv.Close()

	p := NewHTTPProbe(base, nil, quiet)
	require.False(t, p.IsOnline(t.Context()))
}
