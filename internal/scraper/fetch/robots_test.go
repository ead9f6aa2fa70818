package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubRoundTripper struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *stubRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("User-agent: *\nDisallow: /private")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// TestRobotsFetcherReturnsBody downloads robots.txt from the page origin.
func TestRobotsFetcherReturnsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/robots.txt", r.URL.Path)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /b"))
	}))
	t.Cleanup(srv.Close)

	body, err := NewRobotsFetcher(nil, "", time.Second).Fetch(context.Background(), srv.URL+"/deep/page?q=1")
	require.NoError(t, err)
	require.Contains(t, body, "Disallow: /b")
}

// TestRobotsFetcherMissingAllowsAll treats 404 as no restrictions.
func TestRobotsFetcherMissingAllowsAll(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	body, err := NewRobotsFetcher(nil, "", time.Second).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, AllowAll, body)
}

// TestRobotsFetcherRetriesTLSTimeout retries then succeeds.
func TestRobotsFetcherRetriesTLSTimeout(t *testing.T) {
	t.Parallel()

	rt := &stubRoundTripper{errs: []error{context.DeadlineExceeded, context.DeadlineExceeded}}
	f := NewRobotsFetcher(rt, "", time.Second)
	f.backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}

	body, err := f.Fetch(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Contains(t, body, "Disallow: /private")
	require.Equal(t, 3, rt.calls)
}

// TestRobotsFetcherFallsBackAfterRetries assumes allow-all once retries run out.
func TestRobotsFetcherFallsBackAfterRetries(t *testing.T) {
	t.Parallel()

	rt := &stubRoundTripper{errs: []error{
		context.DeadlineExceeded, context.DeadlineExceeded,
		context.DeadlineExceeded, context.DeadlineExceeded,
	}}
	f := NewRobotsFetcher(rt, "", time.Second)
	f.backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}

	body, err := f.Fetch(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, AllowAll, body)
	require.Equal(t, 4, rt.calls)
}
