package render

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// TestClientScrape sends the wire request and decodes the page.
func TestClientScrape(t *testing.T) {
	t.Parallel()

	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"content":"<html>hi</html>","pageStatusCode":200,"pageError":""}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{Endpoint: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	resp, err := c.Scrape(context.Background(), crawler.ScrapeRequest{
		URL:     "https://example.com",
		WaitFor: 250 * time.Millisecond,
		Headers: map[string]string{"X-Test": "1"},
	})
	require.NoError(t, err)
	require.Equal(t, "<html>hi</html>", resp.Content)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "render", resp.Engine)

	require.Equal(t, "https://example.com", got.URL)
	require.EqualValues(t, 250, got.WaitAfterLoad)
	require.Equal(t, "1", got.Headers["X-Test"])
}

// TestClientClassifiesFailures maps transport failures to error kinds.
func TestClientClassifiesFailures(t *testing.T) {
	t.Parallel()

	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		t.Cleanup(srv.Close)
		requireKind(t, srv.URL, time.Second, KindStatus)
	})

	t.Run("parse", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		t.Cleanup(srv.Close)
		requireKind(t, srv.URL, time.Second, KindParse)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		t.Cleanup(srv.Close)
		requireKind(t, srv.URL, 50*time.Millisecond, KindTimeout)
	})

	t.Run("connection", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()
		requireKind(t, addr, time.Second, KindConnection)
	})
}

func requireKind(t *testing.T, endpoint string, timeout time.Duration, want Kind) {
	t.Helper()
	c, err := New(Config{Endpoint: endpoint, Timeout: timeout})
	require.NoError(t, err)
	resp, err := c.Scrape(context.Background(), crawler.ScrapeRequest{URL: "https://example.com"})
	var renderErr *Error
	require.True(t, errors.As(err, &renderErr), "error %v", err)
	require.Equal(t, want, renderErr.Kind)
	require.Empty(t, resp.Content)
	require.NotEmpty(t, resp.Error)
}
