package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/crawl"
	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/frontier"
	frontiermem "github.com/JakeFAU/crawlq/internal/frontier/memory"
	"github.com/JakeFAU/crawlq/internal/lock"
	lockmem "github.com/JakeFAU/crawlq/internal/lock/memory"
	"github.com/JakeFAU/crawlq/internal/priority"
	"github.com/JakeFAU/crawlq/internal/queue"
	queuemem "github.com/JakeFAU/crawlq/internal/queue/memory"
)

type fakeService struct {
	mu        sync.Mutex
	crawls    []crawl.CrawlRequest
	scrapes   []crawl.ScrapeRequest
	scrapeRes crawl.ScrapeResult
	scrapeErr error
	startErr  error
	status    crawl.Status
	statusErr error
	cancelErr error
	cancelled []string
}

func (f *fakeService) StartCrawl(_ context.Context, req crawl.CrawlRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crawls = append(f.crawls, req)
	if f.startErr != nil {
		return "", f.startErr
	}
	return "crawl-1", nil
}

func (f *fakeService) Scrape(_ context.Context, req crawl.ScrapeRequest) (crawl.ScrapeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scrapes = append(f.scrapes, req)
	return f.scrapeRes, f.scrapeErr
}

func (f *fakeService) Cancel(_ context.Context, crawlID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, crawlID)
	return f.cancelErr
}

func (f *fakeService) Status(context.Context, string) (crawl.Status, error) {
	return f.status, f.statusErr
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// TestServer_Scrape_Waits forwards the request and returns the document.
func TestServer_Scrape_Waits(t *testing.T) {
	t.Parallel()

	svc := &fakeService{scrapeRes: crawl.ScrapeResult{
		JobID:    "job-1",
		Status:   crawler.JobStatusCompleted,
		Document: &crawler.Document{URL: "https://example.com/", Content: "hello"},
	}}
	server := NewServer(svc, Config{}, zap.NewNop())

	rec := do(t, server.Handler(), http.MethodPost, "/v1/scrape",
		`{"url":"https://example.com","tenant_id":"team","page_options":{"include_html":true}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["success"])
	require.Equal(t, "job-1", body["job_id"])
	require.Equal(t, "hello", body["data"].(map[string]any)["content"])
	require.Len(t, svc.scrapes, 1)
	require.True(t, svc.scrapes[0].Wait)
	require.True(t, svc.scrapes[0].PageOptions.IncludeHTML)
	require.Equal(t, "team", svc.scrapes[0].TenantID)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

// TestServer_Scrape_Async returns 202 without waiting.
func TestServer_Scrape_Async(t *testing.T) {
	t.Parallel()

	svc := &fakeService{scrapeRes: crawl.ScrapeResult{JobID: "job-2", Status: crawler.JobStatusQueued}}
	server := NewServer(svc, Config{}, nil)

	rec := do(t, server.Handler(), http.MethodPost, "/v1/scrape", `{"url":"https://example.com","async":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.False(t, svc.scrapes[0].Wait)
}

// TestServer_Scrape_ErrorMapping maps service failures to status codes.
func TestServer_Scrape_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		res  crawl.ScrapeResult
		err  error
		code int
	}{
		{"invalid", crawl.ScrapeResult{}, fmt.Errorf("%w: bad scheme", crawl.ErrInvalidRequest), http.StatusBadRequest},
		{"blocked", crawl.ScrapeResult{}, crawl.ErrBlocked, http.StatusForbidden},
		{"timeout", crawl.ScrapeResult{JobID: "j", Status: crawler.JobStatusQueued}, crawl.ErrTimeout, http.StatusRequestTimeout},
		{"internal", crawl.ScrapeResult{}, errors.New("redis down"), http.StatusInternalServerError},
		{"job failed", crawl.ScrapeResult{JobID: "j", Status: crawler.JobStatusFailed, Error: "boom"}, nil, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := NewServer(&fakeService{scrapeRes: tc.res, scrapeErr: tc.err}, Config{}, nil)
			rec := do(t, server.Handler(), http.MethodPost, "/v1/scrape", `{"url":"https://example.com"}`)
			require.Equal(t, tc.code, rec.Code)
			require.Equal(t, false, decodeBody(t, rec)["success"])
		})
	}
}

// TestServer_InvalidJSON rejects malformed bodies.
func TestServer_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeService{}, Config{}, nil)
	for _, path := range []string{"/v1/scrape", "/v1/crawl"} {
		rec := do(t, server.Handler(), http.MethodPost, path, "{invalid")
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

// TestServer_StartCrawl returns the crawl ID and poll URL.
func TestServer_StartCrawl(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	server := NewServer(svc, Config{}, nil)

	rec := do(t, server.Handler(), http.MethodPost, "/v1/crawl",
		`{"url":"https://example.com","crawler_options":{"limit":5,"expand":true,"excludes":["/blog"]}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "crawl-1", body["id"])
	require.Equal(t, "/v1/crawl/crawl-1", body["url"])
	require.Equal(t, 5, svc.crawls[0].Options.Limit)
	require.True(t, svc.crawls[0].Options.Expand)
	require.Equal(t, []string{"/blog"}, svc.crawls[0].Options.Excludes)
}

// TestServer_CrawlStatusAndCancel covers the crawl resource routes.
func TestServer_CrawlStatusAndCancel(t *testing.T) {
	t.Parallel()

	svc := &fakeService{status: crawl.Status{ID: "crawl-1", Status: crawl.StatusScraping, Total: 3, Completed: 1}}
	server := NewServer(svc, Config{}, nil)

	rec := do(t, server.Handler(), http.MethodGet, "/v1/crawl/crawl-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "scraping", body["status"])
	require.EqualValues(t, 3, body["total"])

	rec = do(t, server.Handler(), http.MethodDelete, "/v1/crawl/crawl-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"crawl-1"}, svc.cancelled)
}

// TestServer_CrawlNotFound maps the frontier sentinel to 404.
func TestServer_CrawlNotFound(t *testing.T) {
	t.Parallel()

	svc := &fakeService{statusErr: frontier.ErrCrawlNotFound, cancelErr: fmt.Errorf("cancel crawl: %w", frontier.ErrCrawlNotFound)}
	server := NewServer(svc, Config{}, nil)

	require.Equal(t, http.StatusNotFound, do(t, server.Handler(), http.MethodGet, "/v1/crawl/nope", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, server.Handler(), http.MethodDelete, "/v1/crawl/nope", "").Code)
}

// TestServer_APIKey guards /v1 but not health checks.
func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeService{}, Config{APIKey: "secret"}, nil)
	h := server.Handler()

	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/crawl/x", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/crawl/x", "", "X-API-Key", "secret").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/crawl/x?api_key=secret", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
}

// TestServer_Health covers health, readiness and metrics.
func TestServer_Health(t *testing.T) {
	t.Parallel()

	var ready error
	var mu sync.Mutex
	server := NewServer(&fakeService{}, Config{Ready: func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		return ready
	}}, nil)
	h := server.Handler()

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)

	mu.Lock()
	ready = errors.New("redis unreachable")
	mu.Unlock()
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "crawlq_")
}

// TestServer_RequestIDPropagates echoes a caller-supplied request ID.
func TestServer_RequestIDPropagates(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeService{}, Config{}, nil)
	rec := do(t, server.Handler(), http.MethodGet, "/healthz", "", "X-Request-ID", "abc")
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%02d", g.n), nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// TestServer_CrawlLifecycle drives the real service over in-memory stores.
func TestServer_CrawlLifecycle(t *testing.T) {
	t.Parallel()

	store := frontiermem.New(frontier.Config{})
	q := queuemem.NewQueue(lockmem.New(lock.DefaultConfig()), queue.Config{})
	t.Cleanup(q.Close)
	svc, err := crawl.NewService(crawl.Deps{
		Frontier:  store,
		Queue:     q,
		Priority:  priority.New(store, priority.Config{}),
		Blocklist: crawler.NewDomainBlocklist([]string{"facebook.com"}),
		IDs:       &seqIDs{},
		Clock:     wallClock{},
	}, crawl.Config{})
	require.NoError(t, err)
	h := NewServer(svc, Config{}, nil).Handler()

	rec := do(t, h, http.MethodPost, "/v1/crawl", `{"url":"https://example.com","crawler_options":{"ignore_robots":true}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	crawlID := decodeBody(t, rec)["id"].(string)

	rec = do(t, h, http.MethodGet, "/v1/crawl/"+crawlID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, crawl.StatusScraping, body["status"])
	require.EqualValues(t, 1, body["total"])

	rec = do(t, h, http.MethodPost, "/v1/crawl", `{"url":"https://www.facebook.com/page"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodDelete, "/v1/crawl/"+crawlID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/v1/crawl/"+crawlID, "")
	require.Equal(t, crawl.StatusCancelled, decodeBody(t, rec)["status"])
}
