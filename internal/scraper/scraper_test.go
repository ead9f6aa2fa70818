package scraper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

type fakeEngine struct {
	mu    sync.Mutex
	resp  crawler.ScrapeResponse
	err   error
	calls int
}

func (f *fakeEngine) Scrape(_ context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	resp := f.resp
	if resp.URL == "" {
		resp.URL = req.URL
	}
	return resp, f.err
}

func (f *fakeEngine) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type promoteAll struct{}

func (promoteAll) ShouldPromote(crawler.ScrapeResponse) bool { return true }

// TestChainFallsBack moves to the next engine when the first one fails.
func TestChainFallsBack(t *testing.T) {
	t.Parallel()

	render := &fakeEngine{err: errors.New("connection refused")}
	fetch := &fakeEngine{resp: crawler.ScrapeResponse{Content: "<p>hi</p>", StatusCode: 200}}
	chain, err := NewChain([]Engine{{EngineRender, render}, {EngineFetch, fetch}})
	require.NoError(t, err)

	resp, err := chain.Scrape(context.Background(), crawler.ScrapeRequest{URL: "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, EngineFetch, resp.Engine)
	require.Equal(t, "<p>hi</p>", resp.Content)
	require.Equal(t, 1, render.Calls())
}

// TestChainEmptyContentFallsBack treats an empty page as a failure.
func TestChainEmptyContentFallsBack(t *testing.T) {
	t.Parallel()

	render := &fakeEngine{resp: crawler.ScrapeResponse{StatusCode: 200, Error: "page error"}}
	fetch := &fakeEngine{resp: crawler.ScrapeResponse{Content: "ok", StatusCode: 200}}
	chain, err := NewChain([]Engine{{EngineRender, render}, {EngineFetch, fetch}})
	require.NoError(t, err)

	resp, err := chain.Scrape(context.Background(), crawler.ScrapeRequest{URL: "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
}

// TestChainAllFail degrades to an empty result carrying the last error.
func TestChainAllFail(t *testing.T) {
	t.Parallel()

	render := &fakeEngine{resp: crawler.ScrapeResponse{Content: "oops", StatusCode: 503}}
	fetch := &fakeEngine{err: errors.New("dial tcp: timeout")}
	chain, err := NewChain([]Engine{{EngineRender, render}, {EngineFetch, fetch}})
	require.NoError(t, err)

	resp, err := chain.Scrape(context.Background(), crawler.ScrapeRequest{URL: "https://example.com"})
	require.Error(t, err)
	require.Empty(t, resp.Content)
	require.Contains(t, resp.Error, "timeout")
	require.Equal(t, EngineFetch, resp.Engine)
}

// TestChainPreferredEngine honours the per-request engine.
func TestChainPreferredEngine(t *testing.T) {
	t.Parallel()

	render := &fakeEngine{resp: crawler.ScrapeResponse{Content: "render", StatusCode: 200}}
	fetch := &fakeEngine{resp: crawler.ScrapeResponse{Content: "fetch", StatusCode: 200}}
	chain, err := NewChain([]Engine{{EngineRender, render}, {EngineFetch, fetch}})
	require.NoError(t, err)

	resp, err := chain.Scrape(context.Background(), crawler.ScrapeRequest{URL: "https://example.com", Engine: EngineFetch})
	require.NoError(t, err)
	require.Equal(t, "fetch", resp.Content)
	require.Zero(t, render.Calls())
}

// TestChainPromotesToChrome re-renders shells fetched without a browser.
func TestChainPromotesToChrome(t *testing.T) {
	t.Parallel()

	fetch := &fakeEngine{resp: crawler.ScrapeResponse{Content: `<div id="root"></div>`, StatusCode: 200}}
	chrome := &fakeEngine{resp: crawler.ScrapeResponse{Content: "<div id=\"root\"><p>rendered</p></div>", StatusCode: 200}}
	chain, err := NewChain(
		[]Engine{{EngineFetch, fetch}, {EngineChrome, chrome}},
		WithPromoter(promoteAll{}),
		WithTimeout(time.Second),
	)
	require.NoError(t, err)

	resp, err := chain.Scrape(context.Background(), crawler.ScrapeRequest{URL: "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, EngineChrome, resp.Engine)
	require.Contains(t, resp.Content, "rendered")
}

// TestNewChainRequiresEngine rejects an empty chain.
func TestNewChainRequiresEngine(t *testing.T) {
	t.Parallel()

	_, err := NewChain([]Engine{{Name: EngineRender}})
	require.ErrorIs(t, err, ErrNoEngines)
}
