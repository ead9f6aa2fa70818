package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/crawl"
)

// TestLoadConfigExplicitFile reads the named file.
func TestLoadConfigExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawlq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 9191, cfg.Server.Port)
}

// TestLoadConfigSearchToleratesMissing falls back to defaults.
func TestLoadConfigSearchToleratesMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
}

// TestLoadConfigInvalid rejects a config that fails validation.
func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawlq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 0\n"), 0o600))

	_, err := loadConfig(path)
	require.ErrorContains(t, err, "server.port")
}

type scriptedStatus struct {
	mu    sync.Mutex
	calls int
	steps []crawl.Status
	err   error
}

func (s *scriptedStatus) Status(context.Context, string) (crawl.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return crawl.Status{}, s.err
	}
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	return s.steps[i], nil
}

// TestWaitForCrawl polls until the crawl reports completion.
func TestWaitForCrawl(t *testing.T) {
	t.Parallel()

	svc := &scriptedStatus{steps: []crawl.Status{
		{Status: crawl.StatusScraping, Total: 3, Completed: 1},
		{Status: crawl.StatusCancelled, Total: 3, Completed: 2},
		{Status: crawl.StatusCancelled, Total: 3, Completed: 3},
	}}
	status, err := waitForCrawl(context.Background(), svc, "c", time.Second, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusCancelled, status.Status)
	require.Equal(t, 3, svc.calls)
}

// TestWaitForCrawlTimeout reports a crawl that never finishes.
func TestWaitForCrawlTimeout(t *testing.T) {
	t.Parallel()

	svc := &scriptedStatus{steps: []crawl.Status{{Status: crawl.StatusScraping, Total: 1}}}
	_, err := waitForCrawl(context.Background(), svc, "c", 20*time.Millisecond, time.Millisecond)
	require.ErrorContains(t, err, "did not finish")
}

// TestWaitForCrawlStatusError surfaces lookup failures.
func TestWaitForCrawlStatusError(t *testing.T) {
	t.Parallel()

	svc := &scriptedStatus{err: errors.New("boom")}
	_, err := waitForCrawl(context.Background(), svc, "c", time.Second, time.Millisecond)
	require.ErrorContains(t, err, "boom")
}

// TestCrawlCommandEndToEnd runs `crawlq crawl` against a local site with
// in-process stores.
func TestCrawlCommandEndToEnd(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			http.NotFound(w, r)
		case "/":
			fmt.Fprint(w, `<html><body><a href="/next">next</a></body></html>`)
		default:
			fmt.Fprint(w, `<html><body><p>leaf</p></body></html>`)
		}
	}))
	t.Cleanup(site.Close)

	path := filepath.Join(t.TempDir(), "crawlq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(`
worker:
  count: 1
  idle_backoff: 10ms
admission:
  max_cpu: 1
  max_ram: 1
notify:
  prometheus: false
  webhook:
    enabled: false
scraper:
  fetch:
    default_rps: 1000
    default_burst: 1000
`)), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"crawl", site.URL, "--config", path, "--poll", "20ms", "--timeout", "20s"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var status crawl.Status
	require.NoError(t, json.Unmarshal(out.Bytes(), &status))
	require.Equal(t, crawl.StatusCompleted, status.Status)
	require.Equal(t, 2, status.Total)
	require.Equal(t, 2, status.Completed)
}

// TestCrawlCommandSubmitOnly prints the crawl ID without running workers.
func TestCrawlCommandSubmitOnly(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"crawl", "https://example.com", "--submit-only", "--ignore-robots", "--config", writeMinimalConfig(t)})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.NotEmpty(t, strings.TrimSpace(out.String()))
}

// TestWorkerCommandRejectsZeroCount validates the flag override.
func TestWorkerCommandRejectsZeroCount(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"worker", "--count", "0", "--config", writeMinimalConfig(t)})
	require.ErrorContains(t, root.ExecuteContext(context.Background()), "worker count")
}

func writeMinimalConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawlq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("notify:\n  prometheus: false\n"), 0o600))
	return path
}
