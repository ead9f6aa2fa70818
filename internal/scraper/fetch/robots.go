package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

const (
	// AllowAll is the robots body assumed when a site's robots.txt cannot be read.
	AllowAll = "User-agent: *\nAllow: /"

	robotsFallbackTLSHandshake = "tls_handshake_timeout"
	robotsFallbackUnavailable  = "unavailable"
	maxRobotsBytes             = 512 << 10
)

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// RobotsFetcher downloads robots.txt bodies, retrying transient TLS
// handshake timeouts and falling back to allow-all.
type RobotsFetcher struct {
	client    *http.Client
	userAgent string
	backoff   []time.Duration
}

// NewRobotsFetcher builds a RobotsFetcher. A nil transport uses NewTransport.
func NewRobotsFetcher(transport http.RoundTripper, userAgent string, timeout time.Duration) *RobotsFetcher {
	if transport == nil {
		transport = NewTransport()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RobotsFetcher{
		client:    &http.Client{Transport: transport, Timeout: timeout},
		userAgent: userAgent,
		backoff:   robotsRetryBackoff,
	}
}

// Fetch returns the robots.txt body for the origin of pageURL. Missing files
// and server errors yield AllowAll; only an invalid URL or a canceled context
// is an error.
func (f *RobotsFetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("robots url %q: invalid", pageURL)
	}
	robotsURL := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}).String()

	for attempt := 0; ; attempt++ {
		body, err := f.fetchOnce(ctx, robotsURL)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("robots fetch canceled: %w", ctx.Err())
		}
		if !isTransientTLSError(err) {
			metrics.ObserveRobotsFallback(robotsFallbackUnavailable)
			return AllowAll, nil
		}
		if attempt >= len(f.backoff) {
			metrics.ObserveRobotsFallback(robotsFallbackTLSHandshake)
			return AllowAll, nil
		}
		if err := crawler.Sleep(ctx, f.backoff[attempt]); err != nil {
			return "", fmt.Errorf("robots backoff: %w", err)
		}
	}
}

func (f *RobotsFetcher) fetchOnce(ctx context.Context, robotsURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return "", fmt.Errorf("build robots request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("robots roundtrip: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return AllowAll, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return "", fmt.Errorf("read robots body: %w", err)
	}
	return string(body), nil
}

func isTransientTLSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
