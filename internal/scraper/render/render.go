// Package render calls the rendering microservice over HTTP.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// DefaultTimeout is the base request timeout before the page wait is added.
const DefaultTimeout = 15 * time.Second

// Kind classifies render failures.
type Kind string

// Failure kinds.
const (
	KindStatus     Kind = "status"
	KindConnection Kind = "connection"
	KindTimeout    Kind = "timeout"
	KindParse      Kind = "parse"
)

// Error is a classified render failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("render %s error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("render %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config configures the client.
type Config struct {
	Endpoint   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client implements crawler.Scraper against the render service.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("render endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{endpoint: cfg.Endpoint, timeout: cfg.Timeout, http: httpClient}, nil
}

type request struct {
	URL           string            `json:"url"`
	WaitAfterLoad int64             `json:"wait_after_load"`
	Headers       map[string]string `json:"headers,omitempty"`
}

type response struct {
	Content        string `json:"content"`
	PageStatusCode int    `json:"pageStatusCode"`
	PageError      string `json:"pageError"`
}

// Scrape renders one page. Failures return an empty-content response whose
// Error field holds the classification, together with an *Error.
func (c *Client) Scrape(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
	start := time.Now()
	out := crawler.ScrapeResponse{URL: req.URL, Engine: "render"}

	body, err := json.Marshal(request{
		URL:           req.URL,
		WaitAfterLoad: req.WaitFor.Milliseconds(),
		Headers:       req.Headers,
	})
	if err != nil {
		return c.fail(out, start, &Error{Kind: KindParse, Err: err})
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout+req.WaitFor)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return c.fail(out, start, &Error{Kind: KindConnection, Err: err})
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return c.fail(out, start, classify(err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.fail(out, start, classify(err))
	}
	if resp.StatusCode != http.StatusOK {
		return c.fail(out, start, &Error{
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		})
	}

	var decoded response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return c.fail(out, start, &Error{Kind: KindParse, Err: err})
	}
	out.Content = decoded.Content
	out.StatusCode = decoded.PageStatusCode
	out.Error = decoded.PageError
	out.Duration = time.Since(start)
	return out, nil
}

func (c *Client) fail(out crawler.ScrapeResponse, start time.Time, err *Error) (crawler.ScrapeResponse, error) {
	out.Content = ""
	out.Error = err.Error()
	out.Duration = time.Since(start)
	return out, err
}

func classify(err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindConnection, Err: err}
}
