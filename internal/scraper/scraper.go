// Package scraper turns a URL into page markup by trying a chain of engines.
//
// Engines are tried in order until one returns content. A request may name a
// preferred engine, which moves it to the front of the chain. When a plain
// fetch returns a page that looks like a client-rendered shell, the chain
// retries it with the browser engine if one is configured.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

// Engine names.
const (
	EngineRender = "render"
	EngineFetch  = "fetch"
	EngineChrome = "chrome"
)

// ErrNoEngines is returned when a chain has nothing to try.
var ErrNoEngines = errors.New("no scrape engines configured")

// Engine is a named scraper.
type Engine struct {
	Name    string
	Scraper crawler.Scraper
}

// Promoter decides whether a fetched page needs a browser.
type Promoter interface {
	ShouldPromote(resp crawler.ScrapeResponse) bool
}

// Chain implements crawler.Scraper over an ordered set of engines.
type Chain struct {
	engines  []Engine
	promoter Promoter
	timeout  time.Duration
	logger   *zap.Logger
}

// Option customizes a Chain.
type Option func(*Chain)

// WithPromoter enables fetch to chrome promotion.
func WithPromoter(p Promoter) Option {
	return func(c *Chain) { c.promoter = p }
}

// WithTimeout bounds each engine attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Chain) { c.timeout = d }
}

// WithLogger sets the chain logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Chain) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewChain builds a Chain. Engines with a nil scraper are skipped.
func NewChain(engines []Engine, opts ...Option) (*Chain, error) {
	c := &Chain{logger: zap.NewNop()}
	for _, e := range engines {
		if e.Scraper == nil {
			continue
		}
		if e.Name == "" {
			return nil, fmt.Errorf("engine name is required")
		}
		c.engines = append(c.engines, e)
	}
	if len(c.engines) == 0 {
		return nil, ErrNoEngines
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Engines returns the engine names in default order.
func (c *Chain) Engines() []string {
	names := make([]string, 0, len(c.engines))
	for _, e := range c.engines {
		names = append(names, e.Name)
	}
	return names
}

// Scrape tries each engine until one produces content. On total failure the
// last response is returned, with empty content, alongside the last error.
func (c *Chain) Scrape(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
	var (
		last    crawler.ScrapeResponse
		lastErr error
	)
	for _, engine := range c.order(req.Engine) {
		if err := ctx.Err(); err != nil {
			return last, fmt.Errorf("scrape canceled: %w", err)
		}
		resp, err := c.try(ctx, engine, req)
		if err == nil && usable(resp) {
			if engine.Name == EngineFetch {
				resp = c.maybePromote(ctx, req, resp)
			}
			metrics.ObserveScrape(resp.Engine, "success")
			return resp, nil
		}
		metrics.ObserveScrape(engine.Name, "fallback")
		if err == nil {
			err = fmt.Errorf("engine %s returned no content (status %d): %s", engine.Name, resp.StatusCode, resp.Error)
		}
		c.logger.Debug("Scrape engine failed",
			zap.String("engine", engine.Name),
			zap.String("url", req.URL),
			zap.Error(err),
		)
		last, lastErr = resp, err
	}
	last.Content = ""
	if last.Error == "" && lastErr != nil {
		last.Error = lastErr.Error()
	}
	return last, lastErr
}

func (c *Chain) try(ctx context.Context, engine Engine, req crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout+req.WaitFor)
		defer cancel()
	}
	start := time.Now()
	resp, err := engine.Scraper.Scrape(ctx, req)
	if resp.Engine == "" {
		resp.Engine = engine.Name
	}
	if resp.URL == "" {
		resp.URL = req.URL
	}
	if resp.Duration == 0 {
		resp.Duration = time.Since(start)
	}
	if err != nil {
		return resp, fmt.Errorf("engine %s: %w", engine.Name, err)
	}
	return resp, nil
}

func (c *Chain) maybePromote(ctx context.Context, req crawler.ScrapeRequest, resp crawler.ScrapeResponse) crawler.ScrapeResponse {
	if c.promoter == nil || !c.promoter.ShouldPromote(resp) {
		return resp
	}
	chrome, ok := c.find(EngineChrome)
	if !ok {
		return resp
	}
	rendered, err := c.try(ctx, chrome, req)
	if err != nil || !usable(rendered) {
		c.logger.Debug("Browser promotion failed, keeping fetched page",
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return resp
	}
	metrics.ObserveScrape(EngineChrome, "promoted")
	return rendered
}

func (c *Chain) find(name string) (Engine, bool) {
	for _, e := range c.engines {
		if e.Name == name {
			return e, true
		}
	}
	return Engine{}, false
}

// order puts the preferred engine first, keeping the rest in place.
func (c *Chain) order(preferred string) []Engine {
	if preferred == "" {
		return c.engines
	}
	first, ok := c.find(preferred)
	if !ok {
		return c.engines
	}
	out := make([]Engine, 0, len(c.engines))
	out = append(out, first)
	for _, e := range c.engines {
		if e.Name != preferred {
			out = append(out, e)
		}
	}
	return out
}

// usable accepts any page with content that is not a server error.
func usable(resp crawler.ScrapeResponse) bool {
	return resp.Content != "" && resp.StatusCode < http.StatusInternalServerError
}
