package crawl

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/temoto/robotstxt"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// LinkFilter decides which discovered links become spawn intents for a crawl.
// It is built once per job from the immutable crawl record.
type LinkFilter struct {
	origin     *url.URL
	originPath string
	opts       crawler.CrawlOptions
	includes   []*regexp.Regexp
	excludes   []*regexp.Regexp
	robots     *robotstxt.Group
}

// NewLinkFilter compiles the crawl's path filters and robots rules.
func NewLinkFilter(record crawler.CrawlRecord, userAgent string) (*LinkFilter, error) {
	origin, err := url.Parse(record.OriginURL)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	includes, err := compileAll(record.Options.Includes)
	if err != nil {
		return nil, fmt.Errorf("compile includes: %w", err)
	}
	excludes, err := compileAll(record.Options.Excludes)
	if err != nil {
		return nil, fmt.Errorf("compile excludes: %w", err)
	}
	f := &LinkFilter{
		origin:     origin,
		originPath: strings.TrimSuffix(origin.Path, "/"),
		opts:       record.Options,
		includes:   includes,
		excludes:   excludes,
	}
	if !record.Options.IgnoreRobots && strings.TrimSpace(record.Robots) != "" {
		data, err := robotstxt.FromString(record.Robots)
		if err == nil {
			f.robots = data.FindGroup(userAgent)
		}
	}
	return f, nil
}

// ValidateOptions reports regexes that would fail to compile.
func ValidateOptions(opts crawler.CrawlOptions) error {
	if _, err := compileAll(opts.Includes); err != nil {
		return fmt.Errorf("invalid includes: %w", err)
	}
	if _, err := compileAll(opts.Excludes); err != nil {
		return fmt.Errorf("invalid excludes: %w", err)
	}
	if opts.MaxDepth < 0 || opts.Limit < 0 {
		return fmt.Errorf("max depth and limit must not be negative")
	}
	return nil
}

// Intents filters and normalizes links found on a page at parentDepth. The
// result holds each normalized URL once, in discovery order.
func (f *LinkFilter) Intents(links []string, parentDepth int) []string {
	childDepth := parentDepth + 1
	if f.opts.MaxDepth > 0 && childDepth > f.opts.MaxDepth {
		return nil
	}
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))
	for _, link := range links {
		normalized, err := crawler.NormalizeURL(link)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		if f.Allow(normalized) {
			out = append(out, normalized)
		}
	}
	return out
}

// Allow applies the host, backward-link, path-filter and robots rules to a
// normalized URL.
func (f *LinkFilter) Allow(normalized string) bool {
	u, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	if !f.opts.AllowExternalLinks && !crawler.SameHost(f.origin.String(), normalized) {
		return false
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if !f.opts.AllowBackwardLinks && !underPath(path, f.originPath) {
		return false
	}
	for _, re := range f.excludes {
		if re.MatchString(path) {
			return false
		}
	}
	if len(f.includes) > 0 && !matchesAny(f.includes, path) {
		return false
	}
	if f.robots != nil && !f.robots.Test(u.RequestURI()) {
		return false
	}
	return true
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// underPath reports whether p is root or lies below it. An empty root
// admits every path.
func underPath(p, root string) bool {
	if root == "" {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}
