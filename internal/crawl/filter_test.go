package crawl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

func newFilter(t *testing.T, record crawler.CrawlRecord) *LinkFilter {
	t.Helper()
	f, err := NewLinkFilter(record, "crawlq")
	require.NoError(t, err)
	return f
}

// TestLinkFilterSameHost drops external links unless the crawl allows them.
func TestLinkFilterSameHost(t *testing.T) {
	t.Parallel()

	links := []string{"https://example.com/a", "https://www.example.com/b", "https://other.com/c"}

	f := newFilter(t, crawler.CrawlRecord{OriginURL: "https://example.com/"})
	require.Equal(t, []string{"https://example.com/a", "https://www.example.com/b"}, f.Intents(links, 0))

	f = newFilter(t, crawler.CrawlRecord{
		OriginURL: "https://example.com/",
		Options:   crawler.CrawlOptions{AllowExternalLinks: true},
	})
	require.Len(t, f.Intents(links, 0), 3)
}

// TestLinkFilterBackwardLinks keeps the crawl under the origin path.
func TestLinkFilterBackwardLinks(t *testing.T) {
	t.Parallel()

	links := []string{
		"https://example.com/blog/post-1",
		"https://example.com/blog",
		"https://example.com/about",
		"https://example.com/blogger",
	}
	f := newFilter(t, crawler.CrawlRecord{OriginURL: "https://example.com/blog"})
	require.Equal(t, []string{"https://example.com/blog/post-1", "https://example.com/blog"}, f.Intents(links, 0))

	f = newFilter(t, crawler.CrawlRecord{
		OriginURL: "https://example.com/blog",
		Options:   crawler.CrawlOptions{AllowBackwardLinks: true},
	})
	require.Len(t, f.Intents(links, 0), 4)
}

// TestLinkFilterIncludesExcludes applies path regexes.
func TestLinkFilterIncludesExcludes(t *testing.T) {
	t.Parallel()

	f := newFilter(t, crawler.CrawlRecord{
		OriginURL: "https://example.com",
		Options: crawler.CrawlOptions{
			Includes: []string{"^/docs/"},
			Excludes: []string{"/internal/"},
		},
	})
	got := f.Intents([]string{
		"https://example.com/docs/start",
		"https://example.com/docs/internal/secret",
		"https://example.com/pricing",
	}, 0)
	require.Equal(t, []string{"https://example.com/docs/start"}, got)
}

// TestLinkFilterDepth stops expansion past MaxDepth.
func TestLinkFilterDepth(t *testing.T) {
	t.Parallel()

	f := newFilter(t, crawler.CrawlRecord{
		OriginURL: "https://example.com",
		Options:   crawler.CrawlOptions{MaxDepth: 2},
	})
	require.Len(t, f.Intents([]string{"https://example.com/a"}, 1), 1)
	require.Empty(t, f.Intents([]string{"https://example.com/a"}, 2))
}

// TestLinkFilterRobots honors the robots body captured at crawl creation.
func TestLinkFilterRobots(t *testing.T) {
	t.Parallel()

	record := crawler.CrawlRecord{
		OriginURL: "https://example.com",
		Robots:    "User-agent: *\nDisallow: /private\n",
	}
	links := []string{"https://example.com/private/x", "https://example.com/public"}

	f := newFilter(t, record)
	require.Equal(t, []string{"https://example.com/public"}, f.Intents(links, 0))

	record.Options.IgnoreRobots = true
	f = newFilter(t, record)
	require.Len(t, f.Intents(links, 0), 2)
}

// TestLinkFilterNormalizesAndDedups collapses spellings of the same page.
func TestLinkFilterNormalizesAndDedups(t *testing.T) {
	t.Parallel()

	f := newFilter(t, crawler.CrawlRecord{OriginURL: "https://example.com"})
	got := f.Intents([]string{
		"https://EXAMPLE.com/a#top",
		"https://example.com/a/",
		"mailto:someone@example.com",
		"https://example.com/b",
	}, 0)
	require.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, got)
}

// TestValidateOptions rejects bad regexes and negative bounds.
func TestValidateOptions(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateOptions(crawler.CrawlOptions{Includes: []string{"^/a"}}))
	require.Error(t, ValidateOptions(crawler.CrawlOptions{Excludes: []string{"("}}))
	require.Error(t, ValidateOptions(crawler.CrawlOptions{Limit: -1}))
}
