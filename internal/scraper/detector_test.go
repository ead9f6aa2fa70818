package scraper

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// TestHeuristicShouldPromote covers the shell markers and script density rule.
func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	cases := []struct {
		name string
		resp crawler.ScrapeResponse
		want bool
	}{
		{"empty body", crawler.ScrapeResponse{StatusCode: 200}, true},
		{"next marker", crawler.ScrapeResponse{StatusCode: 200, Content: `<div id="__next"></div>`}, true},
		{"script heavy", crawler.ScrapeResponse{StatusCode: 200, Content: `<script>var a=1;</script><p>x</p>`}, true},
		{"plain article", crawler.ScrapeResponse{StatusCode: 200, Content: "<p>" + strings.Repeat("text ", 50) + "</p>"}, false},
		{"not found", crawler.ScrapeResponse{StatusCode: 404}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, h.ShouldPromote(tc.resp), tc.name)
	}
}

// TestNewHeuristicDefaultThreshold applies the default size.
func TestNewHeuristicDefaultThreshold(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultBodyThreshold, NewHeuristic(0).BodyLengthThreshold)
}
