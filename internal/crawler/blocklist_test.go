package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDomainBlocklist covers exact, wildcard and nil matchers.
func TestDomainBlocklist(t *testing.T) {
	t.Parallel()

	t.Run("exact match", func(t *testing.T) {
		bl := NewDomainBlocklist([]string{"example.org"})
		require.NotNil(t, bl)
		require.True(t, bl.IsBlocked("https://example.org/path"))
		require.True(t, bl.IsBlocked("https://www.example.org"))
		require.False(t, bl.IsBlocked("https://sub.example.org"))
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		bl := NewDomainBlocklist([]string{"*.ru", ".gov"})
		require.NotNil(t, bl)
		cases := []struct {
			host    string
			blocked bool
		}{
			{"example.ru", true},
			{"sub.domain.ru", true},
			{"ru", true},
			{"data.gov", true},
			{"example.com", false},
		}
		for _, tc := range cases {
			require.Equal(t, tc.blocked, bl.IsHostBlocked(tc.host), tc.host)
		}
	})

	t.Run("empty patterns", func(t *testing.T) {
		require.Nil(t, NewDomainBlocklist([]string{" ", ""}))
	})

	t.Run("nil blocklist", func(t *testing.T) {
		var bl *DomainBlocklist
		require.False(t, bl.IsBlocked("https://anything.example"))
	})
}
