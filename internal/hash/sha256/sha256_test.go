package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

// TestHasherDigest is deterministic lowercase hex.
func TestHasherDigest(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, helloDigest, got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
}

// TestHasherTruncated keeps a prefix of the digest.
func TestHasherTruncated(t *testing.T) {
	t.Parallel()

	got, err := NewTruncated(16).Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, helloDigest[:16], got)

	full, err := NewTruncated(0).Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, helloDigest, full)
}
