// Package sha256 content-addresses archived pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher. Digests are lowercase hex, optionally
// shortened to keep blob paths compact.
type Hasher struct {
	length int
}

// New returns a hasher producing full 64-character digests.
func New() *Hasher {
	return &Hasher{}
}

// NewTruncated returns a hasher that keeps the first n hex characters.
// Values outside (0, 64) keep the full digest.
func NewTruncated(n int) *Hasher {
	return &Hasher{length: n}
}

// Hash digests data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return h.encode(sum[:]), nil
}

func (h *Hasher) encode(sum []byte) string {
	out := hex.EncodeToString(sum)
	if h.length > 0 && h.length < len(out) {
		return out[:h.length]
	}
	return out
}
