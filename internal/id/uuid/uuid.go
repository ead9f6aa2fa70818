// Package uuid issues the time-ordered IDs used for crawls and jobs.
package uuid

import (
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Generator issues UUIDv7 strings. IDs from one generator sort by creation
// time, which keeps equal-priority jobs in FIFO order.
type Generator struct {
	rand io.Reader
}

// New returns a Generator backed by crypto/rand.
func New() *Generator {
	return &Generator{}
}

// NewWithRand returns a Generator that draws its random bits from r.
func NewWithRand(r io.Reader) *Generator {
	return &Generator{rand: r}
}

// NewID returns a new UUIDv7 string.
func (g *Generator) NewID() (string, error) {
	var (
		id  uuid.UUID
		err error
	)
	if g == nil || g.rand == nil {
		id, err = uuid.NewV7()
	} else {
		id, err = uuid.NewV7FromReader(g.rand)
	}
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewID returns a UUIDv7 string from the default generator.
func NewID() (string, error) {
	return New().NewID()
}
