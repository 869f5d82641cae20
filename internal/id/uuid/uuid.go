// Package uuid generates session identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 session ids. Ids from concurrent
// processes sort roughly by creation time, which keeps SCAN listings and
// archive rows readable.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Fixed replays ids in order and then repeats the last one forever. It lets
// tests force Create into the collision path.
type Fixed struct {
	ids  []string
	next int
}

// NewFixed returns a Fixed generator over ids.
func NewFixed(ids ...string) *Fixed {
	return &Fixed{ids: ids}
}

// NewID returns the next scripted id.
func (f *Fixed) NewID() (string, error) {
	if len(f.ids) == 0 {
		return "", fmt.Errorf("fixed generator: no ids")
	}
	id := f.ids[f.next]
	if f.next < len(f.ids)-1 {
		f.next++
	}
	return id, nil
}
