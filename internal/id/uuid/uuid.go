// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates UUID strings. Time-ordered v7 IDs suit run IDs;
// random v4 IDs suit artifact IDs whose prefixes end up in filenames.
type Generator struct {
	random bool
}

// New returns a generator of time-ordered UUIDv7 strings.
func New() *Generator {
	return &Generator{}
}

// NewRandom returns a generator of random UUIDv4 strings.
func NewRandom() *Generator {
	return &Generator{random: true}
}

// NewID returns a new UUID string.
func (g Generator) NewID() (string, error) {
	if g.random {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("generate uuid4: %w", err)
		}
		return id.String(), nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Prefix returns the first n hex digits of id, ignoring dashes. It returns
// every digit when id is shorter than n.
func Prefix(id string, n int) string {
	compact := strings.ReplaceAll(id, "-", "")
	if n <= 0 || n >= len(compact) {
		return compact
	}
	return compact[:n]
}
