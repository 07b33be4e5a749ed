// Package idgen provides ID generation implementations.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/artpar/tokenwatch/ports"
	"github.com/google/uuid"
)

// UUID generates time-ordered UUIDs (version 7) with an optional prefix.
type UUID struct {
	Prefix string
}

// New generates a new UUID v7, falling back to v4 if the clock source fails.
func (g UUID) New() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return g.Prefix + id.String()
}

// Ensure interface compliance.
var _ ports.IDGenerator = UUID{}

// Sequential generates sequential IDs (for testing).
type Sequential struct {
	prefix  string
	counter uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New generates the next sequential ID.
func (s *Sequential) New() string {
	n := atomic.AddUint64(&s.counter, 1)
	return s.prefix + strconv.FormatUint(n, 10)
}

// Ensure interface compliance.
var _ ports.IDGenerator = (*Sequential)(nil)
