// Package localid produces collision-resistant local identifiers for records
// created while offline.
//
// Server identifiers are strings; local identifiers are large numbers, so the
// two spaces cannot collide in the store. Within the local space, an
// identifier is built from the current millisecond timestamp scaled by 10000,
// a random component and a monotonic counter, then clamped to be strictly
// greater than the previous identifier. A collision would silently merge two
// unrelated records, so the scheme trades identifier-space cost for a strong
// uniqueness guarantee without any coordination.
package localid

import (
	"math/rand"
	"sync"
	"time"

	"github.com/stocktide/stocktide/internal/timex"
)

// Generator hands out strictly increasing local identifiers. Safe for
// concurrent use.
type Generator struct {
	mu      sync.Mutex
	clock   timex.Clock
	rng     *rand.Rand
	counter int64
	last    int64
}

// New creates a Generator using the real clock.
func New() *Generator {
	return NewWithClock(timex.RealClock{})
}

// NewWithClock creates a Generator with an injected clock for tests.
func NewWithClock(clock timex.Clock) *Generator {
	return &Generator{
		clock: clock,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextID returns a new local identifier, strictly greater than every
// identifier previously returned by this Generator, even under rapid
// repeated calls within the same millisecond.
func (g *Generator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next()
}

// NextIDAfter returns an identifier strictly greater than both the maximum
// of existing and anything previously returned by this Generator.
func (g *Generator) NextIDAfter(existing []int64) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range existing {
		if id > g.last {
			g.last = id
		}
	}
	return g.next()
}

// next must be called with g.mu held.
func (g *Generator) next() int64 {
	g.counter++
	id := g.clock.Now().UnixMilli()*10000 + g.rng.Int63n(10)*1000 + g.counter%1000
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}
