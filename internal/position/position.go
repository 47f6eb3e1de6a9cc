// Package position hands out collision-free, strictly increasing ordering
// keys per scope (a list for card placements, a board for lists).
package position

import (
	"context"
	"fmt"
	"sync"
)

// DefaultStride is the gap between consecutive positions.
const DefaultStride = 65536

// SeedFunc returns the current highest position in a scope, 0 when empty.
type SeedFunc func(ctx context.Context, key string) (float64, error)

// Allocator tracks the highest known position per key. It is created per
// run and seeded lazily from the target the first time a key is seen, so
// positions it returns are always above anything that existed before.
type Allocator struct {
	mu     sync.Mutex
	stride float64
	seed   SeedFunc
	last   map[string]float64
}

// New creates an allocator. A non-positive stride means DefaultStride.
func New(stride float64, seed SeedFunc) *Allocator {
	if stride <= 0 {
		stride = DefaultStride
	}
	return &Allocator{
		stride: stride,
		seed:   seed,
		last:   make(map[string]float64),
	}
}

// Next returns the next position for key. Calls for the same key are
// serialized; existing positions are never renumbered.
func (a *Allocator) Next(ctx context.Context, key string) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	last, ok := a.last[key]
	if !ok && a.seed != nil {
		seeded, err := a.seed(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("failed to seed position for %s: %w", key, err)
		}
		last = seeded
	}

	next := last + a.stride
	a.last[key] = next
	return next, nil
}

// Peek returns the last allocated position for key without allocating.
func (a *Allocator) Peek(key string) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.last[key]
	return v, ok
}
