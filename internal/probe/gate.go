package probe

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is a counting admission gate. At most Capacity holders are admitted
// at any instant. A gate may be chained under a parent so that several
// strategies running at once also respect an engine-wide ceiling.
type Gate struct {
	capacity int64
	sem      *semaphore.Weighted
	active   atomic.Int64
	parent   *Gate
}

// NewGate creates a gate admitting up to capacity holders. Capacities
// below one are raised to one.
func NewGate(capacity int, parent *Gate) *Gate {
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
		parent:   parent,
	}
}

// Acquire blocks until a slot is free in this gate and its parents, or ctx
// is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if g.parent != nil {
		if err := g.parent.Acquire(ctx); err != nil {
			g.sem.Release(1)
			return err
		}
	}
	g.active.Add(1)
	return nil
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	g.active.Add(-1)
	if g.parent != nil {
		g.parent.Release()
	}
	g.sem.Release(1)
}

// InFlight returns the number of current holders.
func (g *Gate) InFlight() int {
	return int(g.active.Load())
}

// Capacity returns the configured number of slots.
func (g *Gate) Capacity() int {
	return int(g.capacity)
}
