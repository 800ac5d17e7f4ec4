package event

import (
	"context"
	"sync"
	"sync/atomic"
)

// Counter keeps one monotonic counter per event type.
// Safe for concurrent use.
type Counter struct {
	mu       sync.RWMutex
	counters map[Type]*uint64
}

func NewCounter() *Counter {
	return &Counter{counters: make(map[Type]*uint64)}
}

func (c *Counter) Increment(t Type) {
	c.mu.RLock()
	n, ok := c.counters[t]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if n, ok = c.counters[t]; !ok {
			n = new(uint64)
			c.counters[t] = n
		}
		c.mu.Unlock()
	}
	atomic.AddUint64(n, 1)
}

func (c *Counter) Get(t Type) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.counters[t]; ok {
		return atomic.LoadUint64(n)
	}
	return 0
}

// Snapshot copies every counter.
func (c *Counter) Snapshot() map[Type]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make(map[Type]uint64, len(c.counters))
	for t, n := range c.counters {
		res[t] = atomic.LoadUint64(n)
	}
	return res
}

// Consume makes the counter a permanent sink of the pipeline.
func (c *Counter) Consume(_ context.Context, e DomainEvent) error {
	c.Increment(e.Type())
	return nil
}
