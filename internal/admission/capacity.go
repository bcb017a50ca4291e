package admission

import "sync"

// Capacity tracks live connection counts per group key and enforces the
// per-group ceiling. Counts are shared across every connection, so all
// mutation happens under one mutex.
type Capacity struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

// NewCapacity returns a Capacity with the given per-group ceiling.
func NewCapacity(max int) *Capacity {
	return &Capacity{
		max:    max,
		counts: make(map[string]int),
	}
}

// Acquire records one more connection for the group. When the new count
// would exceed the ceiling the increment is rolled back and false is
// returned, so a rejected connection never occupies a slot.
func (c *Capacity) Acquire(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.counts[key] + 1
	if next > c.max {
		return false
	}
	c.counts[key] = next
	return true
}

// Release records a disconnect. Zero entries are removed so the map never
// accumulates keys for idle groups.
func (c *Capacity) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count, ok := c.counts[key]
	if !ok {
		return
	}
	if count <= 1 {
		delete(c.counts, key)
		return
	}
	c.counts[key] = count - 1
}

// Count returns the live connection count for the group.
func (c *Capacity) Count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}
