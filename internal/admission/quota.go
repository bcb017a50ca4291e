package admission

import (
	"sync"
	"time"
)

// Quota enforces the per-connection inbound message budget. Every inbound
// message of any kind spends one unit; a recurring window timer restores
// the full budget.
type Quota struct {
	mu        sync.Mutex
	remaining int
	limit     int
	ticker    *time.Ticker
	done      chan struct{}
	stopOnce  sync.Once
}

// NewQuota starts a quota with the given budget and refill window.
func NewQuota(limit int, window time.Duration) *Quota {
	q := &Quota{
		remaining: limit,
		limit:     limit,
		ticker:    time.NewTicker(window),
		done:      make(chan struct{}),
	}
	go q.refillLoop()
	return q
}

func (q *Quota) refillLoop() {
	for {
		select {
		case <-q.ticker.C:
			q.mu.Lock()
			q.remaining = q.limit
			q.mu.Unlock()
		case <-q.done:
			return
		}
	}
}

// Consume spends one unit and reports whether the budget for the current
// window still covers the message.
func (q *Quota) Consume() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remaining--
	return q.remaining >= 0
}

// Remaining returns the units left in the current window.
func (q *Quota) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remaining
}

// Stop releases the refill timer. Stopping an already-stopped quota is a
// no-op, so disconnect paths may call it unconditionally.
func (q *Quota) Stop() {
	q.stopOnce.Do(func() {
		q.ticker.Stop()
		close(q.done)
	})
}
