// Package quota limits how fast a single connection or key may act.
package quota

import (
	"sync"
	"time"
)

// Bucket holds up to capacity tokens and refills to full at the start of
// every interval. Unlike a smoothed limiter, a burst larger than capacity
// inside one interval passes exactly capacity messages.
type Bucket struct {
	mu         sync.Mutex
	capacity   int
	interval   time.Duration
	tokens     int
	refilledAt time.Time
	dropped    int
	now        func() time.Time
}

// NewBucket creates a full bucket.
func NewBucket(capacity int, interval time.Duration) *Bucket {
	return newBucket(capacity, interval, time.Now)
}

func newBucket(capacity int, interval time.Duration, now func() time.Time) *Bucket {
	return &Bucket{
		capacity:   capacity,
		interval:   interval,
		tokens:     capacity,
		refilledAt: now(),
		now:        now,
	}
}

// TryConsume takes one token if available.
func (b *Bucket) TryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	b.dropped++
	return false
}

// Dropped returns how many consume attempts failed in the current interval.
// Callers use Dropped() == 1 to warn once per interval.
func (b *Bucket) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return b.dropped
}

// Capacity returns the number of tokens granted per interval.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// refill must be called with mu held. Intervals stay aligned to the
// creation time so a late caller cannot stretch a window.
func (b *Bucket) refill() {
	elapsed := b.now().Sub(b.refilledAt)
	if elapsed < b.interval {
		return
	}
	periods := elapsed / b.interval
	b.refilledAt = b.refilledAt.Add(periods * b.interval)
	b.tokens = b.capacity
	b.dropped = 0
}
