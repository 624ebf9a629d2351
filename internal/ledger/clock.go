package ledger

import (
	"math"
	"sync"
	"time"
)

// Clock hands out strictly increasing logical timestamps that track wall
// time in nanoseconds. Timestamps supplied by clients are observed so that
// later server-assigned stamps order after them.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns a timestamp greater than every one returned or observed
// before. It saturates at math.MaxInt64 rather than wrapping.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixNano()
	if ts <= c.last {
		if c.last == math.MaxInt64 {
			return c.last
		}
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Observe advances the clock past ts.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	if ts > c.last {
		c.last = ts
	}
	c.mu.Unlock()
}
