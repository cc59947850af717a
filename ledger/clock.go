package ledger

import (
	"sync"

	"github.com/cloudx-io/escrowauction/core"
)

// ManualClock is a clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now core.Timestamp
}

func NewManualClock(start core.Timestamp) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() core.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by seconds.
func (c *ManualClock) Advance(seconds uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += core.Timestamp(seconds)
}

func (c *ManualClock) Set(t core.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
