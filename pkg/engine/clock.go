package engine

import (
	"sync/atomic"
	"time"
)

// clock hands out strictly increasing unix-nano stamps, even when the wall
// clock stalls or steps backwards.
type clock struct {
	last atomic.Int64
}

func (c *clock) Now() int64 {
	for {
		prev := c.last.Load()
		now := time.Now().UnixNano()
		if now <= prev {
			now = prev + 1
		}
		if c.last.CompareAndSwap(prev, now) {
			return now
		}
	}
}

// Observe makes later stamps exceed at.
func (c *clock) Observe(at int64) {
	for {
		prev := c.last.Load()
		if at <= prev || c.last.CompareAndSwap(prev, at) {
			return
		}
	}
}
