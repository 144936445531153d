package sched

import (
	"sync"
	"time"
)

// Clock is the time source every queue user reads "now" from.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall/monotonic clock.
func SystemClock() Clock { return systemClock{} }

// ManualClock only moves when told to. Tests use it with Drive to run a
// queue as a discrete-event simulation.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = time.Unix(1_700_000_000, 0)
	}
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Drive advances the clock by d, stopping at every queued deadline on the
// way so each work item runs at exactly its scheduled time.
func (c *ManualClock) Drive(q *Queue, d time.Duration) {
	end := c.Now().Add(d)
	q.RunPending()
	for {
		next, ok := q.NextDeadline()
		if !ok || next.After(end) {
			break
		}
		if next.After(c.Now()) {
			c.Set(next)
		}
		q.RunPending()
	}
	c.Set(end)
	q.RunPending()
}
