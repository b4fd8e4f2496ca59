package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time for test clocks.
var Epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// Clock is a manually advanced wall clock for tests.
//
// Unlike time.Now, Clock only moves when told to, so lease expiry and
// last-writer-wins comparisons are reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock fixed at Epoch.
func NewClock() *Clock {
	return NewClockAt(Epoch)
}

// NewClockAt creates a clock fixed at t.
func NewClockAt(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current clock reading. Pass c.Now wherever a
// func() time.Time is expected.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set jumps the clock to t. Moving backwards is allowed.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
