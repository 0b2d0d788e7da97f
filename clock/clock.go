package clock

import (
	"sync"
	"time"
)

// Clock supplies the server time used to stamp appended updates and to
// evaluate expiry deadlines.
type Clock interface {
	// Now returns the current time. Successive calls never go backwards.
	Now() time.Time
	// NowMillis returns Now as unix milliseconds.
	NowMillis() int64
}

// System is a wall clock that never moves backwards, even if the host clock
// is stepped back by NTP. Readings are clamped to the last value handed out.
type System struct {
	mu   sync.Mutex
	last int64 // unix nanos
}

// NewSystem creates a wall clock
func NewSystem() *System {
	return &System{}
}

// Now returns max(physical now, last reading)
func (c *System) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	if physicalNow > c.last {
		c.last = physicalNow
	}
	return time.Unix(0, c.last)
}

// NowMillis returns Now as unix milliseconds
func (c *System) NowMillis() int64 {
	return c.Now().UnixMilli()
}

// Manual is a clock that only moves when told to. Used by tests that need
// to step through expiry windows deterministically.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock positioned at start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Manual) NowMillis() int64 {
	return c.Now().UnixMilli()
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (c *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set positions the clock at t if t is not before the current reading
func (c *Manual) Set(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}
