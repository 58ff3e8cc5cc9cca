// Package clock provides an abstraction over time so that organizer
// components scheduling work relative to now (the snapshot chaser's
// checkpoint interval, the healthcheck monitor's retry backoff) can be
// driven by wall-clock time in production and by a manually advanced clock
// in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is an interface that provides an abstraction over time.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time

	// TickAfter returns a channel that will receive a tick after the
	// given duration has passed.
	TickAfter(duration time.Duration) <-chan time.Time
}

// DefaultClock implements the Clock interface using the real wall-clock
// time.
type DefaultClock struct{}

// NewDefaultClock returns a new DefaultClock.
func NewDefaultClock() *DefaultClock {
	return &DefaultClock{}
}

// Now returns the current local time.
//
// NOTE: Part of the Clock interface.
func (*DefaultClock) Now() time.Time {
	return time.Now()
}

// TickAfter returns a channel that will tick after the given duration,
// backed by time.After.
//
// NOTE: Part of the Clock interface.
func (*DefaultClock) TickAfter(duration time.Duration) <-chan time.Time {
	return time.After(duration)
}

// tickDef defines a registered tick that is waiting for the clock's
// internal time to reach end.
type tickDef struct {
	end time.Time
	ch  chan time.Time
}

// TestClock is a Clock implementation that allows the current time to be
// manually advanced, firing any pending TickAfter channels whose deadline
// has been reached.
type TestClock struct {
	mtx  sync.Mutex
	now  time.Time
	tick []*tickDef

	tickSignal chan time.Duration
}

// NewTestClock returns a new test clock with the given start time.
func NewTestClock(now time.Time) *TestClock {
	return &TestClock{
		now: now,
	}
}

// NewTestClockWithTickSignal returns a new test clock with the given start
// time, that sends a signal on the given channel whenever TickAfter is
// called, reporting the requested duration. This allows callers to
// synchronize on tick registration before advancing the clock's time.
func NewTestClockWithTickSignal(now time.Time,
	tickSignal chan time.Duration) *TestClock {

	return &TestClock{
		now:        now,
		tickSignal: tickSignal,
	}
}

// Now returns the current time tracked by the test clock.
//
// NOTE: Part of the Clock interface.
func (c *TestClock) Now() time.Time {
	c.lock()
	defer c.unlock()

	return c.now
}

// SetTime sets the current time tracked by the test clock, waking up any
// TickAfter channel whose deadline has now passed.
func (c *TestClock) SetTime(now time.Time) {
	c.lock()
	defer c.unlock()

	c.now = now

	var remaining []*tickDef
	for _, td := range c.tick {
		if !now.Before(td.end) {
			td.ch <- now
			continue
		}

		remaining = append(remaining, td)
	}
	c.tick = remaining
}

// TickAfter returns a channel that will receive a tick once the test
// clock's time has been advanced to or past duration from now. A zero or
// negative duration ticks immediately.
//
// NOTE: Part of the Clock interface.
func (c *TestClock) TickAfter(duration time.Duration) <-chan time.Time {
	c.lock()
	defer c.unlock()

	ch := make(chan time.Time, 1)

	if c.tickSignal != nil {
		c.tickSignal <- duration
	}

	end := c.now.Add(duration)
	if !end.After(c.now) {
		ch <- c.now
		return ch
	}

	c.tick = append(c.tick, &tickDef{
		end: end,
		ch:  ch,
	})

	return ch
}

func (c *TestClock) lock() {
	c.mtx.Lock()
}

func (c *TestClock) unlock() {
	c.mtx.Unlock()
}
