// Package ticker provides a resumable, pausable ticker abstraction so that
// periodic work (like the snapshot chaser's disk checks) can be driven by a
// real time.Ticker in production and by a force-fed Mock in tests.
package ticker

import "time"

// Ticker is an interface which describes an object which can be used to
// receive events at some interval, or be stopped or resumed at will.
type Ticker interface {
	// Ticks returns a channel which is sent events at the ticker's
	// prescribed interval, when it is active.
	Ticks() <-chan time.Time

	// Resume starts the underlying ticker.
	Resume()

	// Pause suspends the underlying ticker without releasing its
	// resources.
	Pause()

	// Stop suspends the underlying ticker and permanently frees its
	// resources.
	Stop()
}

// Default wraps a time.Ticker, and satisfies the Ticker interface. It only
// delivers ticks while it has been Resume()'d.
type Default struct {
	*time.Ticker

	active bool
	paused chan time.Time

	interval time.Duration
}

// New returns a Default ticker that ticks at the given interval, starting
// paused.
func New(interval time.Duration) *Default {
	return &Default{
		Ticker:   time.NewTicker(interval),
		paused:   make(chan time.Time),
		interval: interval,
	}
}

// Ticks returns a channel that delivers times at the ticker's interval when
// the ticker is active, and never when paused.
//
// NOTE: Part of the Ticker interface.
func (d *Default) Ticks() <-chan time.Time {
	if !d.active {
		return d.paused
	}

	return d.Ticker.C
}

// Resume causes the ticker to begin delivering the scheduled events of the
// underlying time.Ticker, which has been running since New.
//
// NOTE: Part of the Ticker interface.
func (d *Default) Resume() {
	d.active = true
}

// Pause suspends the underlying ticker such that Ticks() stops signaling at
// regular intervals.
//
// NOTE: Part of the Ticker interface.
func (d *Default) Pause() {
	d.active = false
}

// Stop suspends the underlying ticker and releases its resources.
//
// NOTE: Part of the Ticker interface.
func (d *Default) Stop() {
	d.Pause()
	d.Ticker.Stop()
}
