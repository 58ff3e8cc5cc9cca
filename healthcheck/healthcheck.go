// Package healthcheck contains a monitor that is used to run a set of
// configured health checks at their prescribed interval, retrying failed
// checks before giving up and prompting a shutdown.
package healthcheck

import (
	"fmt"
	"sync"
	"time"

	"github.com/chainkeeper/organizer/ticker"
)

// Config holds a set of health checks to monitor, and the shutdown function
// to call in the event that any of the checks fail.
type Config struct {
	// Checks is a list of health checks to run.
	Checks []*Observation

	// Shutdown is a function that triggers shutdown of the calling
	// process when invoked.
	Shutdown func(string, ...interface{})
}

// Monitor periodically checks a set of configured Observations and triggers
// shutdown of the calling process if the checks fail.
type Monitor struct {
	cfg  *Config
	quit chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor returns a new health check monitor.
func NewMonitor(cfg *Config) *Monitor {
	return &Monitor{
		cfg:  cfg,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the goroutines required to run the monitor's health checks.
func (m *Monitor) Start() error {
	for _, check := range m.cfg.Checks {
		check.Interval.Resume()

		m.wg.Add(1)
		go m.monitorCheck(check)
	}

	go func() {
		m.wg.Wait()
		close(m.done)
	}()

	return nil
}

// Stop sends all goroutines spawned by the monitor's Start method to stop
// and waits for them to exit.
func (m *Monitor) Stop() error {
	close(m.quit)
	<-m.done

	return nil
}

// monitorCheck triggers a single observation at its prescribed interval,
// shutting the process down if it fails beyond its configured number of
// retries.
//
// NOTE: must be run in a goroutine.
func (m *Monitor) monitorCheck(check *Observation) {
	defer m.wg.Done()
	defer check.Interval.Stop()

	for {
		select {
		case <-check.Interval.Ticks():
			check.retryCheck(m.quit, m.cfg.Shutdown)

		case <-m.quit:
			return
		}
	}
}

// Observation represents a single health check that is run at the interval
// specified, retried up to Attempts times (with Backoff between attempts)
// before the monitor's shutdown function is called.
type Observation struct {
	// Check runs the health check itself, returning a channel that the
	// result of the check will be sent on.
	Check func() chan error

	// Interval is the period of time between two health checks.
	Interval ticker.Ticker

	// Attempts is the number of calls to Check that are allowed to fail
	// before we call the monitor's shutdown function.
	Attempts int

	// Timeout is the amount of time we allow a single call to Check to
	// take before it is recorded as a failure.
	Timeout time.Duration

	// Backoff is the period of time to back off between failed calls to
	// Check.
	Backoff time.Duration
}

// retryCheck calls an observation's check function until it succeeds, the
// quit channel fires, or it fails through all of its allotted attempts. It
// returns true if all attempts were exhausted without success.
func (o *Observation) retryCheck(quit chan struct{},
	shutdown func(string, ...interface{})) bool {

	for count := 1; count <= o.Attempts; count++ {
		var err error

		select {
		case err = <-o.Check():

		case <-time.After(o.Timeout):
			err = fmt.Errorf("health check timed out after: %v",
				o.Timeout)

		case <-quit:
			return false
		}

		if err == nil {
			return false
		}

		if count == o.Attempts {
			shutdown("Health check failed after attempt: %v "+
				"due to: %v", count, err)

			return true
		}

		select {
		case <-time.After(o.Backoff):

		case <-quit:
			return false
		}
	}

	return false
}
