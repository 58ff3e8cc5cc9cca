// Package snapshotchaser is the Snapshot/Storage chaser (spec §4.8): it
// periodically checks the store for disk-full, suspends network reads
// and emits snapshot on detection, attempts a store snapshot/compaction,
// and resumes the network on success or enters a fatal state on
// exhaustion. The retry/backoff loop is an adapted healthcheck.Monitor
// (SPEC_FULL.md §4.12).
package snapshotchaser

import (
	"fmt"
	"time"

	"github.com/chainkeeper/organizer/chasebus"
	"github.com/chainkeeper/organizer/healthcheck"
	"github.com/chainkeeper/organizer/netio"
	"github.com/chainkeeper/organizer/pool"
	"github.com/chainkeeper/organizer/store"
	"github.com/chainkeeper/organizer/ticker"
)

// Config carries the tuning parameters for the disk-full observation.
type Config struct {
	// CheckInterval is how often the store is polled for disk-full.
	CheckInterval time.Duration

	// Attempts is how many snapshot attempts are made before the fatal
	// hook fires.
	Attempts int

	// Timeout bounds a single snapshot attempt.
	Timeout time.Duration

	// Backoff is the delay between failed snapshot attempts.
	Backoff time.Duration

	// Fatal is invoked when every attempt is exhausted; it should stop
	// the node. It mirrors the teacher's ShutdownLogger.Criticalf
	// signature so it can be wired directly to one.
	Fatal func(string, ...interface{})
}

// DefaultConfig returns reasonable polling/retry parameters.
func DefaultConfig(fatal func(string, ...interface{})) Config {
	return Config{
		CheckInterval: 30 * time.Second,
		Attempts:      3,
		Timeout:       10 * time.Second,
		Backoff:       5 * time.Second,
		Fatal:         fatal,
	}
}

// Chaser owns the health-check monitor driving disk-full detection and
// recovery, plus the strand handler that reacts to a suspend/resume
// request from any writer.
type Chaser struct {
	store   store.Store
	bus     *chasebus.Bus
	network netio.Network
	workers *pool.Worker
	cfg     Config
	monitor *healthcheck.Monitor

	key    chasebus.Key
	closed bool
}

// New returns a Chaser wired to the given collaborators, dispatching its
// disk-full checks and snapshot attempts through workers, ready to Start.
func New(s store.Store, bus *chasebus.Bus, network netio.Network,
	workers *pool.Worker, cfg Config) *Chaser {

	c := &Chaser{store: s, bus: bus, network: network, workers: workers, cfg: cfg}

	c.monitor = healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{
			{
				Check:    c.diskCheck,
				Interval: ticker.New(cfg.CheckInterval),
				Attempts: cfg.Attempts,
				Timeout:  cfg.Timeout,
				Backoff:  cfg.Backoff,
			},
		},
		Shutdown: cfg.Fatal,
	})

	return c
}

// Start subscribes to snapshot/suspend/resume and launches the disk-full
// monitor.
func (c *Chaser) Start() error {
	key, err := c.bus.Subscribe(c.handle)
	if err != nil {
		return err
	}
	c.key = key

	return c.monitor.Start()
}

// Close unsubscribes and stops the monitor.
func (c *Chaser) Close() {
	c.closed = true
	c.bus.Unsubscribe(c.key)
	_ = c.monitor.Stop()
}

func (c *Chaser) handle(event chasebus.Event, _ chasebus.Value) {
	if c.closed {
		return
	}

	switch event {
	case chasebus.Snapshot:
		c.runSnapshot()
	case chasebus.Suspend:
		_ = c.network.Suspend()
	case chasebus.Resume:
		_ = c.network.Resume()
	}
}

// diskCheck is the healthcheck.Observation's Check function: it polls the
// store's disk-full flag on the worker pool (§4.10) and, on detection,
// suspends the network and emits snapshot before the retry loop attempts
// recovery. A nil send means the disk had room; a non-nil send is a
// failed attempt.
func (c *Chaser) diskCheck() chan error {
	result := make(chan error, 1)

	go func() {
		var full bool
		err := c.workers.Submit(func(_ pool.WorkerState) error {
			f, ferr := c.store.DiskFull()
			full = f

			return ferr
		})
		if err != nil {
			result <- err
			return
		}
		if !full {
			result <- nil
			return
		}

		log.Warnf("Disk full detected, suspending network and snapshotting")

		_ = c.bus.Post(func() {
			_ = c.bus.Notify(chasebus.Suspend, chasebus.Value{})
			_ = c.bus.Notify(chasebus.Snapshot, chasebus.Value{})
		})

		if err := c.snapshot(); err != nil {
			log.Errorf("Snapshot attempt failed: %v", err)
			result <- err
			return
		}

		log.Infof("Snapshot succeeded, resuming network")

		_ = c.bus.Post(func() {
			_ = c.bus.Notify(chasebus.Resume, chasebus.Value{})
		})

		result <- nil
	}()

	return result
}

// snapshot runs the store's compaction/checkpointing attempt on the
// worker pool.
func (c *Chaser) snapshot() error {
	return c.workers.Submit(func(_ pool.WorkerState) error {
		return c.store.Snapshot()
	})
}

// runSnapshot handles an explicit (non-disk-full-triggered) snapshot
// request posted by another chaser or the Supervisor. It is invoked from
// the strand's event handler, so the pool submission itself is fired from
// a goroutine to avoid blocking the strand on the store's snapshot call.
func (c *Chaser) runSnapshot() {
	go func() {
		if err := c.snapshot(); err != nil {
			log.Errorf("Requested snapshot failed: %v", err)
			if c.cfg.Fatal != nil {
				c.cfg.Fatal("snapshot failed: %v", fmt.Errorf("snapshot: %w", err))
			}
		}
	}()
}
