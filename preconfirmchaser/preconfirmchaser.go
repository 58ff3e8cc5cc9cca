// Package preconfirmchaser is the Preconfirm chaser (spec §4.6): it
// consumes checked(height) in ascending order, runs populate/accept/
// connect on the newly bodied block unless the height is bypassed, and
// emits valid(height) or unvalid(header).
package preconfirmchaser

import (
	"time"

	"github.com/chainkeeper/organizer/chainstate"
	"github.com/chainkeeper/organizer/chasebus"
	"github.com/chainkeeper/organizer/clock"
	"github.com/chainkeeper/organizer/consensus"
	"github.com/chainkeeper/organizer/settings"
	"github.com/chainkeeper/organizer/store"
)

// Chaser tracks the next height it has not yet processed and drives
// full block validation as bodies become available.
type Chaser struct {
	store    store.Store
	bus      *chasebus.Bus
	cache    *chainstate.Cache
	settings *settings.Settings
	clock    clock.Clock

	key                   chasebus.Key
	closed                bool
	nextHeight            int32
	activeMilestoneHeight int32
}

// New returns a Chaser wired to the given collaborators, ready to Start.
func New(s store.Store, bus *chasebus.Bus, cache *chainstate.Cache,
	params *settings.Settings, clk clock.Clock) *Chaser {

	return &Chaser{
		store:    s,
		bus:      bus,
		cache:    cache,
		settings: params,
		clock:    clk,
	}
}

// Start subscribes the chaser to checked/bypass on the strand.
func (c *Chaser) Start() error {
	key, err := c.bus.Subscribe(c.handle)
	if err != nil {
		return err
	}

	c.key = key

	return nil
}

// Close unsubscribes the chaser.
func (c *Chaser) Close() {
	c.closed = true
	c.bus.Unsubscribe(c.key)
}

// handle runs on the strand.
func (c *Chaser) handle(event chasebus.Event, value chasebus.Value) {
	if c.closed {
		return
	}

	switch event {
	case chasebus.Checked:
		c.advanceTo(value.Height)
	case chasebus.Bypass:
		// The milestone height that governs bypass decisions is only
		// ever updated here, on the strand, per the stale-milestone
		// race decision: off-strand code never reads it directly.
		c.activeMilestoneHeight = value.Bypass.ActiveMilestoneHeight
	case chasebus.Regressed:
		if value.Height < c.nextHeight {
			c.nextHeight = value.Height + 1
		}
	}
}

// advanceTo processes every height from the chaser's cursor through top,
// in ascending order, per spec §4.6.
func (c *Chaser) advanceTo(top int32) {
	for h := c.nextHeight; h <= top; h++ {
		c.processHeight(h)
		c.nextHeight = h + 1
	}
}

func (c *Chaser) processHeight(height int32) {
	link, err := c.store.ToCandidate(height)
	if err != nil {
		return
	}

	header, err := c.store.ToHeader(link)
	if err != nil {
		return
	}

	blk, err := c.store.ToBlock(link)
	if err != nil {
		log.Debugf("Unvalid %v at height %d: body not archived: %v", link, height, err)
		_ = c.bus.Notify(chasebus.Unvalid, chasebus.LinkValue(link))
		return
	}

	if err := consensus.CheckStructure(blk); err != nil {
		log.Debugf("Unvalid %v at height %d: structural check failed: %v", link, height, err)
		_ = c.bus.Notify(chasebus.Unvalid, chasebus.LinkValue(link))
		return
	}

	bypass := height <= c.settings.BypassHeight(c.activeMilestoneHeight)
	if bypass {
		log.Tracef("Valid %v at height %d: bypassed", link, height)
		_ = c.bus.Notify(chasebus.Valid, chasebus.HeightValue(height))
		return
	}

	state, err := c.cache.Get(header.BlockHash())
	if err != nil {
		_ = c.bus.Notify(chasebus.Unvalid, chasebus.LinkValue(link))
		return
	}

	ctx := store.Context{State: state, Settings: c.settings, Now: c.now()}

	if _, err := c.store.BlockConfirmable(link, ctx); err != nil {
		log.Debugf("Unvalid %v at height %d: not confirmable: %v", link, height, err)
		_ = c.bus.Notify(chasebus.Unvalid, chasebus.LinkValue(link))
		return
	}

	log.Tracef("Valid %v at height %d", link, height)
	_ = c.bus.Notify(chasebus.Valid, chasebus.HeightValue(height))
}

func (c *Chaser) now() time.Time {
	if c.clock == nil {
		return time.Time{}
	}

	return c.clock.Now()
}
