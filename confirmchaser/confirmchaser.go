// Package confirmchaser is the Confirm chaser (spec §4.7): it processes
// valid(height), reorganizing the confirmed chain onto the stronger
// candidate branch and pushing each newly-confirmable link, with a
// rollback path if any link along the way turns out unconfirmable.
package confirmchaser

import (
	"time"

	"github.com/chainkeeper/organizer/chainstate"
	"github.com/chainkeeper/organizer/chasebus"
	"github.com/chainkeeper/organizer/clock"
	"github.com/chainkeeper/organizer/settings"
	"github.com/chainkeeper/organizer/store"
)

// Chaser drives do_validated against the store's confirmed chain.
type Chaser struct {
	store    store.Store
	bus      *chasebus.Bus
	cache    *chainstate.Cache
	settings *settings.Settings
	clock    clock.Clock

	key                   chasebus.Key
	closed                bool
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

// Start subscribes the chaser to valid/bypass on the strand.
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

func (c *Chaser) handle(event chasebus.Event, value chasebus.Value) {
	if c.closed {
		return
	}

	switch event {
	case chasebus.Valid:
		c.doValidated(value.Height)
	case chasebus.Bypass:
		c.activeMilestoneHeight = value.Bypass.ActiveMilestoneHeight
	}
}

// doValidated implements spec §4.7's algorithm for a newly valid height.
func (c *Chaser) doValidated(height int32) {
	link, err := c.store.ToCandidate(height)
	if err != nil {
		return
	}

	// Step 1: walk from height down to the first header already on the
	// confirmed chain, collecting fork in ascending order.
	forkLinks, forkPoint, err := c.walkToConfirmed(link, height)
	if err != nil {
		return
	}
	if len(forkLinks) == 0 {
		// height is already confirmed; nothing to do.
		return
	}

	topConfirmedLink, topConfirmedHeight, err := c.store.GetTopConfirmed()
	if err != nil {
		return
	}

	// Step 2: strength test. Both cumulative Work fields are measured
	// from genesis, so comparing them directly is equivalent to
	// comparing fork_work against confirmed_work measured from
	// fork_point, since the common prefix cancels.
	forkState, err := c.cache.Get(forkLinks[len(forkLinks)-1])
	if err != nil {
		return
	}
	confirmedState, err := c.cache.Get(topConfirmedLink)
	if err != nil {
		return
	}
	strong := forkState.Work.Cmp(confirmedState.Work) > 0

	// Step 3.
	if !strong {
		return
	}

	// Step 4: pop the confirmed chain down to fork_point, recording
	// popped links for a possible rollback.
	log.Debugf("Reorganizing confirmed chain to fork point %d "+
		"(confirmed tip %d)", forkPoint, topConfirmedHeight)

	poppedLinks := make([]store.Link, 0, topConfirmedHeight-forkPoint)
	for h := topConfirmedHeight; h > forkPoint; h-- {
		popped, err := c.store.PopConfirmed()
		if err != nil {
			return
		}
		_ = c.store.SetUnstrong(popped)
		poppedLinks = append(poppedLinks, popped)

		_ = c.bus.Notify(chasebus.Reorganized, chasebus.HeightValue(h))
	}

	// Step 5: walk the fork ascending, pushing each link that clears
	// validation.
	for i, flink := range forkLinks {
		h := forkPoint + 1 + int32(i)

		if !c.acceptLink(flink, h, poppedLinks, forkPoint) {
			return
		}
	}
}

// acceptLink runs step 5's per-link branching for flink at height h. It
// returns false if it triggered a rollback or malleation stop, meaning
// the caller must not continue the fork walk.
func (c *Chaser) acceptLink(flink store.Link, h int32, poppedLinks []store.Link, forkPoint int32) bool {
	bypass := h <= c.settings.BypassHeight(c.activeMilestoneHeight)

	malleable, err := c.store.IsMalleable64(flink)
	if err != nil {
		return false
	}

	state, err := c.store.GetBlockState(flink)
	if err != nil {
		return false
	}

	switch {
	case state == store.Unconfirmable:
		log.Warnf("Unconfirmable %v at height %d, rolling back to fork point %d",
			flink, h, forkPoint)
		_ = c.bus.Notify(chasebus.Unconfirmable, chasebus.LinkValue(flink))
		c.rollback(poppedLinks, forkPoint)
		return false

	case state == store.Confirmable || (bypass && !malleable):
		_ = c.bus.Notify(chasebus.Confirmable, chasebus.HeightValue(h))
		if err := c.store.PushConfirmed(flink); err != nil {
			return false
		}
		_ = c.store.SetStrong(flink)
		_ = c.bus.Notify(chasebus.Organized, chasebus.LinkValue(flink))
		return true

	default:
		return c.runBlockConfirmable(flink, h, bypass, poppedLinks, forkPoint)
	}
}

func (c *Chaser) runBlockConfirmable(flink store.Link, h int32, bypass bool,
	poppedLinks []store.Link, forkPoint int32) bool {

	blkState, err := c.cache.Get(flink)
	if err != nil {
		return false
	}
	ctx := store.Context{State: blkState, Settings: c.settings, Now: c.now()}

	fees, err := c.store.BlockConfirmable(flink, ctx)
	if err != nil {
		if bypass {
			log.Debugf("Malleated %v at height %d: %v", flink, h, err)
			_ = c.bus.Notify(chasebus.Malleated, chasebus.LinkValue(flink))
			return false
		}

		log.Warnf("Unconfirmable %v at height %d: %v, rolling back to fork point %d",
			flink, h, err, forkPoint)
		_ = c.store.SetBlockUnconfirmable(flink)
		_ = c.bus.Notify(chasebus.Unconfirmable, chasebus.LinkValue(flink))
		c.rollback(poppedLinks, forkPoint)
		return false
	}

	_ = c.store.SetBlockConfirmable(flink, fees)
	if err := c.store.PushConfirmed(flink); err != nil {
		return false
	}
	_ = c.store.SetStrong(flink)
	_ = c.bus.Notify(chasebus.Confirmable, chasebus.HeightValue(h))
	_ = c.bus.Notify(chasebus.Organized, chasebus.LinkValue(flink))

	return true
}

// rollback restores the pre-call confirmed chain: it reverses whatever
// partial push happened after the reorg pop, then re-pushes poppedLinks
// in their original ascending order.
func (c *Chaser) rollback(poppedLinks []store.Link, forkPoint int32) {
	for {
		_, h, err := c.store.GetTopConfirmed()
		if err != nil || h <= forkPoint {
			break
		}

		l, err := c.store.PopConfirmed()
		if err != nil {
			break
		}
		_ = c.store.SetUnstrong(l)
	}

	for i := len(poppedLinks) - 1; i >= 0; i-- {
		_ = c.store.PushConfirmed(poppedLinks[i])
		_ = c.store.SetStrong(poppedLinks[i])
	}
}

// walkToConfirmed walks from link/height down to (but excluding) the
// first header already on the confirmed chain, returning the walked
// links in ascending order and the branch point height.
func (c *Chaser) walkToConfirmed(link store.Link, height int32) ([]store.Link, int32, error) {
	var links []store.Link

	cur := link
	curHeight := height
	for {
		confirmed, err := c.store.IsConfirmedBlock(cur)
		if err != nil {
			return nil, 0, err
		}
		if confirmed {
			break
		}

		links = append(links, cur)

		parent, err := c.store.ToParent(cur)
		if err != nil {
			return nil, 0, err
		}
		cur = parent
		curHeight--
	}

	for i, j := 0, len(links)-1; i < j; i, j = i+1, j-1 {
		links[i], links[j] = links[j], links[i]
	}

	return links, curHeight, nil
}

func (c *Chaser) now() time.Time {
	if c.clock == nil {
		return time.Time{}
	}

	return c.clock.Now()
}
