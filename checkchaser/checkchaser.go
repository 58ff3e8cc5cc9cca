// Package checkchaser is the Check chaser (spec §4.5): it tracks which
// candidate headers still lack a downloaded body, pulls them from
// attached peer sessions, and emits checked(height) once a body is
// archived.
package checkchaser

import (
	"context"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/arena"
	"github.com/chainkeeper/organizer/chasebus"
	"github.com/chainkeeper/organizer/netio"
	"github.com/chainkeeper/organizer/pool"
	"github.com/chainkeeper/organizer/queue"
	"github.com/chainkeeper/organizer/store"
)

// DefaultOutstandingBound caps how many in-flight download requests the
// chaser keeps open at once.
const DefaultOutstandingBound = 1024

// DefaultMaxFetchAttempts bounds how many times the chaser retries a
// get_hashes request for a given height before giving up on it. A height
// that exhausts its attempts is handed to the organizer's disorganize
// path via chase::unchecked (spec §4.4's "invoked on unchecked" recovery
// trigger) rather than retried forever.
const DefaultMaxFetchAttempts = 8

// dispatchQueueCapacity bounds the number of fetch batches the chaser will
// hold queued for the dispatch goroutine before RandomEarlyDrop starts
// shedding new ones, so a stalled or slow peer session can't let an
// unbounded number of goroutines pile up behind it.
const dispatchQueueCapacity = 64

// fetchJob is one batched get_hashes dispatch, queued through dispatch so
// pull() never blocks the strand on a full queue.
type fetchJob struct {
	session netio.Session
	req     netio.GetHashesRequest
	heights []int32
}

// Chaser maintains the download map of candidate heights lacking bodies
// and drives peer sessions to fill it.
type Chaser struct {
	store            store.Store
	bus              *chasebus.Bus
	network          netio.Network
	workers          *pool.Worker
	outstandingBound int
	key              chasebus.Key
	mu               sync.Mutex
	pending          map[int32]chainhash.Hash // height -> link, body not yet archived
	inFlight         map[int32]bool
	attempts         map[int32]int
	closed           bool

	dispatch       *queue.BackpressureQueue[fetchJob]
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
}

// New returns a Chaser wired to s/bus/network, dispatching its session
// I/O and body archival through workers, ready to Start.
func New(s store.Store, bus *chasebus.Bus, network netio.Network,
	workers *pool.Worker, outstandingBound int) *Chaser {

	if outstandingBound <= 0 {
		outstandingBound = DefaultOutstandingBound
	}

	red := queue.RandomEarlyDrop[fetchJob](dispatchQueueCapacity/2, dispatchQueueCapacity)

	return &Chaser{
		store:            s,
		bus:              bus,
		network:          network,
		workers:          workers,
		outstandingBound: outstandingBound,
		pending:          make(map[int32]chainhash.Hash),
		inFlight:         make(map[int32]bool),
		attempts:         make(map[int32]int),
		dispatch:         queue.NewBackpressureQueue[fetchJob](dispatchQueueCapacity, red),
	}
}

// Start subscribes the chaser to header/bump/regressed on the strand and
// launches the fetch dispatch goroutine.
func (c *Chaser) Start() error {
	key, err := c.bus.Subscribe(c.handle)
	if err != nil {
		return err
	}

	c.key = key
	c.dispatchCtx, c.dispatchCancel = context.WithCancel(context.Background())

	go c.runDispatcher()

	return nil
}

// Close unsubscribes the chaser and stops the dispatch goroutine. Handlers
// re-check closed() on entry, per the strand's cancellation contract.
func (c *Chaser) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.bus.Unsubscribe(c.key)
	c.dispatchCancel()
}

// runDispatcher drains queued fetch batches one at a time, running each
// to completion on this single goroutine; a slow session delays the
// batches queued behind it.
//
// NOTE: This method MUST be run as a goroutine.
func (c *Chaser) runDispatcher() {
	for {
		job, err := c.dispatch.Dequeue(c.dispatchCtx).Unpack()
		if err != nil {
			return
		}

		c.fetch(job.session, job.req, job.heights)
	}
}

func (c *Chaser) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// handle runs on the strand; it never blocks.
func (c *Chaser) handle(event chasebus.Event, value chasebus.Value) {
	if c.isClosed() {
		return
	}

	switch event {
	case chasebus.Header:
		c.onHeader(value.Link)
	case chasebus.Bump:
		c.onBump(value.Height)
	case chasebus.Regressed:
		c.onRegressed(value.Height)
	}
}

// onHeader extends the tracked range to link's height, marking it pending
// if the store doesn't already have its body. Blocks-first submissions
// arrive with their body already associated; those pass straight through
// to checked(height) instead of waiting on a session fetch that will
// never be needed. The chase::header event carries only the accepted
// link (organize.doOrganize step 11), so the height is resolved here
// rather than threaded through the event payload.
func (c *Chaser) onHeader(link chainhash.Hash) {
	height, err := c.store.GetHeight(link)
	if err != nil {
		return
	}

	state, err := c.store.GetBlockState(link)
	if err != nil {
		return
	}
	if state != store.Unassociated {
		_ = c.bus.Notify(chasebus.Checked, chasebus.HeightValue(height))
		return
	}

	c.mu.Lock()
	c.pending[height] = link
	c.mu.Unlock()

	c.pull()
}

// onRegressed truncates the pending/in-flight maps above branchPoint, per
// spec §4.5's "truncate the map above branch_point".
func (c *Chaser) onRegressed(branchPoint int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for h := range c.pending {
		if h > branchPoint {
			delete(c.pending, h)
		}
	}
	for h := range c.inFlight {
		if h > branchPoint {
			delete(c.inFlight, h)
		}
	}
	for h := range c.attempts {
		if h > branchPoint {
			delete(c.attempts, h)
		}
	}
}

// onBump extends the tracked range across a reorganize's promoted
// candidate heights (spec §4.4 step 10). doOrganize's step-11 notification
// only carries the single newly-submitted link's event, so the promoted
// store_branch/tree_branch heights between the bump's branch point and the
// new candidate top would otherwise never get an individual header event;
// onBump scans that range and adopts any height still lacking a body
// before pulling.
func (c *Chaser) onBump(fromHeight int32) {
	_, top, err := c.store.GetTopCandidate()
	if err != nil {
		return
	}

	c.mu.Lock()
	for h := fromHeight; h <= top; h++ {
		if _, ok := c.pending[h]; ok {
			continue
		}

		link, err := c.store.ToCandidate(h)
		if err != nil {
			continue
		}

		state, err := c.store.GetBlockState(link)
		if err != nil || state != store.Unassociated {
			continue
		}

		c.pending[h] = link
	}
	c.mu.Unlock()

	c.pull()
}

// pull hands outstanding pending heights to attached sessions via
// get_hashes, up to outstandingBound in-flight requests. The session call
// itself runs off the strand through the dispatch queue (§4.10); pull only
// reserves the heights and enqueues the fetch, never blocking.
func (c *Chaser) pull() {
	c.mu.Lock()
	if len(c.inFlight) >= c.outstandingBound {
		c.mu.Unlock()
		return
	}

	heights := make([]int32, 0, len(c.pending))
	for h := range c.pending {
		if !c.inFlight[h] {
			heights = append(heights, h)
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	budget := c.outstandingBound - len(c.inFlight)
	if budget < len(heights) {
		heights = heights[:budget]
	}
	for _, h := range heights {
		c.inFlight[h] = true
	}
	c.mu.Unlock()

	if len(heights) == 0 {
		return
	}

	sessions := c.network.Sessions()
	if len(sessions) == 0 {
		log.Debugf("No attached sessions to pull %d pending height(s)", len(heights))

		c.mu.Lock()
		for _, h := range heights {
			delete(c.inFlight, h)
		}
		c.mu.Unlock()

		return
	}

	req := netio.GetHashesRequest{Start: heights[0], End: heights[len(heights)-1]}

	log.Tracef("Pulling %d pending height(s) [%d, %d]", len(heights),
		heights[0], heights[len(heights)-1])

	job := fetchJob{session: sessions[0], req: req, heights: heights}
	if err := c.dispatch.Enqueue(c.dispatchCtx, job); err != nil {
		log.Debugf("Dropped fetch dispatch for [%d, %d]: %v", req.Start, req.End, err)

		c.mu.Lock()
		for _, h := range heights {
			delete(c.inFlight, h)
		}
		c.mu.Unlock()
	}
}

// fetch runs get_hashes against session on the worker pool, retaining the
// calling worker's arena for the life of the request since a returned
// hash batch may be backed by arena-carved memory once a real network
// stack is plugged in. It releases the reserved heights on failure and
// returns any shortfall to the session via put_hashes on success, per
// spec §4.5 "returns unfetched ones on channel close". A height whose
// get_hashes requests have failed DefaultMaxFetchAttempts times in total
// (the count is cleared only when its body is archived or the height is
// regressed away) is dropped from pending and
// reported via chase::unchecked, handing it to the organizer's disorganize
// recovery path instead of retrying it forever.
func (c *Chaser) fetch(session netio.Session, req netio.GetHashesRequest, heights []int32) {
	var hashes []chainhash.Hash
	err := c.workers.Submit(func(ws pool.WorkerState) error {
		ws.(*arena.State).Retain()

		h, ferr := session.GetHashes(req)
		hashes = h

		return ferr
	})
	if err != nil {
		log.Warnf("get_hashes failed for [%d, %d]: %v", req.Start, req.End, err)

		c.mu.Lock()
		var exhausted []chainhash.Hash
		for _, h := range heights {
			delete(c.inFlight, h)

			c.attempts[h]++
			if c.attempts[h] < DefaultMaxFetchAttempts {
				continue
			}

			if link, ok := c.pending[h]; ok {
				exhausted = append(exhausted, link)
				delete(c.pending, h)
			}
			delete(c.attempts, h)
		}
		c.mu.Unlock()

		for _, link := range exhausted {
			link := link
			_ = c.bus.Post(func() {
				_ = c.bus.Notify(chasebus.Unchecked, chasebus.LinkValue(link))
			})
		}

		return
	}

	if len(hashes) < len(heights) {
		_ = session.PutHashes(hashes)
	}
}

// BodyArrived is invoked (off-strand, by the network layer) when a body
// for height/link has been downloaded. The archival write runs on the
// worker pool, holding the calling worker's arena retainer for the life
// of the request per spec §4.1's "deserialized blocks hold a shared
// reference to an arena retainer while in use"; the follow-up notify is
// posted back onto the strand once the write completes.
func (c *Chaser) BodyArrived(height int32, link chainhash.Hash, block *wire.MsgBlock) error {
	c.mu.Lock()
	pendingLink, ok := c.pending[height]
	c.mu.Unlock()
	if !ok || pendingLink != link {
		return nil
	}

	go func() {
		err := c.workers.Submit(func(ws pool.WorkerState) error {
			ws.(*arena.State).Retain()

			return c.store.SetBody(link, block)
		})
		if err != nil {
			log.Errorf("Failed to archive body for height %d (%v): %v",
				height, link, err)
			return
		}

		log.Debugf("Checked height %d (%v)", height, link)

		_ = c.bus.Post(func() {
			if c.isClosed() {
				return
			}

			c.mu.Lock()
			pendingLink, ok := c.pending[height]
			c.mu.Unlock()
			if !ok || pendingLink != link {
				return
			}

			c.mu.Lock()
			delete(c.pending, height)
			delete(c.inFlight, height)
			delete(c.attempts, height)
			c.mu.Unlock()

			_ = c.bus.Notify(chasebus.Checked, chasebus.HeightValue(height))
		})
	}()

	return nil
}
