// Package organize implements the generic organizer core described in
// spec §4.4 ("templated core chaser_organize"), design note "Templated
// organizer (Header vs Block)": the algorithm is written once, generic
// over the BlockLike capability, and headerchaser/blockchaser each supply
// a concrete BlockLike plus the mode-specific pieces of Validate/Storable.
package organize

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chainkeeper/organizer/chainstate"
	"github.com/chainkeeper/organizer/chasebus"
	"github.com/chainkeeper/organizer/clock"
	"github.com/chainkeeper/organizer/headertree"
	"github.com/chainkeeper/organizer/settings"
	"github.com/chainkeeper/organizer/store"
)

// Result reports the outcome of a successful Organize call.
type Result struct {
	// Height is the submission's height once its ChainState was built.
	Height int32

	// Cached reports whether the submission was written into the
	// HeaderTree rather than pushed onto the candidate chain (spec §4.4
	// steps 6 and 9).
	Cached bool

	// Reorganized reports whether accepting this submission popped and
	// rebuilt a segment of the candidate chain.
	Reorganized bool

	// BranchPoint is the height the reorg (if any) pivoted on.
	BranchPoint int32
}

// Organizer is the generic organize/disorganize core. One Organizer
// backs each top-level chaser (headerchaser or blockchaser); which one is
// active is selected by settings.HeadersFirst.
type Organizer struct {
	Store    store.Store
	Bus      *chasebus.Bus
	Tree     *headertree.Tree
	Cache    *chainstate.Cache
	Settings *settings.Settings
	Clock    clock.Clock

	// Event is the event this organizer emits at step 11; the header
	// organizer uses chasebus.Header, the block organizer chasebus.Header
	// as well since blocks still carry a header identity. The payload is
	// the accepted link alone; a consumer tells a bodied block from a bare
	// header by the store's block state for that link.
	Event chasebus.Event

	// activeMilestoneHeight is the derived runtime state from spec §3:
	// the highest milestone-certified height currently on the candidate
	// chain. It is read and written only from the strand.
	activeMilestoneHeight int32

	closed bool
}

// New constructs an Organizer for the given collaborators.
func New(s store.Store, bus *chasebus.Bus, tree *headertree.Tree,
	cache *chainstate.Cache, params *settings.Settings, clk clock.Clock,
	event chasebus.Event) *Organizer {

	return &Organizer{
		Store:    s,
		Bus:      bus,
		Tree:     tree,
		Cache:    cache,
		Settings: params,
		Clock:    clk,
		Event:    event,
	}
}

// ActiveMilestoneHeight returns the highest milestone-certified height
// currently on the candidate chain. Callers off the strand must not call
// this directly; they should cache the value they last observed via a
// Bypass event handler (SPEC_FULL.md §9 open question 1).
func (o *Organizer) ActiveMilestoneHeight() int32 {
	return o.activeMilestoneHeight
}

// Close marks the organizer closed; every entry point re-checks this and
// becomes a no-op once set, per spec §5 "Cancellation".
func (o *Organizer) Close() {
	o.closed = true
}

// Organize accepts a header or full block for processing on the strand.
// The result is delivered to handler once do_organize completes; handler
// runs on the strand, so it must not block.
func (o *Organizer) Organize(blk BlockLike, handler func(Result, error)) error {
	return o.Bus.Post(func() {
		res, err := o.doOrganize(blk)
		handler(res, err)
	})
}

func (o *Organizer) doOrganize(blk BlockLike) (Result, error) {
	if o.closed {
		return Result{}, ErrClosed
	}

	hash := blk.Hash()
	header := blk.Header()

	// 1. Dedupe.
	if o.Tree.Has(hash) {
		log.Tracef("Rejecting %v: already cached in tree", hash)
		return Result{}, fmt.Errorf("%w: already in tree", ErrDuplicate)
	}

	if _, err := o.Store.ToHeader(hash); err == nil {
		state, serr := o.Store.GetBlockState(hash)
		if serr == nil && state == store.Unconfirmable {
			return Result{}, fmt.Errorf("%w: %v", ErrUnconfirmable, hash)
		}

		if !blk.IsBlock() || (serr == nil && state != store.Unassociated) {
			return Result{}, fmt.Errorf("%w: already stored", ErrDuplicate)
		}
	}

	// 2. Parent lookup.
	parent, err := o.Cache.Get(header.PrevBlock)
	if err != nil {
		return Result{}, fmt.Errorf("orphan lookup: %w", err)
	}
	if parent == nil {
		return Result{}, fmt.Errorf("%w: parent %v unknown", ErrOrphan, header.PrevBlock)
	}

	// 3. Build ChainState.
	newState := chainstate.New(parent, header, o.Settings)

	// 4. Checkpoint conflict.
	if cp, ok := o.Settings.CheckpointAt(newState.Height); ok && cp.Hash != hash {
		return Result{}, fmt.Errorf("%w: height %d", ErrCheckpointConflict, newState.Height)
	}

	// 5. Validate.
	bypassHeight := o.Settings.BypassHeight(o.activeMilestoneHeight)
	bypass := newState.Height <= bypassHeight
	now := o.Clock.Now()
	ctx := store.Context{State: newState, Settings: o.Settings, Now: now}
	if err := blk.Validate(ctx, bypass); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	// Archive immediately: every header/block that reaches this point is
	// known-good enough to keep, whether it lands on the candidate chain
	// or in the HeaderTree.
	if _, err := o.Store.SetLink(blk.MsgBlock(), ctx); err != nil {
		return Result{}, store.NewFault("set_link", err)
	}

	// 6. Storability.
	current := o.Settings.IsCurrent(header.Timestamp, now)
	if !blk.Storable(current, bypass) {
		o.Tree.Insert(hash, &headertree.Entry{Block: blk, State: newState})
		return Result{Height: newState.Height, Cached: true}, nil
	}

	// 7. Work summation.
	work, branchPoint, branchLink, treeBranch, storeBranch, err := o.walkToBranch(header.PrevBlock)
	if err != nil {
		return Result{}, err
	}
	work = new(big.Int).Add(work, settings.CalcWork(header.Bits))

	// 8. Strength test.
	candidateWork, err := o.sumCandidateWork(branchPoint)
	if err != nil {
		return Result{}, err
	}

	if work.Cmp(candidateWork) <= 0 {
		// 9. Non-strong.
		log.Debugf("Caching %v at height %d: insufficient work to "+
			"overtake candidate chain", hash, newState.Height)
		o.Tree.Insert(hash, &headertree.Entry{Block: blk, State: newState})
		return Result{Height: newState.Height, Cached: true}, nil
	}

	// 10. Reorganize.
	if branchPoint < parent.Height {
		log.Infof("Reorganizing candidate chain to %v at height %d, "+
			"pivoting on branch point %d", hash, newState.Height, branchPoint)
	}
	if err := o.reorganize(branchPoint, branchLink, storeBranch, treeBranch, hash, newState); err != nil {
		return Result{}, err
	}

	// 11. Notifications.
	if blk.IsBlock() || current {
		_ = o.Bus.Notify(chasebus.Bump, chasebus.HeightValue(branchPoint+1))
		_ = o.Bus.Notify(o.Event, chasebus.LinkValue(hash))
	}

	prevTop := o.Cache.Top()
	if prevTop != nil && newState.Height < prevTop.Height {
		_ = o.Bus.Notify(chasebus.Regressed, chasebus.HeightValue(branchPoint))
	}
	o.Cache.SetTop(newState)

	log.Debugf("Accepted %v onto candidate chain at height %d", hash, newState.Height)

	return Result{
		Height:      newState.Height,
		Reorganized: branchPoint < parent.Height,
		BranchPoint: branchPoint,
	}, nil
}

// walkToBranch walks from startHash upward through the HeaderTree, then
// through store-archived headers, until it reaches a header on the
// candidate chain, collecting cumulative work and the two branch
// segments that step 10 will push back onto the candidate chain.
func (o *Organizer) walkToBranch(startHash chainhash.Hash) (work *big.Int,
	branchPoint int32, branchLink chainhash.Hash,
	treeBranch []*headertree.Entry, storeBranch []chainhash.Hash, err error) {

	work = big.NewInt(0)
	hash := startHash

	var revTree []*headertree.Entry
	var revStore []chainhash.Hash

	for {
		if entry, ok := o.Tree.Get(hash); ok {
			revTree = append(revTree, entry)
			work.Add(work, settings.CalcWork(entry.Block.Header().Bits))
			hash = entry.Block.Header().PrevBlock
			continue
		}

		isCandidate, cerr := o.Store.IsCandidateHeader(hash)
		if cerr != nil {
			return nil, 0, chainhash.Hash{}, nil, nil,
				store.NewFault("unreachable_branch_point", cerr)
		}

		if isCandidate {
			height, herr := o.Store.GetHeight(hash)
			if herr != nil {
				return nil, 0, chainhash.Hash{}, nil, nil,
					store.NewFault("unreachable_branch_point", herr)
			}

			branchPoint = height
			branchLink = hash

			break
		}

		bits, berr := o.Store.GetBits(hash)
		if berr != nil {
			return nil, 0, chainhash.Hash{}, nil, nil,
				store.NewFault("unreachable_branch_point", berr)
		}

		work.Add(work, settings.CalcWork(bits))
		revStore = append(revStore, hash)

		parent, perr := o.Store.ToParent(hash)
		if perr != nil {
			return nil, 0, chainhash.Hash{}, nil, nil,
				store.NewFault("unreachable_branch_point", perr)
		}
		hash = parent
	}

	// revTree/revStore were collected walking from tip towards genesis;
	// reverse them so callers can push in forward (ascending height)
	// order, as spec §4.4 step 10 requires.
	treeBranch = reverseEntries(revTree)
	storeBranch = reverseHashes(revStore)

	return work, branchPoint, branchLink, treeBranch, storeBranch, nil
}

// sumCandidateWork sums the candidate chain's proof from its current tip
// down to branchPoint (exclusive), for the strength test in step 8.
func (o *Organizer) sumCandidateWork(branchPoint int32) (*big.Int, error) {
	_, tip, err := o.Store.GetTopCandidate()
	if err != nil {
		return nil, store.NewFault("get_top_candidate", err)
	}

	total := big.NewInt(0)
	for h := tip; h > branchPoint; h-- {
		link, err := o.Store.ToCandidate(h)
		if err != nil {
			return nil, store.NewFault("to_candidate", err)
		}

		bits, err := o.Store.GetBits(link)
		if err != nil {
			return nil, store.NewFault("get_bits", err)
		}

		total.Add(total, settings.CalcWork(bits))
	}

	return total, nil
}

// reorganize pops the candidate chain down to branchPoint, resets the
// milestone, then pushes storeBranch, treeBranch, and finally the new
// header itself, updating the milestone on any push that matches the
// configured milestone.
func (o *Organizer) reorganize(branchPoint int32, _ chainhash.Hash,
	storeBranch []chainhash.Hash, treeBranch []*headertree.Entry,
	newHash chainhash.Hash, newState *chainstate.State) error {

	_, tip, err := o.Store.GetTopCandidate()
	if err != nil {
		return store.NewFault("get_top_candidate", err)
	}

	for h := tip; h > branchPoint; h-- {
		if _, err := o.Store.PopCandidate(); err != nil {
			return store.NewFault("pop_candidate", err)
		}

		_ = o.Bus.Notify(chasebus.Reorganized, chasebus.HeightValue(h))
	}

	priorMilestone := o.activeMilestoneHeight
	if branchPoint < o.activeMilestoneHeight {
		o.activeMilestoneHeight = branchPoint
	}

	push := func(link chainhash.Hash, height int32) error {
		if err := o.Store.PushCandidate(link); err != nil {
			return store.NewFault("push_candidate", err)
		}

		if !o.Settings.Milestone.IsZero() && o.Settings.Milestone.Height == height &&
			o.Settings.Milestone.Hash == link {

			o.activeMilestoneHeight = height
		}

		return nil
	}

	height := branchPoint
	for _, link := range storeBranch {
		height++
		if err := push(link, height); err != nil {
			return err
		}
	}

	for _, entry := range treeBranch {
		height++
		hash := entry.Block.Hash()
		o.Tree.Remove(hash)
		if err := push(hash, height); err != nil {
			return err
		}
	}

	if err := push(newHash, newState.Height); err != nil {
		return err
	}

	if priorMilestone != o.activeMilestoneHeight {
		_ = o.Bus.Notify(chasebus.Bypass,
			chasebus.BypassValueOf(branchPoint, o.activeMilestoneHeight, priorMilestone))
	}

	return nil
}

func reverseEntries(s []*headertree.Entry) []*headertree.Entry {
	out := make([]*headertree.Entry, len(s))
	for i, e := range s {
		out[len(s)-1-i] = e
	}
	return out
}

func reverseHashes(s []chainhash.Hash) []chainhash.Hash {
	out := make([]chainhash.Hash, len(s))
	for i, h := range s {
		out[len(s)-1-i] = h
	}
	return out
}
