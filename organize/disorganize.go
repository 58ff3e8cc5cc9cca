package organize

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/chasebus"
	"github.com/chainkeeper/organizer/headertree"
	"github.com/chainkeeper/organizer/store"
)

// Disorganize handles an unchecked/unvalid/unconfirmable signal from a
// lower chaser for failingLink: it moves the candidate segment above the
// store's fork point into the HeaderTree, pops the candidate chain back
// to the fork point, then re-pushes the confirmed chain's segment above
// the fork so the candidate chain never falls below the confirmed chain.
func (o *Organizer) Disorganize(failingLink chainhash.Hash, handler func(int32, error)) error {
	return o.Bus.Post(func() {
		forkPoint, err := o.doDisorganize(failingLink)
		handler(forkPoint, err)
	})
}

func (o *Organizer) doDisorganize(failingLink chainhash.Hash) (int32, error) {
	if o.closed {
		return 0, ErrClosed
	}

	forkPoint, err := o.Store.GetFork()
	if err != nil {
		return 0, store.NewFault("get_fork", err)
	}

	if _, err := o.Store.GetHeight(failingLink); err != nil {
		return 0, store.NewFault("get_height", err)
	}

	_, tip, err := o.Store.GetTopCandidate()
	if err != nil {
		return 0, store.NewFault("get_top_candidate", err)
	}

	// Move candidates from fork_point+1 up to the candidate tip into the
	// HeaderTree, in forward order so each entry's ChainState chains
	// correctly off its (already-moved) parent.
	for h := forkPoint + 1; h <= tip; h++ {
		link, err := o.Store.ToCandidate(h)
		if err != nil {
			return 0, store.NewFault("to_candidate", err)
		}

		state, err := o.Cache.Get(link)
		if err != nil {
			return 0, store.NewFault("get_chain_state", err)
		}

		header, err := o.Store.ToHeader(link)
		if err != nil {
			return 0, store.NewFault("to_header", err)
		}

		o.Tree.Insert(link, &headertree.Entry{
			Block: treeOnlyBlock{hash: link, header: header},
			State: state,
		})
	}

	// Pop the candidate chain back to the fork point.
	for h := tip; h > forkPoint; h-- {
		if _, err := o.Store.PopCandidate(); err != nil {
			return 0, store.NewFault("pop_candidate", err)
		}
	}

	// Re-push the confirmed chain's segment above the fork so the
	// candidate chain never falls below the confirmed chain.
	_, topConfirmed, err := o.Store.GetTopConfirmed()
	if err != nil {
		return 0, store.NewFault("get_top_confirmed", err)
	}

	for h := forkPoint + 1; h <= topConfirmed; h++ {
		link, err := o.Store.ToConfirmed(h)
		if err != nil {
			return 0, store.NewFault("to_confirmed", err)
		}

		if err := o.Store.PushCandidate(link); err != nil {
			return 0, store.NewFault("push_candidate", err)
		}
	}

	if o.activeMilestoneHeight > forkPoint {
		o.activeMilestoneHeight = forkPoint
	}

	log.Infof("Disorganized candidate chain back to fork point %d "+
		"(failing link %v)", forkPoint, failingLink)

	_ = o.Bus.Notify(chasebus.Disorganized, chasebus.HeightValue(forkPoint))

	return forkPoint, nil
}

// Malleated handles the malleated-block recovery path: the stored block's
// merkle structure cannot be marked unconfirmable (identity collision
// risk), so its body is disassociated instead, and if it is still on the
// candidate chain a header event is re-emitted so the Check chaser
// re-downloads it.
func (o *Organizer) Malleated(link chainhash.Hash, handler func(error)) error {
	return o.Bus.Post(func() {
		handler(o.doMalleated(link))
	})
}

func (o *Organizer) doMalleated(link chainhash.Hash) error {
	if o.closed {
		return ErrClosed
	}

	if err := o.Store.SetDisassociated(link); err != nil {
		return store.NewFault("set_disassociated", err)
	}

	onCandidate, err := o.Store.IsCandidateHeader(link)
	if err != nil {
		return store.NewFault("is_candidate_header", err)
	}

	if onCandidate {
		log.Debugf("Malleated block %v disassociated, re-requesting body", link)
		_ = o.Bus.Notify(o.Event, chasebus.LinkValue(link))
	}

	return nil
}

// treeOnlyBlock is a minimal headertree.HeaderLike used when
// doDisorganize re-caches a candidate link whose original BlockLike
// submission is no longer in hand; it carries enough identity for the
// tree's own bookkeeping (Hash, and a header fetched lazily from the
// store by callers that need it) without re-deserializing the body.
type treeOnlyBlock struct {
	hash   chainhash.Hash
	header *wire.BlockHeader
}

func (b treeOnlyBlock) Hash() chainhash.Hash { return b.hash }

func (b treeOnlyBlock) Header() *wire.BlockHeader { return b.header }
