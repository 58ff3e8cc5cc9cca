// Package headerchaser is the header-organizer top-level chaser (spec §2
// component 4): it accepts headers only and runs the generic organize
// core with headers-first validation (proof of work and timestamp rules;
// no block-version rule is checked, and no check/populate/accept/connect).
package headerchaser

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/chainstate"
	"github.com/chainkeeper/organizer/chasebus"
	"github.com/chainkeeper/organizer/clock"
	"github.com/chainkeeper/organizer/headertree"
	"github.com/chainkeeper/organizer/organize"
	"github.com/chainkeeper/organizer/settings"
	"github.com/chainkeeper/organizer/store"
)

// Header adapts a wire.BlockHeader to organize.BlockLike for the
// headers-first path.
type Header struct {
	header *wire.BlockHeader
}

// New wraps header as an organize.BlockLike submission.
func New(header *wire.BlockHeader) Header {
	return Header{header: header}
}

// Hash implements organize.BlockLike.
func (h Header) Hash() chainhash.Hash { return h.header.BlockHash() }

// Header implements organize.BlockLike.
func (h Header) Header() *wire.BlockHeader { return h.header }

// IsBlock implements organize.BlockLike; headers-first submissions never
// carry a body.
func (h Header) IsBlock() bool { return false }

// Storable implements organize.BlockLike; header-only submissions are
// always cheap enough to store regardless of currency or bypass.
func (h Header) Storable(_, _ bool) bool { return true }

// MsgBlock implements organize.BlockLike, returning a body-less shell so
// the store archives the header through the same SetLink path blocks use.
func (h Header) MsgBlock() *wire.MsgBlock {
	return &wire.MsgBlock{Header: *h.header}
}

// Validate implements organize.BlockLike: headers-first checks proof of
// work and the timestamp rules (median time past from ctx.State, the
// future limit from ctx.Settings). It checks no block-version rule and
// never runs check/populate/accept/connect.
func (h Header) Validate(ctx store.Context, _ bool) error {
	target := settings.CompactToBig(h.header.Bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("target difficulty non-positive")
	}
	if ctx.Settings.ProofOfWorkLimit != nil && target.Cmp(ctx.Settings.ProofOfWorkLimit) > 0 {
		return fmt.Errorf("target difficulty exceeds proof-of-work limit")
	}

	hash := h.header.BlockHash()
	hashNum := settings.HashToBig((*[32]byte)(&hash))
	if hashNum.Cmp(target) > 0 {
		return fmt.Errorf("block hash exceeds claimed target")
	}

	mtp := ctx.State.MedianTimePast()
	if ctx.State.Parent != nil && !h.header.Timestamp.After(mtp) {
		return fmt.Errorf("timestamp is not after median time past")
	}

	if ctx.Settings.TimestampLimit > 0 && !ctx.Now.IsZero() {
		limit := ctx.Now.Add(ctx.Settings.TimestampLimit)
		if h.header.Timestamp.After(limit) {
			return fmt.Errorf("timestamp too far in the future")
		}
	}

	return nil
}

// Chaser owns a header-mode Organizer.
type Chaser struct {
	*organize.Organizer

	bus *chasebus.Bus
	key chasebus.Key
}

// NewChaser returns a Chaser wired to the given collaborators, ready to
// accept headers on the strand.
func NewChaser(s store.Store, bus *chasebus.Bus, tree *headertree.Tree,
	cache *chainstate.Cache, params *settings.Settings, clk clock.Clock) *Chaser {

	return &Chaser{
		Organizer: organize.New(s, bus, tree, cache, params, clk, chasebus.Header),
		bus:       bus,
	}
}

// Start subscribes the chaser to the recovery signals a downstream chaser
// raises against a candidate it has already accepted: chase::unchecked
// (Check chaser gave up fetching a body), chase::unvalid (Preconfirm
// chaser's structural/populate checks failed), chase::unconfirmable
// (Confirm chaser's connect failed), and chase::malleated (Confirm
// chaser hit a merkle-identity collision it can't resolve by marking the
// link unconfirmable). Per spec §4.4's "invoked on unchecked/unvalid/
// unconfirmable" recovery path, each of the first three rolls the
// candidate chain back to the link's fork point; malleated instead
// disassociates the body and, if still on the candidate chain,
// re-triggers its download.
func (c *Chaser) Start() error {
	key, err := c.bus.Subscribe(c.handle)
	if err != nil {
		return err
	}

	c.key = key

	return nil
}

// Close unsubscribes the chaser before closing the underlying Organizer.
func (c *Chaser) Close() {
	c.bus.Unsubscribe(c.key)
	c.Organizer.Close()
}

func (c *Chaser) handle(event chasebus.Event, value chasebus.Value) {
	switch event {
	case chasebus.Unchecked, chasebus.Unvalid, chasebus.Unconfirmable:
		link := value.Link
		_ = c.Disorganize(link, func(forkPoint int32, err error) {
			if err != nil {
				log.Errorf("Disorganize failed for %v: %v", link, err)
				return
			}

			log.Infof("Disorganized candidate chain to fork point %d "+
				"following %v on %v", forkPoint, event, link)
		})

	case chasebus.Malleated:
		link := value.Link
		_ = c.Malleated(link, func(err error) {
			if err != nil {
				log.Errorf("Malleated recovery failed for %v: %v", link, err)
			}
		})
	}
}

// Submit posts header for organization, invoking handler with the result
// once do_organize completes.
func (c *Chaser) Submit(header *wire.BlockHeader, handler func(organize.Result, error)) error {
	log.Tracef("Submitting header %v", header.BlockHash())

	return c.Organize(New(header), handler)
}
