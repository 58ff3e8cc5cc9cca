// Package blockchaser is the block-organizer top-level chaser (spec §2
// component 5): a blocks-first variant of headerchaser that additionally
// runs check/populate/accept/connect during organize, unless the height
// is bypassed by checkpoint or milestone.
package blockchaser

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/chainstate"
	"github.com/chainkeeper/organizer/chasebus"
	"github.com/chainkeeper/organizer/clock"
	"github.com/chainkeeper/organizer/consensus"
	"github.com/chainkeeper/organizer/headertree"
	"github.com/chainkeeper/organizer/organize"
	"github.com/chainkeeper/organizer/settings"
	"github.com/chainkeeper/organizer/store"
)

// BodyValidator runs the populate/accept/connect steps a full block
// requires: UTXO lookups, script verification, and fee/subsidy
// accounting. Transaction-level consensus validation is outside this
// core's scope (it owns chain selection and header/block ordering, not
// the UTXO set); BodyValidator is the seam a full node wires its
// validation engine into.
type BodyValidator interface {
	Connect(msg *wire.MsgBlock, ctx store.Context) error
}

// Block adapts a wire.MsgBlock to organize.BlockLike for the blocks-first
// path.
type Block struct {
	msg       *wire.MsgBlock
	validator BodyValidator
}

// New wraps msg as an organize.BlockLike submission, using validator for
// the populate/accept/connect step when not bypassed.
func New(msg *wire.MsgBlock, validator BodyValidator) Block {
	return Block{msg: msg, validator: validator}
}

// Hash implements organize.BlockLike.
func (b Block) Hash() chainhash.Hash { return b.msg.BlockHash() }

// Header implements organize.BlockLike.
func (b Block) Header() *wire.BlockHeader { return &b.msg.Header }

// IsBlock implements organize.BlockLike; blocks-first submissions always
// carry a body.
func (b Block) IsBlock() bool { return true }

// Storable implements organize.BlockLike: a block is storable once it is
// current or certified by checkpoint/milestone bypass; otherwise the
// organizer, having already validated it, caches it in the HeaderTree
// without running the strength test.
func (b Block) Storable(current, bypassed bool) bool {
	return current || bypassed
}

// MsgBlock implements organize.BlockLike.
func (b Block) MsgBlock() *wire.MsgBlock { return b.msg }

// Validate implements organize.BlockLike: runs the proof-of-work checks
// on the header and the structural check() on the body, then, unless
// bypass is set, populate/accept/connect against ctx.
func (b Block) Validate(ctx store.Context, bypass bool) error {
	target := settings.CompactToBig(b.msg.Header.Bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("target difficulty non-positive")
	}
	if ctx.Settings.ProofOfWorkLimit != nil && target.Cmp(ctx.Settings.ProofOfWorkLimit) > 0 {
		return fmt.Errorf("target difficulty exceeds proof-of-work limit")
	}

	hash := b.msg.BlockHash()
	hashNum := settings.HashToBig((*[32]byte)(&hash))
	if hashNum.Cmp(target) > 0 {
		return fmt.Errorf("block hash exceeds claimed target")
	}

	// check(): structural validation runs regardless of bypass — spec
	// §4.6 "the body's structural check still runs" under bypass.
	if err := consensus.CheckStructure(b.msg); err != nil {
		return err
	}

	if bypass {
		return nil
	}

	// populate()/accept(context, subsidy)/connect(context): full
	// script and consensus validation, delegated to the externally
	// supplied BodyValidator. The core only sequences the call and
	// interprets its outcome.
	if b.validator == nil {
		return fmt.Errorf("no body validator configured for non-bypassed block")
	}

	return b.validator.Connect(b.msg, ctx)
}

// Chaser owns a block-mode Organizer.
type Chaser struct {
	*organize.Organizer
	validator BodyValidator

	bus *chasebus.Bus
	key chasebus.Key
}

// NewChaser returns a Chaser wired to the given collaborators, ready to
// accept full blocks on the strand. validator supplies the
// populate/accept/connect step for non-bypassed blocks.
func NewChaser(s store.Store, bus *chasebus.Bus, tree *headertree.Tree,
	cache *chainstate.Cache, params *settings.Settings, clk clock.Clock,
	validator BodyValidator) *Chaser {

	return &Chaser{
		Organizer: organize.New(s, bus, tree, cache, params, clk, chasebus.Header),
		validator: validator,
		bus:       bus,
	}
}

// Start subscribes the chaser to the recovery signals a downstream chaser
// raises against a candidate it has already accepted: chase::unchecked,
// chase::unvalid, and chase::unconfirmable each roll the candidate chain
// back to the failing link's fork point (spec §4.4's "invoked on
// unchecked/unvalid/unconfirmable" recovery path); chase::malleated
// disassociates the body and, if the link is still on the candidate
// chain, re-triggers its download.
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

// Submit posts msg for organization, invoking handler with the result
// once do_organize completes.
func (c *Chaser) Submit(msg *wire.MsgBlock, handler func(organize.Result, error)) error {
	log.Tracef("Submitting block %v", msg.BlockHash())

	return c.Organize(New(msg, c.validator), handler)
}
