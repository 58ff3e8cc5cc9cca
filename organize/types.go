package organize

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/store"
)

// BlockLike is the capability the generic organizer core needs from
// whatever is submitted to it. Header mode and block mode are the two
// concrete variants (headerchaser.Header, blockchaser.Block); the
// organizer itself never type-switches on which one it was given.
type BlockLike interface {
	// Hash returns the submission's identifying hash.
	Hash() chainhash.Hash

	// Header returns the submission's header. Always present, even in
	// block mode.
	Header() *wire.BlockHeader

	// IsBlock reports whether this submission carries a full block
	// body (block mode) or only a header (header mode).
	IsBlock() bool

	// Validate runs mode-specific validation against ctx: headers-first
	// checks proof of work and timestamp rules; blocks-first checks proof
	// of work, runs the structural check, and runs populate/accept/connect
	// unless bypass is set. Neither checks a block-version rule. The
	// organizer wraps a returned error in ErrInvalid.
	Validate(ctx store.Context, bypass bool) error

	// Storable is the storability predicate from the design notes: it
	// reports whether this submission goes on to the (potentially
	// expensive) work summation and strength test. A submission that is
	// not storable is written straight into the HeaderTree instead,
	// skipping both. Header submissions are always storable; block
	// submissions are storable once current or certified by
	// checkpoint/milestone bypass.
	Storable(current, bypassed bool) bool

	// MsgBlock returns the wire payload to archive via
	// store.Store.SetLink. In header mode this is a block shell
	// carrying only the header (no transactions).
	MsgBlock() *wire.MsgBlock
}
