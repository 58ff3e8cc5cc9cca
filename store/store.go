// Package store declares the append-only block/header archive the
// organizer core reads and writes, and the enumerated per-block state it
// tracks. The core never manages on-disk layout itself; it commits only to
// the operations declared here.
package store

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/chainstate"
	"github.com/chainkeeper/organizer/settings"
)

// Link identifies a stored header/block by its hash. It is the store's
// handle for every reader/writer method below.
type Link = chainhash.Hash

// BlockState is the per-stored-block tag described in spec §3. It is
// monotone within a store epoch except via explicit rollback.
type BlockState uint8

const (
	// Unassociated means only the header is stored; the block body has
	// not yet been downloaded/archived.
	Unassociated BlockState = iota

	// Associated means the block body is present but not yet validated.
	Associated

	// Confirmable means the block passed full validation and may be
	// pushed onto the confirmed chain.
	Confirmable

	// Unconfirmable means the block failed validation; it must never
	// appear on the confirmed chain (invariant I5).
	Unconfirmable

	// IntegrityError marks a block whose on-disk state is inconsistent.
	// This state is always a fatal fault, never a validation signal.
	IntegrityError
)

// String implements fmt.Stringer for log-friendly output.
func (s BlockState) String() string {
	switch s {
	case Unassociated:
		return "unassociated"
	case Associated:
		return "associated"
	case Confirmable:
		return "confirmable"
	case Unconfirmable:
		return "unconfirmable"
	case IntegrityError:
		return "integrity-error"
	default:
		return "unknown"
	}
}

// HeaderState mirrors the store's notion of whether a header sits on the
// candidate chain, the confirmed chain, or only in the weak-branch tree.
type HeaderState uint8

const (
	// HeaderUnknown is returned for a hash the store has no record of.
	HeaderUnknown HeaderState = iota

	// HeaderCandidate means the hash currently sits on the candidate
	// chain.
	HeaderCandidate

	// HeaderConfirmed means the hash currently sits on the confirmed
	// chain (and therefore also the candidate chain, of which the
	// confirmed chain is a prefix).
	HeaderConfirmed

	// HeaderArchived means the hash is archived (newly stored and not
	// yet pushed, or popped from a branch) but is not currently on the
	// candidate chain.
	HeaderArchived
)

// Context carries the accept/connect inputs a block needs beyond its own
// header: the ChainState built for its position, and the settings active
// while validating it.
type Context struct {
	State    *chainstate.State
	Settings *settings.Settings
	Now      time.Time
}

// FaultError wraps a store inconsistency that is always fatal: integrity
// failures, failed pop/push, or an unreachable branch point. It is never a
// validation signal; callers that observe one must suspend the node.
type FaultError struct {
	// Code names the class of fault, e.g. "integrity", "pop_candidate",
	// "unreachable_branch_point".
	Code string

	// Err is the underlying cause, if any.
	Err error
}

func (e *FaultError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}

	return e.Code
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// NewFault constructs a FaultError with the given code wrapping err.
func NewFault(code string, err error) *FaultError {
	return &FaultError{Code: code, Err: err}
}

// Store is the archive the organizer core reads from and writes to. All
// methods are safe for concurrent use; the store serializes writes per
// table internally.
type Store interface {
	// -- Readers --

	// GetHeight returns the stored height for link.
	GetHeight(link Link) (int32, error)

	// GetBits returns the stored compact target for link.
	GetBits(link Link) (uint32, error)

	// GetHeaderKey returns the store's internal key for link, used by
	// callers that need a stable reference cheaper than a hash
	// comparison. Organizer code treats this as opaque.
	GetHeaderKey(link Link) (uint64, error)

	// ToHeader returns the full header stored under hash.
	ToHeader(hash chainhash.Hash) (*wire.BlockHeader, error)

	// ToBlock returns the full archived block for link, once its body
	// has been associated. Callers must check GetBlockState first.
	ToBlock(link Link) (*wire.MsgBlock, error)

	// ToParent returns the link of link's previous header.
	ToParent(link Link) (Link, error)

	// ToCandidate returns the link currently at height on the candidate
	// chain.
	ToCandidate(height int32) (Link, error)

	// ToConfirmed returns the link currently at height on the confirmed
	// chain.
	ToConfirmed(height int32) (Link, error)

	// GetTopCandidate returns the link and height at the candidate
	// chain's tip.
	GetTopCandidate() (Link, int32, error)

	// GetTopConfirmed returns the link and height at the confirmed
	// chain's tip.
	GetTopConfirmed() (Link, int32, error)

	// GetFork returns the height of the store's current fork point: the
	// highest height at which the candidate and confirmed chains agree.
	GetFork() (int32, error)

	// IsCandidateHeader reports whether link currently sits on the
	// candidate chain.
	IsCandidateHeader(link Link) (bool, error)

	// IsConfirmedBlock reports whether link currently sits on the
	// confirmed chain.
	IsConfirmedBlock(link Link) (bool, error)

	// GetBlockState returns the stored BlockState for link.
	GetBlockState(link Link) (BlockState, error)

	// GetHeaderState returns the stored HeaderState for link.
	GetHeaderState(link Link) (HeaderState, error)

	// GetChainState constructs or retrieves the ChainState at hash,
	// using settings to resolve any soft-fork parameters it depends on.
	// It is the third fast-path source consulted by chainstate.Cache.
	GetChainState(params *settings.Settings, hash chainhash.Hash) (*chainstate.State, error)

	// IsMalleable64 reports whether link's block is subject to the
	// malleated-merkle-collision class this core must disassociate
	// rather than mark unconfirmable.
	IsMalleable64(link Link) (bool, error)

	// -- Writers --

	// SetLink archives block under its own hash, returning its new
	// link. ctx carries the ChainState/settings pair used to validate
	// it, for stores that persist validation-time context.
	SetLink(block *wire.MsgBlock, ctx Context) (Link, error)

	// SetBody attaches a downloaded body to an already-archived header,
	// moving its BlockState from Unassociated to Associated. Used by
	// the Check chaser once a body arrives for a header-only link.
	SetBody(link Link, block *wire.MsgBlock) error

	// PushCandidate appends link to the candidate chain.
	PushCandidate(link Link) error

	// PopCandidate removes the candidate chain's current tip, returning
	// its link.
	PopCandidate() (Link, error)

	// PushConfirmed appends link to the confirmed chain.
	PushConfirmed(link Link) error

	// PopConfirmed removes the confirmed chain's current tip, returning
	// its link.
	PopConfirmed() (Link, error)

	// SetBlockConfirmable marks link confirmable, recording the fees it
	// collected during connect validation.
	SetBlockConfirmable(link Link, fees int64) error

	// SetBlockUnconfirmable marks link unconfirmable. A block in this
	// state must never be pushed onto the confirmed chain.
	SetBlockUnconfirmable(link Link) error

	// SetStrong marks link's branch segment strong (on the winning
	// side of a resolved fork).
	SetStrong(link Link) error

	// SetUnstrong marks link's branch segment unstrong (on the losing
	// side of a resolved fork, or undone by rollback).
	SetUnstrong(link Link) error

	// SetDisassociated clears link's block body without marking it
	// unconfirmable, used for the malleated-block recovery path.
	SetDisassociated(link Link) error

	// DiskFull reports whether the store's backing medium is out of
	// space, the trigger for the Snapshot/Storage chaser's suspend path.
	DiskFull() (bool, error)

	// Snapshot attempts compaction/checkpointing to reclaim space. A nil
	// return means the store can resume accepting writes.
	Snapshot() error

	// BlockConfirmable runs full validation (populate/accept/connect)
	// for link against the store's current state, returning the fees
	// its transactions collected. It does not itself record the
	// outcome; callers that accept the result call SetBlockConfirmable
	// or SetBlockUnconfirmable.
	BlockConfirmable(link Link, ctx Context) (fees int64, err error)
}
