// Package chainstate implements the rolling, fork-aware consensus cursor
// the organizer consults when validating a new header: height, hash,
// compact target, cumulative work, the header's version and timestamp, and
// the median-time-past cursor. It holds no soft-fork flags and no minimum
// acceptable version. States form a linked chain through an owning reference to their
// parent, mirroring how the organizer's ChainState is built incrementally
// as headers are accepted.
package chainstate

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/settings"
)

// medianTimeBlocks is the number of preceding blocks used in calculating
// the median time used to validate a header's timestamp, per Bitcoin
// consensus rules.
const medianTimeBlocks = 11

// State is an immutable cursor describing the consensus context at a
// given height. Constructing a child state requires only the parent, the
// new header, and the active settings; it needs no further I/O.
type State struct {
	// Parent is the state immediately below this one. It is nil only
	// for the state representing genesis.
	Parent *State

	// Height is this state's height.
	Height int32

	// Hash is the header hash this state was built from.
	Hash chainhash.Hash

	// Bits is the header's compact target.
	Bits uint32

	// Work is the cumulative proof of work of the chain ending at this
	// state, i.e. Parent.Work + CalcWork(Bits).
	Work *big.Int

	// Version is the header's block version.
	Version int32

	// Timestamp is the header's timestamp.
	Timestamp time.Time

	// medianTimePast is the median of the preceding medianTimeBlocks
	// timestamps (including this one's ancestors), used to validate the
	// next header's timestamp against §7's "timestamp must exceed
	// median-time-past" rule.
	medianTimePast time.Time
}

// MedianTimePast returns the median-time-past cursor at this state: the
// minimum timestamp a child header must exceed.
func (s *State) MedianTimePast() time.Time {
	return s.medianTimePast
}

// New constructs the ChainState for a header whose parent state is parent.
// It is deterministic given parent, header, and settings, and requires no
// I/O beyond having already located the parent.
func New(parent *State, header *wire.BlockHeader, _ *settings.Settings) *State {
	work := settings.CalcWork(header.Bits)
	if parent != nil {
		work = new(big.Int).Add(parent.Work, work)
	}

	s := &State{
		Parent:    parent,
		Height:    nextHeight(parent),
		Hash:      header.BlockHash(),
		Bits:      header.Bits,
		Work:      work,
		Version:   header.Version,
		Timestamp: header.Timestamp,
	}

	// The median-time-past a header must exceed is computed over its
	// ancestors, not including itself.
	s.medianTimePast = calcMedianTimePast(parent)

	return s
}

// Genesis constructs the ChainState for the genesis header, which has no
// parent.
func Genesis(header *wire.BlockHeader, params *settings.Settings) *State {
	return New(nil, header, params)
}

func nextHeight(parent *State) int32 {
	if parent == nil {
		return 0
	}

	return parent.Height + 1
}

// calcMedianTimePast walks up to medianTimeBlocks ancestors starting at
// s (inclusive) and returns the median of their timestamps. A nil s (the
// genesis state has no parent) yields the zero time, against which every
// timestamp trivially passes.
func calcMedianTimePast(s *State) time.Time {
	if s == nil {
		return time.Time{}
	}

	timestamps := make([]time.Time, 0, medianTimeBlocks)

	cur := s
	for i := 0; i < medianTimeBlocks && cur != nil; i++ {
		timestamps = append(timestamps, cur.Timestamp)
		cur = cur.Parent
	}

	// Insertion sort; medianTimeBlocks is small and constant.
	for i := 1; i < len(timestamps); i++ {
		for j := i; j > 0 && timestamps[j].Before(timestamps[j-1]); j-- {
			timestamps[j], timestamps[j-1] = timestamps[j-1], timestamps[j]
		}
	}

	return timestamps[len(timestamps)/2]
}
