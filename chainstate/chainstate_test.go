package chainstate

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/settings"
	"github.com/stretchr/testify/require"
)

func TestGenesisHasNilParentAndZeroHeight(t *testing.T) {
	params := &settings.Settings{}
	h := &wire.BlockHeader{Bits: 0x207fffff, Timestamp: time.Unix(0, 0)}

	s := Genesis(h, params)
	require.Nil(t, s.Parent)
	require.Equal(t, int32(0), s.Height)
	require.Equal(t, h.BlockHash(), s.Hash)
	require.True(t, s.MedianTimePast().IsZero())
}

func TestNewAccumulatesWorkAndHeight(t *testing.T) {
	params := &settings.Settings{}
	genesisHeader := &wire.BlockHeader{Bits: 0x207fffff, Timestamp: time.Unix(1000, 0)}
	genesis := Genesis(genesisHeader, params)

	child := &wire.BlockHeader{
		PrevBlock: genesisHeader.BlockHash(),
		Bits:      0x207fffff,
		Timestamp: time.Unix(1060, 0),
	}
	childState := New(genesis, child, params)

	require.Equal(t, genesis, childState.Parent)
	require.Equal(t, int32(1), childState.Height)

	expectedWork := new(big.Int).Add(genesis.Work, settings.CalcWork(child.Bits))
	require.Equal(t, 0, expectedWork.Cmp(childState.Work))
	require.Equal(t, genesisHeader.Timestamp, childState.MedianTimePast())
}

func TestMedianTimePastUsesMedianOfAncestors(t *testing.T) {
	params := &settings.Settings{}

	base := time.Unix(2000, 0)
	var prev *State
	var lastHeader *wire.BlockHeader

	for i := 0; i < 3; i++ {
		h := &wire.BlockHeader{
			Bits:      0x207fffff,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if lastHeader != nil {
			h.PrevBlock = lastHeader.BlockHash()
		}

		if prev == nil {
			prev = Genesis(h, params)
		} else {
			prev = New(prev, h, params)
		}
		lastHeader = h
	}

	// The third header's ancestors are [t1, t0] (its parent then
	// genesis); sorted ascending that is [t0, t1], median index 1 -> t1.
	require.Equal(t, base.Add(time.Minute), prev.MedianTimePast())
}
