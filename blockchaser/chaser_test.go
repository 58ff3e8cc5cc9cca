package blockchaser

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/chainstate"
	"github.com/chainkeeper/organizer/chasebus"
	"github.com/chainkeeper/organizer/clock"
	"github.com/chainkeeper/organizer/headertree"
	"github.com/chainkeeper/organizer/organize"
	"github.com/chainkeeper/organizer/settings"
	"github.com/chainkeeper/organizer/store"
	"github.com/stretchr/testify/require"
)

func newChaserHarness(t *testing.T) (*Chaser, *store.Memory, chainhash.Hash) {
	t.Helper()

	params := &settings.Settings{}
	s := store.NewMemory()
	tree := headertree.New()
	cache := chainstate.New(params, tree, s)

	genesis := minedBlock(t, chainhash.Hash{}, time.Unix(1231006505, 0))
	genesisState := chainstate.Genesis(&genesis.Header, params)

	link, err := s.SetLink(genesis, store.Context{State: genesisState, Settings: params})
	require.NoError(t, err)
	require.NoError(t, s.PushCandidate(link))
	require.NoError(t, s.PushConfirmed(link))

	cache.SetTop(genesisState)

	bus := chasebus.New()
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })

	c := NewChaser(s, bus, tree, cache, params, clock.NewTestClock(genesis.Header.Timestamp),
		&stubValidator{})
	require.NoError(t, c.Start())
	t.Cleanup(c.Close)

	return c, s, link
}

func submit(t *testing.T, c *Chaser, msg *wire.MsgBlock) organize.Result {
	t.Helper()

	done := make(chan struct{})
	var res organize.Result
	var err error
	require.NoError(t, c.Submit(msg, func(r organize.Result, e error) {
		res, err = r, e
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not complete")
	}
	require.NoError(t, err)

	return res
}

func TestChaserDisorganizesOnUnconfirmableSignal(t *testing.T) {
	c, s, genesis := newChaserHarness(t)

	blk1 := minedBlock(t, genesis, time.Unix(1231006505, 0).Add(time.Minute))
	submit(t, c, blk1)
	h1 := blk1.BlockHash()

	blk2 := minedBlock(t, h1, blk1.Header.Timestamp.Add(time.Minute))
	submit(t, c, blk2)

	require.NoError(t, c.Organizer.Bus.Notify(chasebus.Unconfirmable, chasebus.LinkValue(h1)))

	require.Eventually(t, func() bool {
		_, height, err := s.GetTopCandidate()
		return err == nil && height == 0
	}, 2*time.Second, 10*time.Millisecond,
		"chase::unconfirmable against blk1 must disorganize the candidate chain back to genesis")
}

func TestChaserReRequestsOnMalleatedSignal(t *testing.T) {
	c, s, genesis := newChaserHarness(t)

	blk1 := minedBlock(t, genesis, time.Unix(1231006505, 0).Add(time.Minute))
	submit(t, c, blk1)
	h1 := blk1.BlockHash()

	redelivered := make(chan struct{})
	_, err := c.Organizer.Bus.Subscribe(func(event chasebus.Event, value chasebus.Value) {
		if event == chasebus.Header && value.Link == h1 {
			close(redelivered)
		}
	})
	require.NoError(t, err)

	require.NoError(t, c.Organizer.Bus.Notify(chasebus.Malleated, chasebus.LinkValue(h1)))

	select {
	case <-redelivered:
	case <-time.After(2 * time.Second):
		t.Fatal("malleated signal did not re-trigger a header event")
	}

	state, err := s.GetBlockState(h1)
	require.NoError(t, err)
	require.Equal(t, store.Unassociated, state)
}
