package preconfirmchaser

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/chainstate"
	"github.com/chainkeeper/organizer/chasebus"
	"github.com/chainkeeper/organizer/clock"
	"github.com/chainkeeper/organizer/consensus"
	"github.com/chainkeeper/organizer/headertree"
	"github.com/chainkeeper/organizer/settings"
	"github.com/chainkeeper/organizer/store"
	"github.com/stretchr/testify/require"
)

const easyBits = 0x207fffff

// coinbaseTx returns a minimal, structurally valid coinbase transaction.
func coinbaseTx() *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  []byte{0x51},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: 50 * 1e8, PkScript: []byte{0x51}})
	return tx
}

// bodiedBlock builds a structurally valid block (matching merkle root, one
// coinbase tx) above prev at timestamp ts, with an easy target and an
// unmined nonce: this package's Chaser never checks proof of work, but
// headers still need a timestamp ordering that makes sense.
func bodiedBlock(prev chainhash.Hash, ts time.Time) *wire.MsgBlock {
	tx := coinbaseTx()
	header := wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev,
		MerkleRoot: consensus.MerkleRoot([]*wire.MsgTx{tx}),
		Timestamp:  ts,
		Bits:       easyBits,
	}

	return &wire.MsgBlock{Header: header, Transactions: []*wire.MsgTx{tx}}
}

// harness wires a store with a genesis block (height 0) and a child block
// (height 1) already pushed onto the candidate chain with bodies archived,
// plus a Cache, Bus, and Chaser ready to drive through both heights.
type harness struct {
	t       *testing.T
	store   *store.Memory
	cache   *chainstate.Cache
	bus     *chasebus.Bus
	params  *settings.Settings
	chaser  *Chaser
	genesis store.Link
	child   store.Link
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	params := &settings.Settings{}
	s := store.NewMemory()
	tree := headertree.New()
	cache := chainstate.New(params, tree, s)

	genesisTime := time.Date(2009, time.January, 3, 18, 0, 0, 0, time.UTC)
	genesisBlock := bodiedBlock(chainhash.Hash{}, genesisTime)
	genesisState := chainstate.Genesis(&genesisBlock.Header, params)

	genesisLink, err := s.SetLink(genesisBlock, store.Context{State: genesisState, Settings: params})
	require.NoError(t, err)
	require.NoError(t, s.PushCandidate(genesisLink))

	childBlock := bodiedBlock(genesisLink, genesisTime.Add(time.Minute))
	childState := chainstate.New(genesisState, &childBlock.Header, params)

	childLink, err := s.SetLink(childBlock, store.Context{State: childState, Settings: params})
	require.NoError(t, err)
	require.NoError(t, s.PushCandidate(childLink))

	cache.SetTop(childState)

	bus := chasebus.New()
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })

	chaser := New(s, bus, cache, params, clock.NewTestClock(genesisTime))
	require.NoError(t, chaser.Start())
	t.Cleanup(chaser.Close)

	return &harness{
		t: t, store: s, cache: cache, bus: bus, params: params,
		chaser: chaser, genesis: genesisLink, child: childLink,
	}
}

// subscribeValid registers a bus listener recording every valid/unvalid
// height or link notification, draining into buffered channels so tests
// can wait without sleeping.
type events struct {
	valid   chan int32
	unvalid chan chainhash.Hash
}

func (h *harness) subscribeEvents() *events {
	h.t.Helper()

	ev := &events{
		valid:   make(chan int32, 8),
		unvalid: make(chan chainhash.Hash, 8),
	}

	_, err := h.bus.Subscribe(func(event chasebus.Event, value chasebus.Value) {
		switch event {
		case chasebus.Valid:
			ev.valid <- value.Height
		case chasebus.Unvalid:
			ev.unvalid <- value.Link
		}
	})
	require.NoError(h.t, err)

	return ev
}

func waitHeight(t *testing.T, ch chan int32) int32 {
	t.Helper()

	select {
	case h := <-ch:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("expected valid event was never delivered")
		return 0
	}
}

func waitLink(t *testing.T, ch chan chainhash.Hash) chainhash.Hash {
	t.Helper()

	select {
	case l := <-ch:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("expected unvalid event was never delivered")
		return chainhash.Hash{}
	}
}

// TestAdvanceBypassesGenesisThenValidatesChild exercises both branches of
// processHeight in one pass: height 0 is bypassed because BypassHeight(0)
// is 0 with a zero-value Settings (no checkpoints, no active milestone),
// while height 1 falls through to the cache lookup and BlockConfirmable.
func TestAdvanceBypassesGenesisThenValidatesChild(t *testing.T) {
	h := newHarness(t)
	ev := h.subscribeEvents()

	require.NoError(t, h.bus.Notify(chasebus.Checked, chasebus.HeightValue(1)))

	require.Equal(t, int32(0), waitHeight(t, ev.valid))
	require.Equal(t, int32(1), waitHeight(t, ev.valid))
}

// TestAdvanceEmitsUnvalidWhenBlockUnconfirmable forces the height-1 block
// to fail BlockConfirmable and asserts an unvalid notification carrying
// its link, rather than a valid one.
func TestAdvanceEmitsUnvalidWhenBlockUnconfirmable(t *testing.T) {
	h := newHarness(t)
	h.store.ForceUnconfirmable(h.child)
	ev := h.subscribeEvents()

	require.NoError(t, h.bus.Notify(chasebus.Checked, chasebus.HeightValue(1)))

	require.Equal(t, int32(0), waitHeight(t, ev.valid))
	require.Equal(t, h.child, waitLink(t, ev.unvalid))
}

// TestAdvanceEmitsUnvalidWhenBodyMissing covers the ToBlock failure path:
// a candidate height with no archived body is unvalid, not orphaned.
func TestAdvanceEmitsUnvalidWhenBodyMissing(t *testing.T) {
	params := &settings.Settings{}
	s := store.NewMemory()
	tree := headertree.New()
	cache := chainstate.New(params, tree, s)

	genesisTime := time.Date(2009, time.January, 3, 18, 0, 0, 0, time.UTC)
	header := wire.BlockHeader{Bits: easyBits, Timestamp: genesisTime}
	genesisState := chainstate.Genesis(&header, params)

	link, err := s.SetLink(&wire.MsgBlock{Header: header}, store.Context{State: genesisState, Settings: params})
	require.NoError(t, err)
	require.NoError(t, s.PushCandidate(link))

	bus := chasebus.New()
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })

	chaser := New(s, bus, cache, params, clock.NewTestClock(genesisTime))
	require.NoError(t, chaser.Start())
	t.Cleanup(chaser.Close)

	unvalid := make(chan chainhash.Hash, 1)
	_, err = bus.Subscribe(func(event chasebus.Event, value chasebus.Value) {
		if event == chasebus.Unvalid {
			unvalid <- value.Link
		}
	})
	require.NoError(t, err)

	require.NoError(t, bus.Notify(chasebus.Checked, chasebus.HeightValue(0)))

	require.Equal(t, link, waitLink(t, unvalid))
}

// TestRegressedRewindsCursor confirms a regressed notification below the
// chaser's cursor rewinds nextHeight so the affected height reprocesses.
func TestRegressedRewindsCursor(t *testing.T) {
	h := newHarness(t)
	ev := h.subscribeEvents()

	require.NoError(t, h.bus.Notify(chasebus.Checked, chasebus.HeightValue(1)))
	require.Equal(t, int32(0), waitHeight(t, ev.valid))
	require.Equal(t, int32(1), waitHeight(t, ev.valid))

	require.NoError(t, h.bus.Notify(chasebus.Regressed, chasebus.HeightValue(0)))
	require.NoError(t, h.bus.Notify(chasebus.Checked, chasebus.HeightValue(1)))

	require.Equal(t, int32(1), waitHeight(t, ev.valid))
}
