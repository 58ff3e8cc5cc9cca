package supervisor

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/blockchaser"
	"github.com/chainkeeper/organizer/chainnotifier"
	"github.com/chainkeeper/organizer/chainstate"
	"github.com/chainkeeper/organizer/clock"
	"github.com/chainkeeper/organizer/consensus"
	"github.com/chainkeeper/organizer/lncfg"
	"github.com/chainkeeper/organizer/netio"
	"github.com/chainkeeper/organizer/organize"
	"github.com/chainkeeper/organizer/settings"
	"github.com/chainkeeper/organizer/snapshotchaser"
	"github.com/chainkeeper/organizer/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const easyBits = 0x207fffff

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

func mineHeader(t *testing.T, header *wire.BlockHeader) {
	t.Helper()

	target := settings.CompactToBig(header.Bits)
	for nonce := uint32(0); nonce < 1_000_000; nonce++ {
		header.Nonce = nonce
		hash := header.BlockHash()
		if settings.HashToBig((*[32]byte)(&hash)).Cmp(target) <= 0 {
			return
		}
	}

	t.Fatal("failed to mine a header satisfying the easy test target")
}

func minedBlock(t *testing.T, prev chainhash.Hash, ts time.Time) *wire.MsgBlock {
	t.Helper()

	tx := coinbaseTx()
	header := wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev,
		MerkleRoot: consensus.MerkleRoot([]*wire.MsgTx{tx}),
		Timestamp:  ts,
		Bits:       easyBits,
	}
	mineHeader(t, &header)

	return &wire.MsgBlock{Header: header, Transactions: []*wire.MsgTx{tx}}
}

// acceptingValidator is a blockchaser.BodyValidator that always approves.
type acceptingValidator struct{}

func (acceptingValidator) Connect(_ *wire.MsgBlock, _ store.Context) error { return nil }

var _ blockchaser.BodyValidator = acceptingValidator{}

func newTestConfig(t *testing.T, s store.Store, network netio.Network, baseTime time.Time) Config {
	t.Helper()

	return Config{
		Store:         s,
		Network:       network,
		Settings:      &settings.Settings{},
		Clock:         clock.NewTestClock(baseTime),
		BodyValidator: acceptingValidator{},
		Snapshot:      snapshotchaser.DefaultConfig(func(string, ...interface{}) {}),
		Registerer:    prometheus.NewRegistry(),
		Workers:       lncfg.DefaultWorkers(),
	}
}

// TestSupervisorOrganizesBlockThroughToConfirmed submits a single
// blocks-first block above an already-confirmed genesis and asserts it
// reaches the confirmed chain and republishes as an OrganizedEvent,
// exercising the full chaser pipeline the Supervisor wires together.
func TestSupervisorOrganizesBlockThroughToConfirmed(t *testing.T) {
	s := store.NewMemory()
	baseTime := time.Date(2009, time.January, 3, 18, 0, 0, 0, time.UTC)

	genesisBlk := minedBlock(t, chainhash.Hash{}, baseTime)
	params := &settings.Settings{}
	genesisState := chainstate.Genesis(&genesisBlk.Header, params)

	genesisLink, err := s.SetLink(genesisBlk, store.Context{State: genesisState, Settings: params})
	require.NoError(t, err)
	require.NoError(t, s.PushCandidate(genesisLink))
	require.NoError(t, s.PushConfirmed(genesisLink))

	network := netio.NewMock()
	sup := New(newTestConfig(t, s, network, baseTime))
	require.NoError(t, sup.Start())
	require.NoError(t, sup.Run())
	t.Cleanup(func() { _ = sup.Close() })

	client, err := sup.SubscribeChainEvents()
	require.NoError(t, err)
	t.Cleanup(client.Cancel)

	childBlk := minedBlock(t, genesisLink, baseTime.Add(time.Minute))

	done := make(chan struct{})
	var result organize.Result
	var submitErr error
	require.NoError(t, sup.SubmitBlock(childBlk, func(r organize.Result, e error) {
		result, submitErr = r, e
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submit-block handler was never invoked")
	}
	require.NoError(t, submitErr)
	require.Equal(t, int32(1), result.Height)
	require.False(t, result.Cached)

	childLink := childBlk.Header.BlockHash()

	require.Eventually(t, func() bool {
		top, height, err := s.GetTopConfirmed()
		return err == nil && top == childLink && height == 1
	}, 2*time.Second, 10*time.Millisecond, "child block never reached the confirmed chain")

	select {
	case u := <-client.Updates():
		ev, ok := u.(chainnotifier.OrganizedEvent)
		require.True(t, ok, "expected OrganizedEvent, got %T", u)
		require.Equal(t, childLink, ev.Link)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an OrganizedEvent notification")
	}
}

// TestSupervisorRejectsWrongModeSubmission confirms SubmitHeader is
// refused when the Supervisor was configured blocks-first.
func TestSupervisorRejectsWrongModeSubmission(t *testing.T) {
	s := store.NewMemory()
	network := netio.NewMock()
	baseTime := time.Date(2009, time.January, 3, 18, 0, 0, 0, time.UTC)

	sup := New(newTestConfig(t, s, network, baseTime))
	require.NoError(t, sup.Start())
	t.Cleanup(func() { _ = sup.Close() })

	err := sup.SubmitHeader(&wire.BlockHeader{}, func(organize.Result, error) {})
	require.ErrorIs(t, err, ErrWrongMode)
}

// TestSupervisorAttachReturnsNetworkSession confirms Attach delegates to
// the configured Network.
func TestSupervisorAttachReturnsNetworkSession(t *testing.T) {
	s := store.NewMemory()
	network := netio.NewMock()
	baseTime := time.Date(2009, time.January, 3, 18, 0, 0, 0, time.UTC)

	sup := New(newTestConfig(t, s, network, baseTime))
	require.NoError(t, sup.Start())
	t.Cleanup(func() { _ = sup.Close() })

	sess, err := sup.Attach("peer-1")
	require.NoError(t, err)
	require.Equal(t, "peer-1", sess.ID())
}

// TestSupervisorStartTwiceErrors confirms the started guard rejects a
// second Start call.
func TestSupervisorStartTwiceErrors(t *testing.T) {
	s := store.NewMemory()
	network := netio.NewMock()
	baseTime := time.Date(2009, time.January, 3, 18, 0, 0, 0, time.UTC)

	sup := New(newTestConfig(t, s, network, baseTime))
	require.NoError(t, sup.Start())
	t.Cleanup(func() { _ = sup.Close() })

	require.Error(t, sup.Start())
}

// TestSupervisorCloseIsIdempotent confirms a second Close call is a
// harmless no-op.
func TestSupervisorCloseIsIdempotent(t *testing.T) {
	s := store.NewMemory()
	network := netio.NewMock()
	baseTime := time.Date(2009, time.January, 3, 18, 0, 0, 0, time.UTC)

	sup := New(newTestConfig(t, s, network, baseTime))
	require.NoError(t, sup.Start())

	require.NoError(t, sup.Close())
	require.NoError(t, sup.Close())
}
