package blockchaser

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/chainstate"
	"github.com/chainkeeper/organizer/consensus"
	"github.com/chainkeeper/organizer/settings"
	"github.com/chainkeeper/organizer/store"
	"github.com/stretchr/testify/require"
)

const easyBits = 0x207fffff

var errConnectFailed = errors.New("connect failed")

// coinbaseTx returns a minimal, structurally valid coinbase transaction:
// one input spending the null outpoint.
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

// mineHeader finds a nonce for header that satisfies the target
// implied by header.Bits, mutating header in place. With easyBits any
// given nonce has roughly even odds of qualifying, so this converges
// almost immediately; a bounded loop keeps a broken target from hanging
// the test suite instead of looping forever.
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

type stubValidator struct {
	err error
}

func (v *stubValidator) Connect(_ *wire.MsgBlock, _ store.Context) error {
	return v.err
}

func TestBlockValidateBypassSkipsConnect(t *testing.T) {
	msg := minedBlock(t, chainhash.Hash{}, time.Unix(1231006505, 0))
	b := New(msg, &stubValidator{err: errConnectFailed})

	genesisState := chainstate.Genesis(&msg.Header, &settings.Settings{})
	ctx := store.Context{State: genesisState, Settings: &settings.Settings{}}

	require.NoError(t, b.Validate(ctx, true))
}

func TestBlockValidateRunsConnectWhenNotBypassed(t *testing.T) {
	msg := minedBlock(t, chainhash.Hash{}, time.Unix(1231006505, 0))
	b := New(msg, &stubValidator{err: errConnectFailed})

	genesisState := chainstate.Genesis(&msg.Header, &settings.Settings{})
	ctx := store.Context{State: genesisState, Settings: &settings.Settings{}}

	require.ErrorIs(t, b.Validate(ctx, false), errConnectFailed)
}

func TestBlockValidateRequiresValidatorWhenNotBypassed(t *testing.T) {
	msg := minedBlock(t, chainhash.Hash{}, time.Unix(1231006505, 0))
	b := New(msg, nil)

	genesisState := chainstate.Genesis(&msg.Header, &settings.Settings{})
	ctx := store.Context{State: genesisState, Settings: &settings.Settings{}}

	require.ErrorContains(t, b.Validate(ctx, false), "no body validator")
}

func TestBlockValidateRejectsEmptyTransactionList(t *testing.T) {
	msg := minedBlock(t, chainhash.Hash{}, time.Unix(1231006505, 0))
	msg.Transactions = nil
	b := New(msg, &stubValidator{})

	genesisState := chainstate.Genesis(&msg.Header, &settings.Settings{})
	ctx := store.Context{State: genesisState, Settings: &settings.Settings{}}

	require.ErrorContains(t, b.Validate(ctx, true), "no transactions")
}

func TestBlockValidateRejectsMerkleMismatch(t *testing.T) {
	msg := minedBlock(t, chainhash.Hash{}, time.Unix(1231006505, 0))
	msg.Header.MerkleRoot[0] ^= 0xff
	// The header changed, so it must be mined again to reach the
	// structural check past the proof-of-work test.
	mineHeader(t, &msg.Header)
	b := New(msg, &stubValidator{})

	genesisState := chainstate.Genesis(&msg.Header, &settings.Settings{})
	ctx := store.Context{State: genesisState, Settings: &settings.Settings{}}

	require.ErrorContains(t, b.Validate(ctx, true), "merkle root")
}

func TestBlockStorableReflectsCurrentOrBypassed(t *testing.T) {
	msg := minedBlock(t, chainhash.Hash{}, time.Unix(1231006505, 0))
	b := New(msg, nil)

	require.True(t, b.Storable(true, false))
	require.True(t, b.Storable(false, true))
	require.False(t, b.Storable(false, false))
}

func TestBlockIsBlockIsTrue(t *testing.T) {
	msg := minedBlock(t, chainhash.Hash{}, time.Unix(1231006505, 0))
	b := New(msg, nil)
	require.True(t, b.IsBlock())
}
