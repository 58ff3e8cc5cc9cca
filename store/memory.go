package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/chainstate"
	"github.com/chainkeeper/organizer/multimutex"
	"github.com/chainkeeper/organizer/settings"
)

// record is a single archived header/block and its current tags.
type record struct {
	header      *wire.BlockHeader
	block       *wire.MsgBlock
	height      int32
	headerKey   uint64
	blockState  BlockState
	headerState HeaderState
	strong      bool
	fees        int64
	malleable64 bool
	state       *chainstate.State
}

// Memory is a reference in-memory Store: maps plus slices, guarded by a
// per-hash striped mutex (§4.11) for record mutation and a single
// sync.RWMutex for the candidate/confirmed sequence tables. It exists to
// make the organizer/chaser logic testable without a real database
// backend, consistent with the Non-goal on database page management.
//
// BlockConfirmable only checks the forced-unconfirmable flag and that a
// body is present; it runs no structural and no script/UTXO validation, which is out of scope for this core (§1
// Non-goals) — tests that need a failing connect step set a record's
// forced-unconfirmable flag via ForceUnconfirmable.
type Memory struct {
	hashMu *multimutex.HashMutex

	mu          sync.RWMutex
	records     map[chainhash.Hash]*record
	byHeaderKey map[uint64]chainhash.Hash
	candidate   []chainhash.Hash
	confirmed   []chainhash.Hash
	forced      map[chainhash.Hash]bool

	nextKey  uint64
	diskFull int32
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		hashMu:      multimutex.NewHashMutex(),
		records:     make(map[chainhash.Hash]*record),
		byHeaderKey: make(map[uint64]chainhash.Hash),
		forced:      make(map[chainhash.Hash]bool),
	}
}

func (m *Memory) get(link Link) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[link]
	if !ok {
		return nil, fmt.Errorf("%w: unknown link %v", ErrNotFound, link)
	}

	return rec, nil
}

// ErrNotFound is returned for reads against a link the store has no
// record of.
var ErrNotFound = fmt.Errorf("not found")

func (m *Memory) GetHeight(link Link) (int32, error) {
	rec, err := m.get(link)
	if err != nil {
		return 0, err
	}

	return rec.height, nil
}

func (m *Memory) GetBits(link Link) (uint32, error) {
	rec, err := m.get(link)
	if err != nil {
		return 0, err
	}

	return rec.header.Bits, nil
}

func (m *Memory) GetHeaderKey(link Link) (uint64, error) {
	rec, err := m.get(link)
	if err != nil {
		return 0, err
	}

	return rec.headerKey, nil
}

func (m *Memory) ToHeader(hash chainhash.Hash) (*wire.BlockHeader, error) {
	rec, err := m.get(hash)
	if err != nil {
		return nil, err
	}

	return rec.header, nil
}

func (m *Memory) ToBlock(link Link) (*wire.MsgBlock, error) {
	rec, err := m.get(link)
	if err != nil {
		return nil, err
	}
	if rec.block == nil {
		return nil, fmt.Errorf("%w: body not associated for %v", ErrNotFound, link)
	}

	return rec.block, nil
}

func (m *Memory) ToParent(link Link) (Link, error) {
	rec, err := m.get(link)
	if err != nil {
		return Link{}, err
	}

	return rec.header.PrevBlock, nil
}

func (m *Memory) ToCandidate(height int32) (Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if height < 0 || int(height) >= len(m.candidate) {
		return Link{}, fmt.Errorf("%w: no candidate at height %d", ErrNotFound, height)
	}

	return m.candidate[height], nil
}

func (m *Memory) ToConfirmed(height int32) (Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if height < 0 || int(height) >= len(m.confirmed) {
		return Link{}, fmt.Errorf("%w: no confirmed at height %d", ErrNotFound, height)
	}

	return m.confirmed[height], nil
}

func (m *Memory) GetTopCandidate() (Link, int32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.candidate) == 0 {
		return Link{}, -1, fmt.Errorf("%w: candidate chain empty", ErrNotFound)
	}

	top := int32(len(m.candidate) - 1)

	return m.candidate[top], top, nil
}

func (m *Memory) GetTopConfirmed() (Link, int32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.confirmed) == 0 {
		return Link{}, -1, fmt.Errorf("%w: confirmed chain empty", ErrNotFound)
	}

	top := int32(len(m.confirmed) - 1)

	return m.confirmed[top], top, nil
}

func (m *Memory) GetFork() (int32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int32(len(m.confirmed) - 1), nil
}

func (m *Memory) IsCandidateHeader(link Link) (bool, error) {
	rec, err := m.get(link)
	if err != nil {
		return false, err
	}

	return rec.headerState == HeaderCandidate || rec.headerState == HeaderConfirmed, nil
}

func (m *Memory) IsConfirmedBlock(link Link) (bool, error) {
	rec, err := m.get(link)
	if err != nil {
		return false, err
	}

	return rec.headerState == HeaderConfirmed, nil
}

func (m *Memory) GetBlockState(link Link) (BlockState, error) {
	rec, err := m.get(link)
	if err != nil {
		return 0, err
	}

	return rec.blockState, nil
}

func (m *Memory) GetHeaderState(link Link) (HeaderState, error) {
	rec, err := m.get(link)
	if err != nil {
		return HeaderUnknown, err
	}

	return rec.headerState, nil
}

// GetChainState implements Store. It returns (nil, nil), not an error,
// when hash is unknown: chainstate.Cache.Get relies on that to tell
// orphan submissions apart from a genuine store fault.
func (m *Memory) GetChainState(_ *settings.Settings, hash chainhash.Hash) (*chainstate.State, error) {
	rec, err := m.get(hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return rec.state, nil
}

func (m *Memory) IsMalleable64(link Link) (bool, error) {
	rec, err := m.get(link)
	if err != nil {
		return false, err
	}

	return rec.malleable64, nil
}

func (m *Memory) SetLink(block *wire.MsgBlock, ctx Context) (Link, error) {
	hash := block.Header.BlockHash()

	m.hashMu.Lock(hash)
	defer m.hashMu.Unlock(hash)

	blockState := Unassociated
	var body *wire.MsgBlock
	if len(block.Transactions) > 0 {
		blockState = Associated
		body = block
	}

	key := atomic.AddUint64(&m.nextKey, 1)

	rec := &record{
		header:      &block.Header,
		block:       body,
		height:      ctx.State.Height,
		headerKey:   key,
		blockState:  blockState,
		headerState: HeaderArchived,
		state:       ctx.State,
	}

	m.mu.Lock()
	m.records[hash] = rec
	m.byHeaderKey[key] = hash
	m.mu.Unlock()

	return hash, nil
}

func (m *Memory) SetBody(link Link, block *wire.MsgBlock) error {
	m.hashMu.Lock(link)
	defer m.hashMu.Unlock(link)

	rec, err := m.get(link)
	if err != nil {
		return err
	}
	if rec.blockState != Unassociated {
		return nil
	}

	m.mu.Lock()
	rec.block = block
	rec.blockState = Associated
	m.mu.Unlock()

	return nil
}

func (m *Memory) PushCandidate(link Link) error {
	if _, err := m.get(link); err != nil {
		return err
	}

	m.mu.Lock()
	m.candidate = append(m.candidate, link)
	m.mu.Unlock()

	m.hashMu.Lock(link)
	defer m.hashMu.Unlock(link)

	rec, _ := m.get(link)
	if rec.headerState != HeaderConfirmed {
		rec.headerState = HeaderCandidate
	}

	return nil
}

func (m *Memory) PopCandidate() (Link, error) {
	m.mu.Lock()
	if len(m.candidate) == 0 {
		m.mu.Unlock()
		return Link{}, fmt.Errorf("%w: candidate chain empty", ErrNotFound)
	}
	top := m.candidate[len(m.candidate)-1]
	m.candidate = m.candidate[:len(m.candidate)-1]
	m.mu.Unlock()

	m.hashMu.Lock(top)
	defer m.hashMu.Unlock(top)

	rec, _ := m.get(top)
	rec.headerState = HeaderArchived

	return top, nil
}

func (m *Memory) PushConfirmed(link Link) error {
	m.mu.Lock()
	m.confirmed = append(m.confirmed, link)
	m.mu.Unlock()

	m.hashMu.Lock(link)
	defer m.hashMu.Unlock(link)

	rec, err := m.get(link)
	if err != nil {
		return err
	}
	rec.headerState = HeaderConfirmed

	return nil
}

func (m *Memory) PopConfirmed() (Link, error) {
	m.mu.Lock()
	if len(m.confirmed) == 0 {
		m.mu.Unlock()
		return Link{}, fmt.Errorf("%w: confirmed chain empty", ErrNotFound)
	}
	top := m.confirmed[len(m.confirmed)-1]
	m.confirmed = m.confirmed[:len(m.confirmed)-1]
	m.mu.Unlock()

	m.hashMu.Lock(top)
	defer m.hashMu.Unlock(top)

	rec, _ := m.get(top)
	rec.headerState = HeaderCandidate

	return top, nil
}

func (m *Memory) SetBlockConfirmable(link Link, fees int64) error {
	m.hashMu.Lock(link)
	defer m.hashMu.Unlock(link)

	rec, err := m.get(link)
	if err != nil {
		return err
	}
	rec.blockState = Confirmable
	rec.fees = fees

	return nil
}

func (m *Memory) SetBlockUnconfirmable(link Link) error {
	m.hashMu.Lock(link)
	defer m.hashMu.Unlock(link)

	rec, err := m.get(link)
	if err != nil {
		return err
	}
	rec.blockState = Unconfirmable

	return nil
}

func (m *Memory) SetStrong(link Link) error {
	m.hashMu.Lock(link)
	defer m.hashMu.Unlock(link)

	rec, err := m.get(link)
	if err != nil {
		return err
	}
	rec.strong = true

	return nil
}

func (m *Memory) SetUnstrong(link Link) error {
	m.hashMu.Lock(link)
	defer m.hashMu.Unlock(link)

	rec, err := m.get(link)
	if err != nil {
		return err
	}
	rec.strong = false

	return nil
}

func (m *Memory) SetDisassociated(link Link) error {
	m.hashMu.Lock(link)
	defer m.hashMu.Unlock(link)

	rec, err := m.get(link)
	if err != nil {
		return err
	}
	rec.block = nil
	rec.blockState = Unassociated

	return nil
}

func (m *Memory) BlockConfirmable(link Link, _ Context) (int64, error) {
	rec, err := m.get(link)
	if err != nil {
		return 0, err
	}

	m.mu.RLock()
	forced := m.forced[link]
	m.mu.RUnlock()
	if forced {
		return 0, fmt.Errorf("forced unconfirmable")
	}

	if rec.block == nil {
		return 0, fmt.Errorf("body not associated for %v", link)
	}

	return 0, nil
}

// ForceUnconfirmable marks link to fail its next BlockConfirmable call,
// for exercising the organizer/chaser error paths in tests.
func (m *Memory) ForceUnconfirmable(link Link) {
	m.mu.Lock()
	m.forced[link] = true
	m.mu.Unlock()
}

func (m *Memory) DiskFull() (bool, error) {
	return atomic.LoadInt32(&m.diskFull) != 0, nil
}

// SetDiskFull is a test hook simulating the store running out of space.
func (m *Memory) SetDiskFull(full bool) {
	v := int32(0)
	if full {
		v = 1
	}
	atomic.StoreInt32(&m.diskFull, v)
}

func (m *Memory) Snapshot() error {
	atomic.StoreInt32(&m.diskFull, 0)

	return nil
}
