package checkchaser

import (
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/arena"
	"github.com/chainkeeper/organizer/chainstate"
	"github.com/chainkeeper/organizer/chasebus"
	"github.com/chainkeeper/organizer/netio"
	"github.com/chainkeeper/organizer/pool"
	"github.com/chainkeeper/organizer/settings"
	"github.com/chainkeeper/organizer/store"
	"github.com/stretchr/testify/require"
)

func newTestWorkers(t *testing.T) *pool.Worker {
	t.Helper()

	a := arena.New(4, 4096)
	w := pool.NewWorker(&pool.WorkerConfig{
		NewWorkerState: arena.NewWorkerState(a),
		NumWorkers:     2,
		WorkerTimeout:  time.Second,
	})
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })

	return w
}

// recordingSession counts GetHashes calls and reports its recorded
// request over a channel so tests can synchronize without sleeping.
type recordingSession struct {
	id       string
	requests chan netio.GetHashesRequest
	ret      []chainhash.Hash
	err      error
}

func (s *recordingSession) ID() string { return s.id }
func (s *recordingSession) GetHashes(req netio.GetHashesRequest) ([]chainhash.Hash, error) {
	s.requests <- req
	return s.ret, s.err
}
func (s *recordingSession) PutHashes([]chainhash.Hash) error                { return nil }
func (s *recordingSession) SendHeaders(_ []*wire.BlockHeader) error         { return nil }
func (s *recordingSession) SendInv(_ []chainhash.Hash) error                { return nil }

func seedUnassociatedCandidate(t *testing.T, height int32) (*store.Memory, chainhash.Hash) {
	t.Helper()

	params := &settings.Settings{}
	s := store.NewMemory()

	genesis := &wire.BlockHeader{Bits: 0x207fffff, Timestamp: time.Unix(1231006505, 0)}
	genesisState := chainstate.Genesis(genesis, params)
	link, err := s.SetLink(&wire.MsgBlock{Header: *genesis}, store.Context{State: genesisState, Settings: params})
	require.NoError(t, err)
	require.NoError(t, s.PushCandidate(link))

	prevState := genesisState
	prevLink := link
	for h := int32(1); h <= height; h++ {
		hdr := &wire.BlockHeader{
			PrevBlock: prevLink,
			Bits:      0x207fffff,
			Timestamp: genesis.Timestamp.Add(time.Duration(h) * time.Minute),
		}
		st := chainstate.New(prevState, hdr, params)
		l, err := s.SetLink(&wire.MsgBlock{Header: *hdr}, store.Context{State: st, Settings: params})
		require.NoError(t, err)
		require.NoError(t, s.PushCandidate(l))
		prevState, prevLink = st, l
	}

	return s, prevLink
}

func TestCheckChaserPullsPendingHeightViaSession(t *testing.T) {
	s, link := seedUnassociatedCandidate(t, 1)
	bus := chasebus.New()
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })

	sess := &recordingSession{id: "peer-1", requests: make(chan netio.GetHashesRequest, 1)}

	c := New(s, bus, mockNetworkWithSessionFn(sess), newTestWorkers(t), 0)
	require.NoError(t, c.Start())
	t.Cleanup(c.Close)

	require.NoError(t, bus.Notify(chasebus.Header, chasebus.LinkValue(link)))

	select {
	case req := <-sess.requests:
		require.Equal(t, int32(1), req.Start)
		require.Equal(t, int32(1), req.End)
	case <-time.After(2 * time.Second):
		t.Fatal("session was never asked for hashes")
	}
}

func TestCheckChaserBodyArrivedNotifiesChecked(t *testing.T) {
	s, link := seedUnassociatedCandidate(t, 1)
	bus := chasebus.New()
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })

	var mu sync.Mutex
	checked := make(chan int32, 1)
	_, err := bus.Subscribe(func(event chasebus.Event, value chasebus.Value) {
		if event == chasebus.Checked {
			mu.Lock()
			checked <- value.Height
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	c := New(s, bus, netio.NewMock(), newTestWorkers(t), 0)
	require.NoError(t, c.Start())
	t.Cleanup(c.Close)

	require.NoError(t, bus.Notify(chasebus.Header, chasebus.LinkValue(link)))
	// Give onHeader time to mark height 1 pending before delivering the body.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, c.BodyArrived(1, link, &wire.MsgBlock{}))

	select {
	case h := <-checked:
		require.Equal(t, int32(1), h)
	case <-time.After(2 * time.Second):
		t.Fatal("checked event was never delivered")
	}

	state, err := s.GetBlockState(link)
	require.NoError(t, err)
	require.Equal(t, store.Associated, state)
}

// TestCheckChaserNotifiesCheckedForAlreadyAssociatedBody covers the
// blocks-first path: a candidate whose body arrived already associated
// (submitted directly as a full block, not via headers-first + fetch)
// must still produce a checked(height) event, not silently stall.
func TestCheckChaserNotifiesCheckedForAlreadyAssociatedBody(t *testing.T) {
	s, link := seedUnassociatedCandidate(t, 1)
	require.NoError(t, s.SetBody(link, &wire.MsgBlock{Header: wire.BlockHeader{}, Transactions: []*wire.MsgTx{{}}}))

	bus := chasebus.New()
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })

	checked := make(chan int32, 1)
	_, err := bus.Subscribe(func(event chasebus.Event, value chasebus.Value) {
		if event == chasebus.Checked {
			checked <- value.Height
		}
	})
	require.NoError(t, err)

	c := New(s, bus, netio.NewMock(), newTestWorkers(t), 0)
	require.NoError(t, c.Start())
	t.Cleanup(c.Close)

	require.NoError(t, bus.Notify(chasebus.Header, chasebus.LinkValue(link)))

	require.Equal(t, int32(1), func() int32 {
		select {
		case h := <-checked:
			return h
		case <-time.After(2 * time.Second):
			t.Fatal("checked event was never delivered for an already-associated body")
			return 0
		}
	}())

	c.mu.Lock()
	_, pending := c.pending[1]
	c.mu.Unlock()
	require.False(t, pending, "an already-associated height should never enter the pending map")
}

func TestCheckChaserOnRegressedTruncatesPending(t *testing.T) {
	s, _ := seedUnassociatedCandidate(t, 3)
	bus := chasebus.New()
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })

	c := New(s, bus, netio.NewMock(), newTestWorkers(t), 0)
	c.pending[1] = chainhash.Hash{0x01}
	c.pending[2] = chainhash.Hash{0x02}
	c.pending[3] = chainhash.Hash{0x03}
	c.inFlight[2] = true
	c.inFlight[3] = true

	c.onRegressed(1)

	require.Contains(t, c.pending, int32(1))
	require.NotContains(t, c.pending, int32(2))
	require.NotContains(t, c.pending, int32(3))
	require.NotContains(t, c.inFlight, int32(2))
	require.NotContains(t, c.inFlight, int32(3))
}

// mockNetworkWithSession wraps a single fixed session so pull() always
// has exactly one attached peer to hand its request to.
type mockNetworkWithSession struct {
	sess netio.Session
}

func mockNetworkWithSessionFn(sess netio.Session) netio.Network {
	return &mockNetworkWithSession{sess: sess}
}

func (m *mockNetworkWithSession) Sessions() []netio.Session       { return []netio.Session{m.sess} }
func (m *mockNetworkWithSession) Attach(id string) (netio.Session, error) { return m.sess, nil }
func (m *mockNetworkWithSession) Stop() error                     { return nil }
func (m *mockNetworkWithSession) Suspend() error                  { return nil }
func (m *mockNetworkWithSession) Resume() error                   { return nil }
