// Package netio declares the peer-session surface the organizer core's
// chasers drive: session creation, inbound message subscription, outbound
// sends, and suspend/resume for disk-full backpressure. Wire framing and
// the peer protocol itself are out of scope (spec §1 Non-goals); this
// package only names the seam a real network stack plugs into.
package netio

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/lnutils"
)

// ErrSuspended names the suspended-network condition. Nothing in this
// package returns it.
var ErrSuspended = errors.New("network_suspended")

// GetHashesRequest asks a session for hashes of bodies the Check chaser
// still lacks in [Start, End].
type GetHashesRequest struct {
	Start int32
	End   int32
}

// Session is a single peer connection's view from the organizer core: it
// can be asked for header or body batches and told to send notifications.
type Session interface {
	// ID names the session for logging and handle invalidation.
	ID() string

	// GetHashes requests the hashes of candidate bodies still missing in
	// req's height range.
	GetHashes(req GetHashesRequest) ([]chainhash.Hash, error)

	// PutHashes returns hashes that were requested but never arrived
	// before the session's channel closed, so the Check chaser can
	// redistribute them to another session.
	PutHashes(hashes []chainhash.Hash) error

	// SendHeaders relays newly organized headers to the peer.
	SendHeaders(headers []*wire.BlockHeader) error

	// SendInv announces newly confirmed block hashes to the peer.
	SendInv(hashes []chainhash.Hash) error
}

// Network is the session factory and control surface the Supervisor and
// Snapshot chaser drive: creating per-peer sessions, and suspending or
// resuming all network reads during disk-full recovery (spec §4.8).
type Network interface {
	// Sessions returns the currently attached peer sessions.
	Sessions() []Session

	// Attach parameterizes and returns a new peer-session handle for
	// this node, per spec §4.9 "session attachments".
	Attach(id string) (Session, error)

	// Stop tears down every session.
	Stop() error

	// Suspend stops accepting/relaying reads from every session,
	// without closing the underlying connections.
	Suspend() error

	// Resume reverses Suspend.
	Resume() error
}

// Mock is an in-memory Network used by tests: it tracks whether it is
// suspended, and its sessions hand back canned hashes.
type Mock struct {
	mu        sync.Mutex
	sessions  lnutils.SyncMap[string, *MockSession]
	suspended bool
}

// NewMock returns an empty Mock network.
func NewMock() *Mock {
	return &Mock{}
}

// Sessions implements Network.
func (m *Mock) Sessions() []Session {
	out := make([]Session, 0, m.sessions.Len())
	m.sessions.Range(func(_ string, s *MockSession) bool {
		out = append(out, s)
		return true
	})

	return out
}

// Attach implements Network, registering a new MockSession under id.
func (m *Mock) Attach(id string) (Session, error) {
	s := &MockSession{id: id}
	m.sessions.Store(id, s)

	return s, nil
}

// Stop implements Network.
func (m *Mock) Stop() error {
	m.sessions.Range(func(id string, _ *MockSession) bool {
		m.sessions.Delete(id)
		return true
	})

	return nil
}

// Suspend implements Network.
func (m *Mock) Suspend() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.suspended = true

	return nil
}

// Resume implements Network.
func (m *Mock) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.suspended = false

	return nil
}

// Suspended reports whether Suspend has been called without a matching
// Resume, for test assertions.
func (m *Mock) Suspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.suspended
}

// MockSession is a no-op Session backing Mock, recording what it was
// asked to send.
type MockSession struct {
	mu          sync.Mutex
	id          string
	SentHeaders [][]*wire.BlockHeader
	SentInvs    [][]chainhash.Hash
	ReturnHash  []chainhash.Hash
}

// ID implements Session.
func (s *MockSession) ID() string { return s.id }

// GetHashes implements Session, returning ReturnHash unconditionally.
func (s *MockSession) GetHashes(_ GetHashesRequest) ([]chainhash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ReturnHash, nil
}

// PutHashes implements Session as a no-op.
func (s *MockSession) PutHashes(_ []chainhash.Hash) error { return nil }

// SendHeaders implements Session, recording the call.
func (s *MockSession) SendHeaders(headers []*wire.BlockHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SentHeaders = append(s.SentHeaders, headers)

	return nil
}

// SendInv implements Session, recording the call.
func (s *MockSession) SendInv(hashes []chainhash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SentInvs = append(s.SentInvs, hashes)

	return nil
}
