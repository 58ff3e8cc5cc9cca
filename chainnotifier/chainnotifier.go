// Package chainnotifier fans candidate/confirmed chain transitions out to
// external subscribers (an RPC server, a wallet, a block explorer) that
// have no business holding a chasebus.Handler themselves. It wraps a
// subscribe.Server the same way the teacher's channelnotifier wraps one
// for channel-lifecycle events, translating chase events into typed
// notifications.
package chainnotifier

import (
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chainkeeper/organizer/chasebus"
	"github.com/chainkeeper/organizer/subscribe"
)

// OrganizedEvent reports that link was pushed onto the confirmed chain.
type OrganizedEvent struct {
	Link chainhash.Hash
}

// ReorganizedEvent reports that the height was popped off a chain during
// a reorg (candidate or confirmed, per the originating event).
type ReorganizedEvent struct {
	Height int32
}

// DisorganizedEvent reports that the candidate chain was rolled back to
// ForkPoint after a lower chaser rejected one of its links.
type DisorganizedEvent struct {
	ForkPoint int32
}

// ConfirmableEvent reports that height cleared full block validation and
// is being pushed onto the confirmed chain.
type ConfirmableEvent struct {
	Height int32
}

// UnconfirmableEvent reports that link failed full block validation and
// triggered a confirmed-chain rollback.
type UnconfirmableEvent struct {
	Link chainhash.Hash
}

// Notifier subscribes to the strand and republishes a curated subset of
// chase events to its own subscribers, decoupled from the internal
// chasebus.Handler signature and the strand's no-blocking contract.
type Notifier struct {
	started uint32
	stopped uint32

	bus        *chasebus.Bus
	key        chasebus.Key
	ntfnServer *subscribe.Server
}

// New returns a Notifier that will subscribe to bus once started.
func New(bus *chasebus.Bus) *Notifier {
	return &Notifier{
		bus:        bus,
		ntfnServer: subscribe.NewServer(),
	}
}

// Start starts the notification server and subscribes to the strand.
func (n *Notifier) Start() error {
	if !atomic.CompareAndSwapUint32(&n.started, 0, 1) {
		return nil
	}

	if err := n.ntfnServer.Start(); err != nil {
		return err
	}

	key, err := n.bus.Subscribe(n.handle)
	if err != nil {
		return err
	}
	n.key = key

	return nil
}

// Close unsubscribes from the strand and stops the notification server.
func (n *Notifier) Close() {
	if !atomic.CompareAndSwapUint32(&n.stopped, 0, 1) {
		return
	}

	n.bus.Unsubscribe(n.key)
	_ = n.ntfnServer.Stop()
}

// SubscribeChainEvents returns a subscribe.Client that will receive every
// event this Notifier republishes.
func (n *Notifier) SubscribeChainEvents() (*subscribe.Client, error) {
	return n.ntfnServer.Subscribe()
}

// handle runs on the strand; SendUpdate only blocks on the notification
// server's own dispatch goroutine, never on a subscriber, so it is safe
// to call directly from the strand.
func (n *Notifier) handle(event chasebus.Event, value chasebus.Value) {
	var update interface{}

	switch event {
	case chasebus.Organized:
		update = OrganizedEvent{Link: value.Link}
	case chasebus.Reorganized:
		update = ReorganizedEvent{Height: value.Height}
	case chasebus.Disorganized:
		update = DisorganizedEvent{ForkPoint: value.Height}
	case chasebus.Confirmable:
		update = ConfirmableEvent{Height: value.Height}
	case chasebus.Unconfirmable:
		update = UnconfirmableEvent{Link: value.Link}
	default:
		return
	}

	if err := n.ntfnServer.SendUpdate(update); err != nil {
		log.Warnf("Unable to send %v update: %v", event, err)
	}
}
