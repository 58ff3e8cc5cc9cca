// Package chasebus implements the strand-serialized event bus described in
// spec §4.2: a single-producer/single-consumer queue per subscriber,
// demultiplexed on a shared strand. It doubles as the strand itself (spec
// §5, design note "Strand / posted closures", option (a)): every chaser's
// transition runs as a closure posted to the bus and executed by its one
// dispatch goroutine, giving FIFO ordering across both posted work and
// delivered events without an explicit mutex guarding chaser state.
package chasebus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/chainkeeper/organizer/lnutils"
	"github.com/chainkeeper/organizer/queue"
)

// ErrBusStopped is returned by Post, Subscribe, and Notify once the bus
// has begun shutting down.
var ErrBusStopped = errors.New("service_stopped")

// Handler is a subscriber's callback. It runs on the strand and must not
// block; long-running work belongs on the worker pool, with its
// completion posted back via Bus.Post.
type Handler func(event Event, value Value)

// Key identifies a subscription. Keys are monotonic; Subscribe panics on
// the centuries-away wraparound the design notes require implementations
// to detect rather than silently reuse (design note "Subscriber key
// overflow").
type Key uint64

// Bus is the strand: a single dispatch goroutine draining a FIFO queue of
// posted closures, used both for plain work (Post) and for notifying
// subscribers (Notify/NotifyOne).
type Bus struct {
	keyCounter uint64 // atomic

	started uint32 // atomic
	stopped uint32 // atomic

	mu        sync.Mutex
	handlers  map[Key]Handler
	handlerOf []Key // registration order, for FIFO fan-out

	work *queue.ConcurrentQueue

	quit chan struct{}
	wg   sync.WaitGroup
}

// New returns a new, unstarted Bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[Key]Handler),
		work:     queue.NewConcurrentQueue(64),
		quit:     make(chan struct{}),
	}
}

// Start begins the strand's dispatch goroutine.
func (b *Bus) Start() error {
	if !atomic.CompareAndSwapUint32(&b.started, 0, 1) {
		return nil
	}

	b.work.Start()

	b.wg.Add(1)
	go b.dispatch()

	log.Infof("Strand started")

	return nil
}

// Stop halts the strand. A post that is already running finishes; posts
// still queued behind it may be discarded without running. Posts and
// notifications issued after Stop observe ErrBusStopped.
func (b *Bus) Stop() error {
	if !atomic.CompareAndSwapUint32(&b.stopped, 0, 1) {
		return nil
	}

	close(b.quit)
	b.work.Stop()
	b.wg.Wait()

	log.Infof("Strand stopped")

	return nil
}

// Post enqueues fn to run on the strand. It never blocks the caller beyond
// the queue's internal handoff.
func (b *Bus) Post(fn func()) error {
	if atomic.LoadUint32(&b.stopped) == 1 {
		return ErrBusStopped
	}

	select {
	case b.work.ChanIn() <- fn:
		return nil
	case <-b.quit:
		return ErrBusStopped
	}
}

// Subscribe registers handler and returns the key that identifies it for
// later NotifyOne/Unsubscribe calls. The handler is invoked only from the
// strand goroutine.
func (b *Bus) Subscribe(handler Handler) (Key, error) {
	if atomic.LoadUint32(&b.stopped) == 1 {
		return 0, ErrBusStopped
	}

	next := atomic.AddUint64(&b.keyCounter, 1)
	if next == 0 {
		// Wrapped around a 64-bit counter: centuries away at any
		// realistic subscription rate, but the design notes require
		// implementations to detect it and abort rather than reuse a
		// key.
		panic("chasebus: subscriber key counter wrapped around")
	}
	key := Key(next)

	b.mu.Lock()
	b.handlers[key] = handler
	b.handlerOf = append(b.handlerOf, key)
	b.mu.Unlock()

	return key, nil
}

// Unsubscribe removes the subscriber identified by key. Events already
// enqueued for delivery before the unsubscribe is processed may still be
// observed once more; callers needing a hard guarantee should post the
// unsubscribe onto the strand themselves via Post.
func (b *Bus) Unsubscribe(key Key) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, key)
	for i, k := range b.handlerOf {
		if k == key {
			b.handlerOf = append(b.handlerOf[:i], b.handlerOf[i+1:]...)
			break
		}
	}
}

// Notify broadcasts event/value to every current subscriber, in
// registration order, on the strand. Delivery to each subscriber is
// strictly FIFO relative to every other Notify/NotifyOne this Bus has
// dispatched.
func (b *Bus) Notify(event Event, value Value) error {
	return b.Post(func() {
		b.mu.Lock()
		order := append([]Key(nil), b.handlerOf...)
		b.mu.Unlock()

		log.Tracef("Dispatching %v to %d subscriber(s): %v", event,
			len(order), lnutils.SpewLogClosure(value))

		for _, key := range order {
			b.mu.Lock()
			h, ok := b.handlers[key]
			b.mu.Unlock()

			if ok {
				h(event, value)
			}
		}
	})
}

// NotifyOne delivers event/value only to the subscriber identified by key.
func (b *Bus) NotifyOne(key Key, event Event, value Value) error {
	return b.Post(func() {
		b.mu.Lock()
		h, ok := b.handlers[key]
		b.mu.Unlock()

		if ok {
			h(event, value)
		}
	})
}

// dispatch is the strand: it drains posted closures one at a time, in
// the order Post delivered them, and runs each to completion before
// dequeuing the next.
//
// NOTE: MUST be run as a goroutine.
func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case item := <-b.work.ChanOut():
			fn, ok := item.(func())
			if ok {
				fn()
			}

		case <-b.quit:
			return
		}
	}
}
