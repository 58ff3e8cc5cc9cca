// Package supervisor is the Supervisor (spec §4.9): it owns the strand,
// the event bus, the chasers, and the Network attachment, sequencing
// their startup and teardown and exposing the entry points a network
// stack or CLI drives (submit header/block, attach a peer session).
package supervisor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/arena"
	"github.com/chainkeeper/organizer/blockchaser"
	"github.com/chainkeeper/organizer/chainnotifier"
	"github.com/chainkeeper/organizer/chainstate"
	"github.com/chainkeeper/organizer/chasebus"
	"github.com/chainkeeper/organizer/checkchaser"
	"github.com/chainkeeper/organizer/clock"
	"github.com/chainkeeper/organizer/confirmchaser"
	"github.com/chainkeeper/organizer/headerchaser"
	"github.com/chainkeeper/organizer/headertree"
	"github.com/chainkeeper/organizer/lncfg"
	"github.com/chainkeeper/organizer/netio"
	"github.com/chainkeeper/organizer/organize"
	"github.com/chainkeeper/organizer/pool"
	"github.com/chainkeeper/organizer/preconfirmchaser"
	"github.com/chainkeeper/organizer/settings"
	"github.com/chainkeeper/organizer/snapshotchaser"
	"github.com/chainkeeper/organizer/store"
	"github.com/chainkeeper/organizer/subscribe"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrWrongMode is returned when a submission doesn't match the
// configured HeadersFirst mode.
var ErrWrongMode = errors.New("submission does not match configured organizer mode")

// defaultArenaBufferSize is the per-worker bump arena's buffer size: room
// for several full-sized blocks before a caller's Allocate would need a
// fresh arena round (i.e. the next pool task).
const defaultArenaBufferSize = 4 * 1024 * 1024

// chaser is the lifecycle every strand-subscribed chaser implements.
type chaser interface {
	Start() error
	Close()
}

// Config carries every collaborator the Supervisor wires together.
type Config struct {
	Store         store.Store
	Network       netio.Network
	Settings      *settings.Settings
	Clock         clock.Clock
	BodyValidator blockchaser.BodyValidator
	Snapshot      snapshotchaser.Config
	Registerer    prometheus.Registerer
	CheckBound    int

	// Workers sizes the off-strand worker pool (§4.10) and the block
	// arena (§4.1). Defaults to lncfg.DefaultWorkers() if nil.
	Workers *lncfg.Workers
}

// Supervisor owns the strand, bus, chasers, and Network attachment.
type Supervisor struct {
	cfg Config

	bus   *chasebus.Bus
	tree  *headertree.Tree
	cache *chainstate.Cache

	arena   *arena.Arena
	workers *pool.Worker

	notifier *chainnotifier.Notifier

	metrics    *Metrics
	metricsKey chasebus.Key

	header *headerchaser.Chaser
	block  *blockchaser.Chaser

	check      *checkchaser.Chaser
	preconfirm *preconfirmchaser.Chaser
	confirm    *confirmchaser.Chaser
	snapshot   *snapshotchaser.Chaser

	chasers []chaser

	mu      sync.Mutex
	started bool
	closed  bool
}

// New constructs a Supervisor from cfg. Call Start, then Run.
func New(cfg Config) *Supervisor {
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Workers == nil {
		cfg.Workers = lncfg.DefaultWorkers()
	}

	return &Supervisor{cfg: cfg}
}

// Start initializes the tree/cache/bus and every chaser, in the order
// spec §4.9 names: header or block organizer (per config), check,
// preconfirm, confirm, snapshot/storage. The transaction-pool notifier
// and template builder named by spec §4.9 are out of scope (mempool and
// mining template construction Non-goals, §1).
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("supervisor already started")
	}

	s.tree = headertree.New()
	s.cache = chainstate.New(s.cfg.Settings, s.tree, s.cfg.Store)

	s.bus = chasebus.New()
	if err := s.bus.Start(); err != nil {
		return err
	}

	s.arena = arena.New(s.cfg.Workers.Sig, defaultArenaBufferSize)
	s.workers = pool.NewWorker(&pool.WorkerConfig{
		NewWorkerState: arena.NewWorkerState(s.arena),
		NumWorkers:     s.cfg.Workers.Write,
		WorkerTimeout:  pool.DefaultWorkerTimeout,
	})
	if err := s.workers.Start(); err != nil {
		return err
	}

	s.metrics = NewMetrics(s.cfg.Registerer)
	key, err := s.metrics.observe(s.bus)
	if err != nil {
		return err
	}
	s.metricsKey = key

	s.notifier = chainnotifier.New(s.bus)
	if err := s.notifier.Start(); err != nil {
		return err
	}

	if s.cfg.Settings.HeadersFirst {
		s.header = headerchaser.NewChaser(
			s.cfg.Store, s.bus, s.tree, s.cache, s.cfg.Settings, s.cfg.Clock,
		)
	} else {
		s.block = blockchaser.NewChaser(
			s.cfg.Store, s.bus, s.tree, s.cache, s.cfg.Settings, s.cfg.Clock,
			s.cfg.BodyValidator,
		)
	}

	s.check = checkchaser.New(s.cfg.Store, s.bus, s.cfg.Network, s.workers, s.cfg.CheckBound)
	s.preconfirm = preconfirmchaser.New(s.cfg.Store, s.bus, s.cache, s.cfg.Settings, s.cfg.Clock)
	s.confirm = confirmchaser.New(s.cfg.Store, s.bus, s.cache, s.cfg.Settings, s.cfg.Clock)
	s.snapshot = snapshotchaser.New(s.cfg.Store, s.bus, s.cfg.Network, s.workers, s.cfg.Snapshot)

	if s.header != nil {
		s.chasers = []chaser{s.header}
	} else {
		s.chasers = []chaser{s.block}
	}
	s.chasers = append(s.chasers, s.check, s.preconfirm, s.confirm, s.snapshot)

	for _, c := range s.chasers {
		if err := c.Start(); err != nil {
			return err
		}
	}

	s.started = true

	log.Infof("Supervisor started (headers_first=%v, workers=%+v)",
		s.cfg.Settings.HeadersFirst, s.cfg.Workers)

	return nil
}

// Run emits chase::start, letting every chaser begin observing events.
func (s *Supervisor) Run() error {
	log.Infof("Supervisor running")

	return s.bus.Notify(chasebus.Start, chasebus.Value{})
}

// Close emits chase::stop and tears every chaser down in reverse start
// order, then stops the network and the bus.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	log.Infof("Supervisor closing")

	_ = s.bus.Notify(chasebus.Stop, chasebus.Value{})

	for i := len(s.chasers) - 1; i >= 0; i-- {
		s.chasers[i].Close()
	}

	s.bus.Unsubscribe(s.metricsKey)
	s.notifier.Close()

	if err := s.workers.Stop(); err != nil {
		return err
	}

	if err := s.cfg.Network.Stop(); err != nil {
		return err
	}

	return s.bus.Stop()
}

// Attach parameterizes and returns a new peer-session handle for this
// node, per spec §4.9.
func (s *Supervisor) Attach(id string) (netio.Session, error) {
	return s.cfg.Network.Attach(id)
}

// SubmitHeader accepts a header for organization. It is only valid when
// the Supervisor is configured HeadersFirst.
func (s *Supervisor) SubmitHeader(header *wire.BlockHeader, handler func(organize.Result, error)) error {
	if s.header == nil {
		return ErrWrongMode
	}

	return s.header.Submit(header, handler)
}

// SubmitBlock accepts a full block for organization. It is only valid
// when the Supervisor is configured for blocks-first mode.
func (s *Supervisor) SubmitBlock(msg *wire.MsgBlock, handler func(organize.Result, error)) error {
	if s.block == nil {
		return ErrWrongMode
	}

	return s.block.Submit(msg, handler)
}

// SubmitBody hands a downloaded body for an already-archived candidate
// header to the Check chaser, per spec §4.5.
func (s *Supervisor) SubmitBody(height int32, link chainhash.Hash, block *wire.MsgBlock) error {
	return s.check.BodyArrived(height, link, block)
}

// SubscribeChainEvents returns a subscribe.Client that receives every
// organized/reorganized/disorganized/confirmable/unconfirmable event this
// Supervisor's chain organizer emits, for callers (an RPC server, a
// wallet) that only need chain-transition notifications and shouldn't
// hold a raw chasebus.Handler.
func (s *Supervisor) SubscribeChainEvents() (*subscribe.Client, error) {
	return s.notifier.SubscribeChainEvents()
}
