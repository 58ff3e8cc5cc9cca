package arena

import "github.com/chainkeeper/organizer/pool"

// State adapts a WorkerArena to the pool.WorkerState lifecycle, so the
// block arena's "per-worker bump allocator assigned at first request"
// falls directly out of pool.Worker's one-state-per-goroutine contract:
// Reset resets the bump cursor between tasks, and Cleanup releases any
// retainer still held. The worker's WorkerID is not returned to the Arena;
// NextWorkerID never hands out an ID twice.
type State struct {
	arena    *Arena
	id       WorkerID
	worker   *WorkerArena
	retainer *Retainer
}

// NewWorkerState returns a pool.WorkerConfig.NewWorkerState constructor
// bound to a. Each freshly spawned pool goroutine gets its own WorkerID
// and WorkerArena the first time this runs.
func NewWorkerState(a *Arena) func() pool.WorkerState {
	return func() pool.WorkerState {
		id, err := a.NextWorkerID()
		if err != nil {
			// The pool's NumWorkers must not exceed the arena's
			// configured MaxWorkers; this is a wiring bug, not a
			// runtime condition callers should recover from.
			panic(err)
		}

		return &State{
			arena:  a,
			id:     id,
			worker: a.WorkerArenaFor(id),
		}
	}
}

// Retain returns this worker's current retainer, taking one out first if
// the task hasn't already acquired it this round.
func (s *State) Retain() *Retainer {
	if s.retainer == nil {
		s.retainer = s.worker.Retainer()
	}

	return s.retainer
}

// Allocate carves n bytes (aligned to align) from this worker's arena.
func (s *State) Allocate(n, align int) ([]byte, error) {
	return s.worker.Allocate(n, align)
}

// Reset releases this round's retainer (if any was taken) and rewinds the
// worker's bump cursor so the next task starts from a clean arena.
//
// NOTE: Part of the pool.WorkerState interface.
func (s *State) Reset() {
	if s.retainer != nil {
		s.retainer.Release()
		s.retainer = nil
	}

	s.worker.Reset()
}

// Cleanup releases any retainer still held before the worker goroutine
// exits.
//
// NOTE: Part of the pool.WorkerState interface.
func (s *State) Cleanup() {
	if s.retainer != nil {
		s.retainer.Release()
		s.retainer = nil
	}
}
