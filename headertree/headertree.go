// Package headertree implements the weak-branch cache the organizer
// consults before a branch is strong enough to sit on the candidate chain:
// headers/blocks known to the node but not yet pushed onto the candidate
// chain because their branch is not (yet) the strongest known.
package headertree

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainkeeper/organizer/chainstate"
)

// HeaderLike is the minimal capability the tree needs from a cached
// payload: access to its header, so branches can be walked upward through
// PrevBlock links. organize.BlockLike satisfies this interface
// structurally; headertree does not import organize, since organize
// itself owns a Tree.
type HeaderLike interface {
	Header() *wire.BlockHeader
	Hash() chainhash.Hash
}

// Entry is one weak-branch member: the block-like payload the organizer
// accepted, paired with the ChainState built for it.
type Entry struct {
	Block HeaderLike
	State *chainstate.State
}

// Tree is a concurrency-safe hash -> Entry map. Its sole invariant,
// enforced by its callers rather than internally, is that every entry's
// parent is either itself in the tree, on the candidate chain, or on the
// confirmed chain (spec invariant I3 is the complementary half: no tree
// entry is simultaneously on the candidate chain).
type Tree struct {
	mu      sync.RWMutex
	entries map[chainhash.Hash]*Entry
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{
		entries: make(map[chainhash.Hash]*Entry),
	}
}

// Get returns the entry for hash, if present.
func (t *Tree) Get(hash chainhash.Hash) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[hash]
	return e, ok
}

// GetState returns the ChainState cached for hash, if present. It
// satisfies chainstate.Cache's TreeLookup interface.
func (t *Tree) GetState(hash chainhash.Hash) (*chainstate.State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[hash]
	if !ok {
		return nil, false
	}

	return e.State, true
}

// Has reports whether hash is present in the tree.
func (t *Tree) Has(hash chainhash.Hash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.entries[hash]
	return ok
}

// Insert adds or overwrites the entry for hash.
func (t *Tree) Insert(hash chainhash.Hash, e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[hash] = e
}

// Remove deletes hash from the tree, returning the removed entry, if any.
// Entries leave the tree exactly when they are pushed onto the candidate
// chain.
func (t *Tree) Remove(hash chainhash.Hash) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[hash]
	if ok {
		delete(t.entries, hash)
	}

	return e, ok
}

// Len returns the number of entries currently cached.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.entries)
}

// WalkToBranch walks the tree upward from startHash's own entry (if any)
// following each entry's header's PrevBlock until reaching a hash not in
// the tree, returning the visited entries ordered from the walk's start
// towards genesis (i.e. descending height) along with the hash at which
// the walk stopped (the branch point candidate, expected to be resolvable
// either on the candidate chain or in the store).
func (t *Tree) WalkToBranch(startHash chainhash.Hash) (entries []*Entry, stopHash chainhash.Hash) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hash := startHash
	for {
		e, ok := t.entries[hash]
		if !ok {
			return entries, hash
		}

		entries = append(entries, e)
		hash = e.Block.Header().PrevBlock
	}
}
