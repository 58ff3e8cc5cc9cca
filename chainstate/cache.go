package chainstate

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chainkeeper/organizer/settings"
)

// StoreLookup is the minimal store capability the cache needs: resolving
// a ChainState directly by hash. It is declared here, rather than
// depending on the store package's full Store interface, so that store
// (which needs the chainstate.State type for its own GetChainState
// signature) can depend on chainstate without chainstate depending back
// on store. store.Store satisfies this interface structurally.
type StoreLookup interface {
	GetChainState(params *settings.Settings, hash chainhash.Hash) (*State, error)
}

// TreeLookup is the minimal HeaderTree capability the cache needs. It is
// declared here rather than importing headertree directly, since
// headertree.Entry embeds a *State and so headertree already depends on
// chainstate; headertree.Tree satisfies this interface structurally via
// its GetState method.
type TreeLookup interface {
	GetState(hash chainhash.Hash) (*State, bool)
}

// Cache constructs ChainState objects on demand, consulting three
// fast-path sources in order: the cached top state, the HeaderTree, and
// finally the store. It is mutated only on the strand, matching spec §5's
// "Chain-state cache state_: mutated only on the strand."
type Cache struct {
	settings *settings.Settings
	tree     TreeLookup
	store    StoreLookup

	top *State
}

// New returns a Cache backed by tree and s, configured with params.
func New(params *settings.Settings, tree TreeLookup, s StoreLookup) *Cache {
	return &Cache{
		settings: params,
		tree:     tree,
		store:    s,
	}
}

// Top returns the cached top candidate ChainState, or nil if unset.
func (c *Cache) Top() *State {
	return c.top
}

// SetTop updates the cached top candidate ChainState. Callers on the
// strand call this whenever the candidate chain's tip changes.
func (c *Cache) SetTop(s *State) {
	c.top = s
}

// Get resolves the ChainState for hash, trying the top cache, then the
// HeaderTree, then the store, in that order. It returns (nil, nil) if
// hash cannot be located by any source (the caller should treat this as
// orphan).
func (c *Cache) Get(hash chainhash.Hash) (*State, error) {
	if c.top != nil && c.top.Hash == hash {
		return c.top, nil
	}

	if state, ok := c.tree.GetState(hash); ok {
		return state, nil
	}

	state, err := c.store.GetChainState(c.settings, hash)
	if err != nil {
		return nil, err
	}

	return state, nil
}
