// Package settings carries the consensus parameters the organizer core
// consults: checkpoints, milestone, proof-of-work limits, timestamp and
// subsidy rules, and the header-vs-block top-level selector. It is the Go
// form of the spec's `Settings` external collaborator.
package settings

import (
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chainkeeper/organizer/lncfg"
)

// Checkpoint pins a height to a hash. A candidate chain whose header at
// Height does not match Hash is rejected with checkpoint_conflict.
type Checkpoint struct {
	Height int32
	Hash   chainhash.Hash
}

// Milestone is a soft checkpoint: a chain on which it sits may bypass full
// script/connect validation at or below its height.
type Milestone struct {
	Height int32
	Hash   chainhash.Hash
}

// IsZero reports whether the milestone is unset.
func (m Milestone) IsZero() bool {
	return m.Height == 0 && m.Hash == chainhash.Hash{}
}

// Settings holds every consensus and node-behavior parameter the organizer
// core and its chasers consult.
type Settings struct {
	// Checkpoints is the configured list of (height, hash) pairs,
	// ordered by ascending height.
	Checkpoints []Checkpoint

	// Milestone is the configured soft checkpoint, or the zero value if
	// none is configured.
	Milestone Milestone

	// TimestampLimit bounds how far into the future a header's timestamp
	// may lie to still be accepted.
	TimestampLimit time.Duration

	// ProofOfWorkLimit is the highest (easiest) target permitted by
	// consensus.
	ProofOfWorkLimit *big.Int

	// ScryptProofOfWork records the scrypt proof-of-work option (used by
	// scrypt-based chains). The proof-of-work checks in headerchaser and
	// blockchaser do not read it; they always compare the block hash
	// itself against the target.
	ScryptProofOfWork bool

	// SubsidyIntervalBlocks is the number of blocks between subsidy
	// halvings.
	SubsidyIntervalBlocks int32

	// InitialSubsidy is the block subsidy paid at height 0, before any
	// halving.
	InitialSubsidy int64

	// HeadersFirst selects the header organizer as the top-level
	// organizer when true, and the block organizer otherwise.
	HeadersFirst bool

	// CurrencyWindow is the maximum age a header's timestamp may have
	// and still be considered "current". Zero disables the currency
	// check (every header is treated as current).
	CurrencyWindow time.Duration
}

// TopCheckpointHeight returns the height of the highest configured
// checkpoint, or -1 if none are configured.
func (s *Settings) TopCheckpointHeight() int32 {
	top := int32(-1)
	for _, cp := range s.Checkpoints {
		if cp.Height > top {
			top = cp.Height
		}
	}

	return top
}

// CheckpointAt returns the checkpoint configured at height, if any.
func (s *Settings) CheckpointAt(height int32) (Checkpoint, bool) {
	for _, cp := range s.Checkpoints {
		if cp.Height == height {
			return cp, true
		}
	}

	return Checkpoint{}, false
}

// BypassHeight returns the height at or below which full script/connect
// validation may be skipped: the greater of the top checkpoint height and
// the given active milestone height.
func (s *Settings) BypassHeight(activeMilestoneHeight int32) int32 {
	top := s.TopCheckpointHeight()
	if activeMilestoneHeight > top {
		return activeMilestoneHeight
	}

	return top
}

// IsCurrent reports whether timestamp is within CurrencyWindow of now. A
// zero CurrencyWindow disables the check.
func (s *Settings) IsCurrent(timestamp, now time.Time) bool {
	if s.CurrencyWindow <= 0 {
		return true
	}

	return now.Sub(timestamp) <= s.CurrencyWindow
}

// Subsidy returns the block subsidy due at height, applying halving every
// SubsidyIntervalBlocks.
func (s *Settings) Subsidy(height int32) int64 {
	if s.SubsidyIntervalBlocks <= 0 {
		return s.InitialSubsidy
	}

	halvings := height / s.SubsidyIntervalBlocks
	if halvings >= 64 {
		return 0
	}

	return s.InitialSubsidy >> uint(halvings)
}

// Options is the CLI-facing, go-flags tagged form of Settings, loaded by
// cmd and translated into a Settings via Parse.
type Options struct {
	Checkpoints []string `long:"checkpoint" description:"A height:hash checkpoint pair; may be specified multiple times."`

	Milestone string `long:"milestone" description:"A height:hash milestone pair."`

	TimestampLimitSeconds int64 `long:"timestamplimit" description:"Seconds a header's timestamp may lie in the future." default:"7200"`

	SubsidyIntervalBlocks int32 `long:"subsidyinterval" description:"Blocks between subsidy halvings." default:"210000"`

	InitialSubsidy int64 `long:"initialsubsidy" description:"Block subsidy at height 0, in satoshis." default:"5000000000"`

	ScryptProofOfWork bool `long:"scryptpow" description:"Record the scrypt proof-of-work option; the proof-of-work checks do not use it."`

	HeadersFirst bool `long:"headersfirst" description:"Run the header organizer as the top-level organizer instead of the block organizer." default:"true"`

	CurrencyWindowMinutes int64 `long:"currencywindow" description:"Minutes a header's timestamp may lag wall-clock and be current. Zero disables the check." default:"90"`

	Workers *lncfg.Workers `group:"workers" namespace:"workers"`
}

// Validate checks the Options for sane values.
//
// NOTE: Part of the lncfg.Validator interface.
func (o *Options) Validate() error {
	if o.Workers == nil {
		o.Workers = lncfg.DefaultWorkers()
	}

	return o.Workers.Validate()
}

// Parse converts a loaded Options into a Settings, parsing checkpoint and
// milestone strings of the form "height:hash".
func Parse(opts *Options, powLimit *big.Int) (*Settings, error) {
	s := &Settings{
		TimestampLimit:         time.Duration(opts.TimestampLimitSeconds) * time.Second,
		ProofOfWorkLimit:       powLimit,
		ScryptProofOfWork:      opts.ScryptProofOfWork,
		SubsidyIntervalBlocks:  opts.SubsidyIntervalBlocks,
		InitialSubsidy:         opts.InitialSubsidy,
		HeadersFirst:           opts.HeadersFirst,
		CurrencyWindow:         time.Duration(opts.CurrencyWindowMinutes) * time.Minute,
	}

	for _, raw := range opts.Checkpoints {
		cp, err := parsePair(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid checkpoint %q: %w", raw, err)
		}
		s.Checkpoints = append(s.Checkpoints, Checkpoint(cp))
	}

	if opts.Milestone != "" {
		m, err := parsePair(opts.Milestone)
		if err != nil {
			return nil, fmt.Errorf("invalid milestone %q: %w", opts.Milestone, err)
		}
		s.Milestone = Milestone(m)
	}

	return s, nil
}

// pair is the shared height/hash shape checkpoints and the milestone parse
// into before being cast to their distinct named types.
type pair struct {
	Height int32
	Hash   chainhash.Hash
}

func parsePair(raw string) (pair, error) {
	var heightStr, hashStr string
	sep := -1
	for i, r := range raw {
		if r == ':' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return pair{}, fmt.Errorf("expected height:hash")
	}
	heightStr, hashStr = raw[:sep], raw[sep+1:]

	var height int32
	if _, err := fmt.Sscanf(heightStr, "%d", &height); err != nil {
		return pair{}, fmt.Errorf("invalid height: %w", err)
	}

	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return pair{}, fmt.Errorf("invalid hash: %w", err)
	}

	return pair{Height: height, Hash: *hash}, nil
}
