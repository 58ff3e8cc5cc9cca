package organize

import "errors"

// Validation errors are surfaced to the submitting peer via the caller's
// handler; none of them are fatal to the node. Callers compare against
// these with errors.Is.
var (
	// ErrDuplicate is returned when the submitted hash already sits in
	// the tree or store in a state that makes resubmission meaningless.
	ErrDuplicate = errors.New("duplicate")

	// ErrOrphan is returned when the submitted header's parent cannot
	// be located by the chain-state cache.
	ErrOrphan = errors.New("orphan")

	// ErrCheckpointConflict is returned when the submitted hash
	// disagrees with a configured checkpoint at its height.
	ErrCheckpointConflict = errors.New("checkpoint_conflict")

	// ErrUnconfirmable is returned when the header already exists in
	// the store marked unconfirmable.
	ErrUnconfirmable = errors.New("unconfirmable")

	// ErrInvalid is returned when mode-specific validation (proof of
	// work, timestamp rules, or full block validation) fails.
	ErrInvalid = errors.New("invalid")

	// ErrClosed is returned by any handler invoked after close() has
	// been observed; see spec §5 "Cancellation".
	ErrClosed = errors.New("service_stopped")
)
