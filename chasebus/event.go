package chasebus

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Event names the enumerated set of chase notifications a chaser may
// subscribe to or emit. It is the Go form of spec §4.2's event enumeration.
type Event uint8

const (
	Start Event = iota
	Bump
	Header
	Checked
	Valid
	Confirmable
	Unconfirmable
	Unvalid
	Unchecked
	Malleated
	Regressed
	Disorganized
	Reorganized
	Organized
	Bypass
	Snapshot
	Suspend
	Resume
	Stop
)

var eventNames = map[Event]string{
	Start:         "start",
	Bump:          "bump",
	Header:        "header",
	Checked:       "checked",
	Valid:         "valid",
	Confirmable:   "confirmable",
	Unconfirmable: "unconfirmable",
	Unvalid:       "unvalid",
	Unchecked:     "unchecked",
	Malleated:     "malleated",
	Regressed:     "regressed",
	Disorganized:  "disorganized",
	Reorganized:   "reorganized",
	Organized:     "organized",
	Bypass:        "bypass",
	Snapshot:      "snapshot",
	Suspend:       "suspend",
	Resume:        "resume",
	Stop:          "stop",
}

// String implements fmt.Stringer.
func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}

	return fmt.Sprintf("event(%d)", e)
}

// BypassValue carries the new fork point, the milestone height newly
// active after the update, and the milestone height that was active
// before it, resolving the stale-milestone race from SPEC_FULL.md §9
// open question 1: every chaser that gates on bypass height caches
// ActiveMilestoneHeight locally and updates it only from a Bypass
// handler invoked on the strand, never by reading organizer state
// off-strand.
type BypassValue struct {
	ForkPoint             int32
	ActiveMilestoneHeight int32
	PriorMilestoneHeight  int32
}

// Value is the tagged union of payloads a chase event may carry: a
// height, a header link, an error, or a BypassValue. Exactly one field is
// meaningful per event; which one is documented at each emission site.
type Value struct {
	Height int32
	Link   chainhash.Hash
	Err    error
	Bypass BypassValue
}

// HeightValue is a convenience constructor for events keyed only by
// height (bump, checked, valid, confirmable, regressed, disorganized,
// reorganized).
func HeightValue(height int32) Value {
	return Value{Height: height}
}

// LinkValue is a convenience constructor for events keyed by a header
// link (header, unconfirmable, unvalid, unchecked, malleated, organized).
func LinkValue(link chainhash.Hash) Value {
	return Value{Link: link}
}

// ErrorValue is a convenience constructor for events carrying a fault or
// validation error.
func ErrorValue(err error) Value {
	return Value{Err: err}
}

// BypassValueOf is a convenience constructor for the Bypass event.
func BypassValueOf(forkPoint, activeMilestoneHeight, priorMilestoneHeight int32) Value {
	return Value{
		Bypass: BypassValue{
			ForkPoint:             forkPoint,
			ActiveMilestoneHeight: activeMilestoneHeight,
			PriorMilestoneHeight:  priorMilestoneHeight,
		},
	}
}
