// Package schema defines the order lifecycle model shared across the sync stack.
package schema

import (
	"github.com/gamerboy74/agrisync/errs"
)

// Status identifies an order's position in the escrow lifecycle.
type Status string

const (
	// StatusPending marks a newly created order awaiting escrow funding.
	StatusPending Status = "PENDING"
	// StatusFunded marks an order whose escrow has been funded by the buyer.
	StatusFunded Status = "FUNDED"
	// StatusInProgress marks an order the farmer has started fulfilling.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusDelivered marks an order whose produce has been handed over.
	StatusDelivered Status = "DELIVERED"
	// StatusCompleted marks a settled order. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusCancelled marks an order cancelled before delivery. Terminal.
	StatusCancelled Status = "CANCELLED"
	// StatusDisputed marks an order under dispute between the parties.
	StatusDisputed Status = "DISPUTED"
	// StatusResolved marks a dispute closed by arbitration. Terminal.
	StatusResolved Status = "RESOLVED"
	// StatusUnknown is the sentinel for on-chain codes this build does not
	// recognise. It is never persisted; writers must reject it.
	StatusUnknown Status = "UNKNOWN"
)

// lifecycleRank positions the normal-path statuses; exception states carry no rank.
var lifecycleRank = map[Status]int{
	StatusPending:    0,
	StatusFunded:     1,
	StatusInProgress: 2,
	StatusDelivered:  3,
	StatusCompleted:  4,
}

// exceptionSources enumerates the states each exception status is reachable from.
var exceptionSources = map[Status]map[Status]struct{}{
	StatusCancelled: {
		StatusPending:    {},
		StatusFunded:     {},
		StatusInProgress: {},
	},
	StatusDisputed: {
		StatusFunded:     {},
		StatusInProgress: {},
		StatusDelivered:  {},
	},
	StatusResolved: {
		StatusDisputed: {},
	},
}

// chainStatusCodes maps the escrow contract's numeric status codes to statuses.
var chainStatusCodes = map[uint8]Status{
	0: StatusPending,
	1: StatusFunded,
	2: StatusInProgress,
	3: StatusDelivered,
	4: StatusCompleted,
	5: StatusCancelled,
	6: StatusDisputed,
	7: StatusResolved,
}

// ParseStatus validates and normalises a status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", errs.New("schema/status", errs.CodeInvalid,
			errs.WithMessage("unrecognised status "+raw))
	}
	return s, nil
}

// StatusFromChainCode maps an on-chain numeric status code to a Status.
// Codes this build does not recognise map to StatusUnknown rather than
// silently reusing the cached value; callers must treat UNKNOWN as an
// inconsistency, never as a writable state.
func StatusFromChainCode(code uint8) Status {
	if s, ok := chainStatusCodes[code]; ok {
		return s
	}
	return StatusUnknown
}

// Valid reports whether s is a persistable lifecycle status.
func (s Status) Valid() bool {
	if _, ok := lifecycleRank[s]; ok {
		return true
	}
	_, ok := exceptionSources[s]
	return ok
}

// Terminal reports whether the lifecycle ends at s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusResolved:
		return true
	default:
		return false
	}
}

// Rank returns the normal-path lifecycle position of s and whether s is on
// the normal path at all.
func (s Status) Rank() (int, bool) {
	rank, ok := lifecycleRank[s]
	return rank, ok
}

// ExceptionEdge reports whether from→to is one of the documented exception
// branches (cancellation, dispute, resolution).
func ExceptionEdge(from, to Status) bool {
	sources, ok := exceptionSources[to]
	if !ok {
		return false
	}
	_, ok = sources[from]
	return ok
}

// Transitionable reports whether a cached status may move from→to. Forward
// movement along the normal path is permitted, including skips (the oracle
// may have advanced several steps between observations). Exception edges
// are accepted regardless of rank. Everything else, in particular any
// regression and any move out of a terminal state, is rejected.
func Transitionable(from, to Status) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == StatusUnknown || !to.Valid() {
		return false
	}
	if ExceptionEdge(from, to) {
		return true
	}
	fromRank, fromOK := from.Rank()
	toRank, toOK := to.Rank()
	if fromOK && toOK {
		return toRank > fromRank
	}
	return false
}
