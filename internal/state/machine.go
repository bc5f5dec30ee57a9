package state

import (
	"github.com/lumenflow/lumenflow/internal/wu"
	"github.com/lumenflow/lumenflow/internal/wuerr"
)

// transitions is the fixed lifecycle table. Terminal statuses have no
// outgoing edges.
var transitions = map[wu.Status][]wu.Status{
	wu.StatusReady:      {wu.StatusInProgress, wu.StatusCancelled},
	wu.StatusInProgress: {wu.StatusBlocked, wu.StatusWaiting, wu.StatusDone, wu.StatusCancelled, wu.StatusReady},
	wu.StatusBlocked:    {wu.StatusInProgress, wu.StatusCancelled},
	wu.StatusWaiting:    {wu.StatusInProgress, wu.StatusCancelled},
	wu.StatusDone:       {},
	wu.StatusCancelled:  {},
}

// CanTransition reports whether current → next is a legal lifecycle edge.
func CanTransition(current, next wu.Status) bool {
	for _, allowed := range transitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AssertTransition fails with INVALID_STATE_TRANSITION unless current → next
// is allowed.
func AssertTransition(current, next wu.Status, wuID string) error {
	if !CanTransition(current, next) {
		return wuerr.New(wuerr.KindStateTransition, wuID,
			"cannot transition %s from %q to %q", wuID, current, next)
	}
	return nil
}
