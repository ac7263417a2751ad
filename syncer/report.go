package syncer

import (
	"github.com/goliatone/go-offline-sync/outbox"
)

// Outcome is what a drain did with one action.
type Outcome string

const (
	// OutcomeApplied: the remote call succeeded and the action was removed.
	OutcomeApplied Outcome = "applied"
	// OutcomeFailed: retryable failure, the action stays queued.
	OutcomeFailed Outcome = "failed"
	// OutcomeDeadLettered: permanent rejection, the action is kept but never replayed.
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeSkipped: an earlier action on the same record did not apply.
	OutcomeSkipped Outcome = "skipped"
)

// ActionResult is the outcome of one action in a drain.
type ActionResult struct {
	ActionID   string
	Kind       outbox.Kind
	Collection string
	// RecordID is the server id after a successful CREATE.
	RecordID string
	Outcome  Outcome
	Err      error
}

// Report summarizes a drain.
type Report struct {
	Passes  int
	Results []ActionResult
}

// Outcome returns the result recorded for actionID.
func (r *Report) Outcome(actionID string) (ActionResult, bool) {
	if r == nil {
		return ActionResult{}, false
	}
	for _, res := range r.Results {
		if res.ActionID == actionID {
			return res, true
		}
	}
	return ActionResult{}, false
}

// Count returns how many actions ended with outcome.
func (r *Report) Count(outcome Outcome) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

func (r *Report) add(a *outbox.Action, outcome Outcome, err error) {
	r.Results = append(r.Results, ActionResult{
		ActionID:   a.ID,
		Kind:       a.Kind,
		Collection: a.Collection,
		RecordID:   a.RecordID,
		Outcome:    outcome,
		Err:        err,
	})
}
