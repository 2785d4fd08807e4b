package approval

import (
	"slices"

	"github.com/urbanreflex/reportflow/model"
)

// transitions lists the statuses an admin may move a report to.
var transitions = map[model.Status][]model.Status{
	model.StatusSubmitted:     {model.StatusAIProcessing, model.StatusRejected},
	model.StatusAIProcessing:  {model.StatusAutoApproved, model.StatusPendingReview, model.StatusRejected},
	model.StatusAutoApproved:  {model.StatusResolved, model.StatusRejected},
	model.StatusPendingReview: {model.StatusApproved, model.StatusRejected},
	model.StatusApproved:      {model.StatusResolved, model.StatusRejected},
	model.StatusRejected:      {model.StatusPendingReview},
	model.StatusResolved:      {},
}

// AllowedTransitions returns the statuses reachable from the given one.
// Non-admins cannot change status at all.
func AllowedTransitions(from model.Status, isAdmin bool) []model.Status {
	if !isAdmin {
		return nil
	}
	return slices.Clone(transitions[from])
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to model.Status, isAdmin bool) bool {
	return slices.Contains(AllowedTransitions(from, isAdmin), to)
}

// IsTerminal reports whether no transition leaves the status.
func IsTerminal(s model.Status) bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}
