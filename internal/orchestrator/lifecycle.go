package orchestrator

import (
	"fmt"

	"github.com/davidahmann/covenant/pkg/types"
)

// Event names published on every transition.
const (
	EventCreated           = "proposal.created"
	EventValidated         = "proposal.validated"
	EventEvaluated         = "proposal.evaluated"
	EventApprovalRequested = "proposal.approval_requested"
	EventApproved          = "proposal.approved"
	EventApplied           = "proposal.applied"
	EventRejected          = "proposal.rejected"
)

// edges is the complete lifecycle. Anything not listed is a LifecycleViolation.
var edges = map[types.ProposalStatus][]types.ProposalStatus{
	types.StatusCreated:          {types.StatusValidated, types.StatusRejected},
	types.StatusValidated:        {types.StatusEvaluated},
	types.StatusEvaluated:        {types.StatusAwaitingApproval},
	types.StatusAwaitingApproval: {types.StatusApproved, types.StatusRejected},
	types.StatusApproved:         {types.StatusApplied},
}

var events = map[types.ProposalStatus]string{
	types.StatusCreated:          EventCreated,
	types.StatusValidated:        EventValidated,
	types.StatusEvaluated:        EventEvaluated,
	types.StatusAwaitingApproval: EventApprovalRequested,
	types.StatusApproved:         EventApproved,
	types.StatusApplied:          EventApplied,
	types.StatusRejected:         EventRejected,
}

// CanTransition reports whether the lifecycle has an edge from -> to.
func CanTransition(from, to types.ProposalStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Successors lists the states reachable from s in one step.
func Successors(s types.ProposalStatus) []types.ProposalStatus {
	return append([]types.ProposalStatus(nil), edges[s]...)
}

// EventFor maps a state to the event published on entering it.
func EventFor(s types.ProposalStatus) string {
	return events[s]
}

// LifecycleViolation is an attempt to move a proposal along an edge its state does not permit,
// or to pass a gate it does not satisfy. The proposal's state is unchanged.
type LifecycleViolation struct {
	ProposalID string
	From       types.ProposalStatus
	To         types.ProposalStatus
	Reason     string
}

func (e *LifecycleViolation) Error() string {
	return fmt.Sprintf("proposal %s: %s -> %s not permitted: %s", e.ProposalID, e.From, e.To, e.Reason)
}
