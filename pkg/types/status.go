package types

// ProposalStatus is a lifecycle state of a proposal.
type ProposalStatus string

const (
	StatusCreated          ProposalStatus = "created"
	StatusValidated        ProposalStatus = "validated"
	StatusEvaluated        ProposalStatus = "evaluated"
	StatusAwaitingApproval ProposalStatus = "awaiting_approval"
	StatusApproved         ProposalStatus = "approved"
	StatusApplied          ProposalStatus = "applied"
	StatusRejected         ProposalStatus = "rejected"
)

// Terminal reports whether no further transition can leave s.
func (s ProposalStatus) Terminal() bool {
	return s == StatusApplied || s == StatusRejected
}

func (s ProposalStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusValidated, StatusEvaluated, StatusAwaitingApproval,
		StatusApproved, StatusApplied, StatusRejected:
		return true
	default:
		return false
	}
}
