package types

type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeBlocked Outcome = "blocked"
)

// Decision is the recorded outcome of evaluating one rule against one context.
type Decision struct {
	Schema      string  `json:"schema"`
	DecisionID  string  `json:"decision_id"`
	ProposalID  string  `json:"proposal_id,omitempty"`
	Rule        string  `json:"rule"`
	Context     string  `json:"context"`
	Outcome     Outcome `json:"outcome"`
	Description string  `json:"description"`
	Actor       string  `json:"actor,omitempty"`
	CatalogHash string  `json:"catalog_hash,omitempty"`
	RecordedAt  string  `json:"recorded_at"`
}

func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllowed
}
