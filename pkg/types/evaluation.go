package types

// Evaluation is the heuristic grade given to a validated proposal.
type Evaluation struct {
	ProposalID string   `json:"proposal_id"`
	Grade      string   `json:"grade"`
	Reasons    []string `json:"reasons"`
	Complexity float64  `json:"complexity"`
	Tests      float64  `json:"tests"`
	Docs       float64  `json:"docs"`
	Risk       float64  `json:"risk"`
	PatchLines int      `json:"patch_lines"`
	CreatedAt  string   `json:"created_at"`
}
