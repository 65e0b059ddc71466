package types

type ViolationKind string

const (
	ViolationForbiddenImport  ViolationKind = "forbidden-import"
	ViolationForbiddenCall    ViolationKind = "forbidden-call"
	ViolationSuspiciousGlobal ViolationKind = "suspicious-global"
	ViolationPathTraversal    ViolationKind = "path-traversal"
	ViolationParse            ViolationKind = "parse-error"
)

// Violation is a single static-analysis finding.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Name    string        `json:"name"`
	File    string        `json:"file,omitempty"`
	Line    int           `json:"line"`
	Message string        `json:"message"`
}

// ValidationReport is the result of one validation pass over a proposal.
// Compliant is true exactly when Issues is empty.
type ValidationReport struct {
	Schema     string      `json:"schema"`
	ReportID   string      `json:"report_id"`
	ProposalID string      `json:"proposal_id"`
	Compliant  bool        `json:"compliant"`
	Issues     []string    `json:"issues"`
	Violations []Violation `json:"violations,omitempty"`
	Coverage   float64     `json:"coverage"`
	Summary    string      `json:"summary"`
	CreatedAt  string      `json:"created_at"`
}
