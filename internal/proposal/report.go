package proposal

import (
	"strconv"

	"github.com/davidahmann/covenant/internal/crypto"
	"github.com/davidahmann/covenant/pkg/types"
)

const ReportSchema = "covenant.report.v1"

type ReportInput struct {
	ProposalID string
	Issues     []string
	Violations []types.Violation
	Coverage   float64
	Summary    string
	CreatedAt  string
}

// BuildReport assembles a validation report and computes its report_id.
// Compliant is derived from Issues and cannot be set independently.
func BuildReport(in ReportInput) (types.ValidationReport, error) {
	issues := in.Issues
	if issues == nil {
		issues = []string{}
	}
	record := types.ValidationReport{
		Schema:     ReportSchema,
		ProposalID: in.ProposalID,
		Compliant:  len(issues) == 0,
		Issues:     issues,
		Violations: in.Violations,
		Coverage:   in.Coverage,
		Summary:    in.Summary,
		CreatedAt:  in.CreatedAt,
	}

	violations := make([]map[string]any, 0, len(record.Violations))
	for _, v := range record.Violations {
		violations = append(violations, map[string]any{
			"kind":    string(v.Kind),
			"name":    v.Name,
			"file":    v.File,
			"line":    v.Line,
			"message": v.Message,
		})
	}
	signingView := map[string]any{
		"schema":      record.Schema,
		"proposal_id": record.ProposalID,
		"compliant":   record.Compliant,
		"issues":      record.Issues,
		"violations":  violations,
		"coverage":    strconv.FormatFloat(record.Coverage, 'f', 4, 64),
		"summary":     record.Summary,
		"created_at":  record.CreatedAt,
	}

	id, err := crypto.CanonicalDigest(signingView)
	if err != nil {
		return types.ValidationReport{}, err
	}
	record.ReportID = id
	return record, nil
}
