package policy

import (
	"github.com/davidahmann/covenant/internal/crypto"
	"github.com/davidahmann/covenant/internal/rules"
	"github.com/davidahmann/covenant/pkg/types"
)

const DecisionSchema = "covenant.decision.v1"

type DecisionInput struct {
	Rule        rules.Rule
	Subject     string
	Outcome     types.Outcome
	Actor       string
	ProposalID  string
	CatalogHash string
	RecordedAt  string
}

// BuildDecision builds a decision record and computes its decision_id.
func BuildDecision(in DecisionInput) (types.Decision, error) {
	record := types.Decision{
		Schema:      DecisionSchema,
		ProposalID:  in.ProposalID,
		Rule:        in.Rule.Name(),
		Context:     in.Subject,
		Outcome:     in.Outcome,
		Description: in.Rule.Description,
		Actor:       in.Actor,
		CatalogHash: in.CatalogHash,
		RecordedAt:  in.RecordedAt,
	}

	signingView := map[string]any{
		"schema":       record.Schema,
		"proposal_id":  record.ProposalID,
		"rule":         record.Rule,
		"context":      record.Context,
		"outcome":      string(record.Outcome),
		"description":  record.Description,
		"actor":        record.Actor,
		"catalog_hash": record.CatalogHash,
		"recorded_at":  record.RecordedAt,
	}

	id, err := crypto.CanonicalDigest(signingView)
	if err != nil {
		return types.Decision{}, err
	}
	record.DecisionID = id
	return record, nil
}
