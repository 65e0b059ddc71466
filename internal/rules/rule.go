// Package rules loads the rule catalog: the closed set of rule identifiers the policy engine
// knows how to evaluate, each paired with an operator-supplied description.
package rules

import "sort"

// RuleID identifies one of the predicates compiled into the policy engine.
type RuleID string

const (
	FilesystemWrite RuleID = "filesystem_write"
	CodeMerge       RuleID = "code_merge"
	ExternalRequest RuleID = "external_request"
	AgentEntry      RuleID = "agent_entry"
)

var known = map[RuleID]struct{}{
	FilesystemWrite: {},
	CodeMerge:       {},
	ExternalRequest: {},
	AgentEntry:      {},
}

// ParseRuleID maps a rule name to its identifier.
func ParseRuleID(name string) (RuleID, bool) {
	id := RuleID(name)
	_, ok := known[id]
	return id, ok
}

// Known returns every rule identifier in name order.
func Known() []RuleID {
	out := make([]RuleID, 0, len(known))
	for id := range known {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rule is a catalogued rule. Description is display-only and carried into denials.
type Rule struct {
	ID          RuleID
	Description string
}

func (r Rule) Name() string {
	return string(r.ID)
}
