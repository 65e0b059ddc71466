package policy

import "fmt"

// UnknownRuleError is returned for rule names absent from the catalog. It is never treated as
// an implicit allow.
type UnknownRuleError struct {
	Rule string
}

func (e *UnknownRuleError) Error() string {
	return fmt.Sprintf("unknown rule %q", e.Rule)
}

// RuleViolation is a policy denial. The decision has already been recorded when it is returned.
type RuleViolation struct {
	Rule        string
	Description string
	Context     string
}

func (e *RuleViolation) Error() string {
	return fmt.Sprintf("%s blocked %q: %s", e.Rule, e.Context, e.Description)
}
