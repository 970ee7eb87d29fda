package models

// Effect is the outcome a policy rule assigns to a matching request
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
	EffectHITL  Effect = "hitl"
)

// IsValid reports whether the effect is one of the known effects
func (e Effect) IsValid() bool {
	switch e {
	case EffectAllow, EffectDeny, EffectHITL:
		return true
	}
	return false
}

// PolicyConditions is the predicate a rule applies to a request descriptor.
// Every non-empty field must match; entries within a field are alternatives.
type PolicyConditions struct {
	Methods []string `json:"methods,omitempty" yaml:"methods,omitempty"`
	Tools   []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Paths   []string `json:"paths,omitempty" yaml:"paths,omitempty"`
}

// IsEmpty reports whether the conditions match every request
func (c PolicyConditions) IsEmpty() bool {
	return len(c.Methods) == 0 && len(c.Tools) == 0 && len(c.Paths) == 0
}

// PolicyRule is a single ordered rule of a policy
type PolicyRule struct {
	ID          string           `json:"id" yaml:"id"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Effect      Effect           `json:"effect" yaml:"effect"`
	Conditions  PolicyConditions `json:"conditions" yaml:"conditions"`
}

// PolicyDecision is the result of evaluating a request against a rule set
type PolicyDecision struct {
	Effect        Effect `json:"effect"`
	MatchedRuleID string `json:"matched_rule_id,omitempty"` // Empty when the default applied
	ConfigVersion string `json:"config_version,omitempty"`
}

// IsDefault reports whether no rule matched and the default effect applied
func (d PolicyDecision) IsDefault() bool {
	return d.MatchedRuleID == ""
}
