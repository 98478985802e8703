package domain

import "time"

// RuleName identifies one of the prevention rules.
type RuleName string

const (
	RuleAutoReject   RuleName = "auto-reject"
	RuleAutoLock     RuleName = "auto-lock"
	RuleAutoBlock    RuleName = "auto-block"
	RuleAutoEscalate RuleName = "auto-escalate"
)

// RuleOrder is the evaluation order of the prevention rules, most severe first.
var RuleOrder = []RuleName{
	RuleAutoReject,
	RuleAutoLock,
	RuleAutoBlock,
	RuleAutoEscalate,
}

// Known reports whether the rule name is one of the supported rules.
func (n RuleName) Known() bool {
	for _, r := range RuleOrder {
		if r == n {
			return true
		}
	}
	return false
}

// PreventionRule is the configuration of a single prevention rule.
type PreventionRule struct {
	Threshold float64 `json:"threshold" yaml:"threshold" validate:"gte=0,lte=100"`
	Enabled   bool    `json:"enabled" yaml:"enabled"`
}

// RuleSet is an immutable snapshot of the prevention rule configuration.
type RuleSet struct {
	Rules     map[RuleName]PreventionRule `json:"rules"`
	Version   int64                       `json:"version"`
	UpdatedAt time.Time                   `json:"updatedAt"`
}

// Rule returns the named rule and whether it is present.
func (s RuleSet) Rule(name RuleName) (PreventionRule, bool) {
	r, ok := s.Rules[name]
	return r, ok
}

// Clone returns a copy that does not share the rules map.
func (s RuleSet) Clone() RuleSet {
	rules := make(map[RuleName]PreventionRule, len(s.Rules))
	for k, v := range s.Rules {
		rules[k] = v
	}
	s.Rules = rules
	return s
}

// RuleUpdate is a partial update of one rule.
type RuleUpdate struct {
	Threshold *float64 `json:"threshold,omitempty"`
	Enabled   *bool    `json:"enabled,omitempty"`
}

// DefaultRuleSet returns the default prevention rules, all enabled.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Rules: map[RuleName]PreventionRule{
			RuleAutoReject:   {Threshold: 95, Enabled: true},
			RuleAutoLock:     {Threshold: 90, Enabled: true},
			RuleAutoBlock:    {Threshold: 80, Enabled: true},
			RuleAutoEscalate: {Threshold: 0, Enabled: true},
		},
		Version: 1,
	}
}

// Decision is the output of the rule engine for one evaluation.
type Decision struct {
	Rule           RuleName       `json:"rule,omitempty"`
	Action         Action         `json:"action"`
	Classification Classification `json:"classification"`
	Status         CaseStatus     `json:"status"`
	RequiresReview bool           `json:"requiresReview"`
	RuleSetVersion int64          `json:"ruleSetVersion"`
}
