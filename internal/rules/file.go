package rules

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ruleFile is the on-disk layout of a prevention rule file:
//
//	rules:
//	  auto-reject:   {threshold: 95, enabled: true}
//	  auto-escalate: {enabled: false}
//
// Rules not listed keep their defaults.
type ruleFile struct {
	Rules map[string]ruleEntry `yaml:"rules" validate:"required,dive"`
}

type ruleEntry struct {
	Threshold *float64 `yaml:"threshold" validate:"omitempty,gte=0,lte=100"`
	Enabled   *bool    `yaml:"enabled"`
}

// LoadFile reads a YAML rule file. Unknown rule names and thresholds outside
// [0,100] are rejected.
func LoadFile(path string) (domain.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.RuleSet{}, fmt.Errorf("read rule file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rule document on top of the default rule set.
func ParseRules(data []byte) (domain.RuleSet, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return domain.RuleSet{}, fmt.Errorf("%w: parse rule file: %v", domain.ErrValidation, err)
	}
	if err := validator.New().Struct(f); err != nil {
		return domain.RuleSet{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	rs := domain.DefaultRuleSet()
	for raw, entry := range f.Rules {
		name := domain.RuleName(raw)
		if !name.Known() {
			return domain.RuleSet{}, fmt.Errorf("%w: unknown rule %q", domain.ErrValidation, raw)
		}
		rule := rs.Rules[name]
		if entry.Threshold != nil {
			rule.Threshold = *entry.Threshold
		}
		if entry.Enabled != nil {
			rule.Enabled = *entry.Enabled
		}
		rs.Rules[name] = rule
	}

	if err := Validate(rs); err != nil {
		return domain.RuleSet{}, err
	}
	return rs, nil
}
