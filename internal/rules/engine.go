// Package rules provides the prevention rule engine, the process-wide rule
// store and the CEL-based complex-pattern detector.
package rules

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Input holds the attributes of one evaluation.
type Input struct {
	Score          float64
	ComplexPattern bool
}

// Engine maps a risk score to an automated action under a rule snapshot.
// The engine holds no state between evaluations; every call reads the
// snapshot it is given.
type Engine struct {
	store *Store
}

// NewEngine creates an engine that evaluates against the store's current snapshot.
func NewEngine(store *Store) *Engine {
	return &Engine{store: store}
}

// Decide evaluates the input against the current rule snapshot.
func (e *Engine) Decide(in Input) domain.Decision {
	return Evaluate(in, e.store.Snapshot())
}

// Evaluate walks the rules most severe first and returns the decision of the
// first enabled rule that matches. Disabled rules never match.
func Evaluate(in Input, rs domain.RuleSet) domain.Decision {
	for _, name := range domain.RuleOrder {
		rule, ok := rs.Rule(name)
		if !ok || !rule.Enabled {
			continue
		}
		if !matches(name, rule, in) {
			continue
		}
		d := decisionFor(name, in.Score)
		d.RuleSetVersion = rs.Version
		return d
	}

	return domain.Decision{
		Action: domain.Action{
			Kind:        domain.ActionNone,
			Description: fmt.Sprintf("No rule matched at risk score %.1f", in.Score),
		},
		Classification: domain.ClassificationReleased,
		Status:         domain.StatusReleased,
		RuleSetVersion: rs.Version,
	}
}

func matches(name domain.RuleName, rule domain.PreventionRule, in Input) bool {
	if name == domain.RuleAutoEscalate {
		return in.ComplexPattern && in.Score >= rule.Threshold
	}
	return in.Score >= rule.Threshold
}

func decisionFor(name domain.RuleName, score float64) domain.Decision {
	d := domain.Decision{
		Rule:           name,
		Classification: domain.ClassificationAutoPrevented,
		Status:         domain.StatusPrevented,
	}

	switch name {
	case domain.RuleAutoReject:
		d.Action = domain.Action{
			Kind:        domain.ActionBlocked,
			Variant:     domain.VariantReject,
			Description: fmt.Sprintf("Claim rejected: risk score %.1f", score),
		}
	case domain.RuleAutoLock:
		d.Action = domain.Action{
			Kind:        domain.ActionAccountLocked,
			Description: fmt.Sprintf("Account locked: risk score %.1f", score),
		}
	case domain.RuleAutoBlock:
		d.Action = domain.Action{
			Kind:        domain.ActionBlocked,
			Variant:     domain.VariantClaim,
			Description: fmt.Sprintf("Payment blocked: risk score %.1f", score),
		}
	case domain.RuleAutoEscalate:
		d.Action = domain.Action{
			Kind:        domain.ActionEscalated,
			Description: fmt.Sprintf("Escalated for investigation: complex risk pattern at score %.1f", score),
		}
		d.Classification = domain.ClassificationNeedsInvestigation
		d.Status = domain.StatusPendingReview
		d.RequiresReview = true
	}
	return d
}
