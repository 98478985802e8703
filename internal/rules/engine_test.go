package rules

import (
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func onlyEnabled(names ...domain.RuleName) domain.RuleSet {
	rs := domain.DefaultRuleSet()
	for name, r := range rs.Rules {
		r.Enabled = false
		rs.Rules[name] = r
	}
	for _, name := range names {
		r := rs.Rules[name]
		r.Enabled = true
		rs.Rules[name] = r
	}
	return rs
}

func TestEvaluateDecisionTable(t *testing.T) {
	rs := domain.DefaultRuleSet()

	tests := []struct {
		name           string
		in             Input
		rule           domain.RuleName
		kind           domain.ActionKind
		variant        string
		classification domain.Classification
		status         domain.CaseStatus
		review         bool
	}{
		{"reject at 97", Input{Score: 97}, domain.RuleAutoReject, domain.ActionBlocked, domain.VariantReject,
			domain.ClassificationAutoPrevented, domain.StatusPrevented, false},
		{"reject at boundary", Input{Score: 95}, domain.RuleAutoReject, domain.ActionBlocked, domain.VariantReject,
			domain.ClassificationAutoPrevented, domain.StatusPrevented, false},
		{"lock at 92", Input{Score: 92}, domain.RuleAutoLock, domain.ActionAccountLocked, "",
			domain.ClassificationAutoPrevented, domain.StatusPrevented, false},
		{"block at 80", Input{Score: 80}, domain.RuleAutoBlock, domain.ActionBlocked, domain.VariantClaim,
			domain.ClassificationAutoPrevented, domain.StatusPrevented, false},
		{"escalate complex pattern", Input{Score: 60, ComplexPattern: true}, domain.RuleAutoEscalate, domain.ActionEscalated, "",
			domain.ClassificationNeedsInvestigation, domain.StatusPendingReview, true},
		{"reject outranks complex pattern", Input{Score: 99, ComplexPattern: true}, domain.RuleAutoReject, domain.ActionBlocked, domain.VariantReject,
			domain.ClassificationAutoPrevented, domain.StatusPrevented, false},
		{"no match", Input{Score: 60}, "", domain.ActionNone, "",
			domain.ClassificationReleased, domain.StatusReleased, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.in, rs)

			if d.Rule != tt.rule {
				t.Errorf("expected rule %q, got %q", tt.rule, d.Rule)
			}
			if d.Action.Kind != tt.kind {
				t.Errorf("expected action %s, got %s", tt.kind, d.Action.Kind)
			}
			if d.Action.Variant != tt.variant {
				t.Errorf("expected variant %q, got %q", tt.variant, d.Action.Variant)
			}
			if d.Classification != tt.classification {
				t.Errorf("expected classification %s, got %s", tt.classification, d.Classification)
			}
			if d.Status != tt.status {
				t.Errorf("expected status %s, got %s", tt.status, d.Status)
			}
			if d.RequiresReview != tt.review {
				t.Errorf("expected requiresReview=%v, got %v", tt.review, d.RequiresReview)
			}
			if d.Action.Description == "" {
				t.Error("expected action description")
			}
		})
	}
}

func TestEvaluateOnlyEscalateEnabled(t *testing.T) {
	rs := onlyEnabled(domain.RuleAutoEscalate)

	d := Evaluate(Input{Score: 82}, rs)
	if d.Action.Kind != domain.ActionNone {
		t.Errorf("expected action None, got %s", d.Action.Kind)
	}
	if d.Classification != domain.ClassificationReleased {
		t.Errorf("expected Released, got %s", d.Classification)
	}
}

func TestDisabledRuleNeverMatches(t *testing.T) {
	for _, name := range domain.RuleOrder {
		t.Run(string(name), func(t *testing.T) {
			rs := domain.DefaultRuleSet()
			r := rs.Rules[name]
			r.Enabled = false
			rs.Rules[name] = r

			for score := 0.0; score <= 100; score += 0.5 {
				for _, complex := range []bool{false, true} {
					d := Evaluate(Input{Score: score, ComplexPattern: complex}, rs)
					if d.Rule == name {
						t.Fatalf("disabled rule %s matched at score %.1f", name, score)
					}
				}
			}
		})
	}
}

func TestEscalateThresholdIsMinimumScore(t *testing.T) {
	rs := onlyEnabled(domain.RuleAutoEscalate)
	r := rs.Rules[domain.RuleAutoEscalate]
	r.Threshold = 70
	rs.Rules[domain.RuleAutoEscalate] = r

	if d := Evaluate(Input{Score: 65, ComplexPattern: true}, rs); d.Rule != "" {
		t.Errorf("expected no match below escalate threshold, got %s", d.Rule)
	}
	if d := Evaluate(Input{Score: 75, ComplexPattern: true}, rs); d.Rule != domain.RuleAutoEscalate {
		t.Errorf("expected escalate, got %q", d.Rule)
	}
}

func TestEvaluateCarriesVersion(t *testing.T) {
	rs := domain.DefaultRuleSet()
	rs.Version = 7

	if d := Evaluate(Input{Score: 10}, rs); d.RuleSetVersion != 7 {
		t.Errorf("expected version 7, got %d", d.RuleSetVersion)
	}
}

func TestEngineReadsCurrentSnapshot(t *testing.T) {
	store := NewStore(nil)
	engine := NewEngine(store)

	if d := engine.Decide(Input{Score: 97}); d.Rule != domain.RuleAutoReject {
		t.Fatalf("expected auto-reject, got %q", d.Rule)
	}

	off := false
	if _, err := store.SetRule(t.Context(), domain.RuleAutoReject, domain.RuleUpdate{Enabled: &off}); err != nil {
		t.Fatalf("set rule: %v", err)
	}

	if d := engine.Decide(Input{Score: 97}); d.Rule != domain.RuleAutoLock {
		t.Errorf("expected auto-lock after disabling reject, got %q", d.Rule)
	}
}
