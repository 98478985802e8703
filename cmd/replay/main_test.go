package main

import (
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const sample = `id,domain,subject_id,amount,currency,risk_score,risk_factors,is_fraud
clm-1,insurance,pol-9,2500.00,USD,97,duplicate_claim:High:0.7;new_provider:Medium:0.3,1
clm-2,insurance,,120.10,USD,12,,0
clm-3,insurance,,not-a-number,USD,40,,0
clm-4,insurance,,80,USD,55,bad-factor,1
`

func TestReadClaims(t *testing.T) {
	claims, skipped, err := readClaims(strings.NewReader(sample), 0)
	if err != nil {
		t.Fatalf("readClaims: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("expected 2 claims, got %d", len(claims))
	}
	if skipped != 2 {
		t.Errorf("expected 2 skipped rows, got %d", skipped)
	}

	first := claims[0]
	if !first.IsFraud || first.Event.SubjectID != "pol-9" {
		t.Errorf("unexpected first claim %+v", first)
	}
	if first.Event.Amount.String() != "2500" {
		t.Errorf("expected amount 2500, got %s", first.Event.Amount)
	}
	factors, ok := first.Event.Features["risk_factors"].([]domain.RiskFactor)
	if !ok || len(factors) != 2 || factors[0].Level != domain.RiskLevelHigh {
		t.Errorf("unexpected factors %v", first.Event.Features["risk_factors"])
	}

	if _, ok := claims[1].Event.Features["risk_factors"]; ok {
		t.Error("expected no factors on second claim")
	}
}

func TestReadClaimsLimit(t *testing.T) {
	claims, _, err := readClaims(strings.NewReader(sample), 1)
	if err != nil {
		t.Fatalf("readClaims: %v", err)
	}
	if len(claims) != 1 {
		t.Errorf("expected 1 claim, got %d", len(claims))
	}
}

func TestReadClaimsMissingColumn(t *testing.T) {
	_, _, err := readClaims(strings.NewReader("id,domain,amount\n1,x,2\n"), 0)
	if err == nil {
		t.Fatal("expected error for missing columns")
	}
}

func TestMetrics(t *testing.T) {
	m := &Metrics{}
	fraud := Claim{IsFraud: true}
	legit := Claim{}

	m.record(fraud, domain.ClassificationAutoPrevented)
	m.record(fraud, domain.ClassificationNeedsInvestigation)
	m.record(fraud, domain.ClassificationReleased)
	m.record(legit, domain.ClassificationAutoPrevented)
	m.record(legit, domain.ClassificationReleased)

	if m.TruePositives != 2 || m.FalseNegatives != 1 || m.FalsePositives != 1 || m.TrueNegatives != 1 {
		t.Errorf("unexpected matrix %+v", m)
	}
	if m.Escalated != 1 {
		t.Errorf("expected 1 escalated, got %d", m.Escalated)
	}
	if got := m.Precision(); got < 0.66 || got > 0.67 {
		t.Errorf("expected precision 2/3, got %v", got)
	}
	if got := m.Recall(); got < 0.66 || got > 0.67 {
		t.Errorf("expected recall 2/3, got %v", got)
	}
	if (&Metrics{}).F1() != 0 {
		t.Error("expected zero F1 on empty metrics")
	}
}
