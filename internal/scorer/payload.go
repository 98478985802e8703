package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Feature keys read by PayloadScorer.
const (
	FeatureRiskScore   = "risk_score"
	FeatureRiskFactors = "risk_factors"
	FeatureRiskModel   = "risk_model"
)

// PayloadScorer trusts a score computed upstream and carried in the event
// features as risk_score, with optional risk_factors and risk_model.
type PayloadScorer struct {
	now func() time.Time
}

// NewPayloadScorer creates a payload scorer.
func NewPayloadScorer() *PayloadScorer {
	return &PayloadScorer{now: time.Now}
}

// Score implements domain.RiskScorer.
func (s *PayloadScorer) Score(ctx context.Context, ev domain.Event) (*domain.RiskAssessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrScorerTimeout, err)
	}

	raw, ok := ev.Features[FeatureRiskScore]
	if !ok {
		return nil, fmt.Errorf("%w: feature %s missing", domain.ErrScorer, FeatureRiskScore)
	}
	score, err := toFloat(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: feature %s: %v", domain.ErrScorer, FeatureRiskScore, err)
	}

	factors, err := parseFactors(ev.Features[FeatureRiskFactors])
	if err != nil {
		return nil, fmt.Errorf("%w: feature %s: %v", domain.ErrScorer, FeatureRiskFactors, err)
	}

	model, _ := ev.Features[FeatureRiskModel].(string)

	a := &domain.RiskAssessment{
		EventID:  ev.ID,
		Score:    score,
		Factors:  factors,
		Model:    model,
		ScoredAt: s.now().UTC(),
	}
	if err := Check(a); err != nil {
		return nil, err
	}
	return a, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

// parseFactors accepts the decoded JSON form ([]any of objects) or a typed slice.
func parseFactors(v any) ([]domain.RiskFactor, error) {
	if v == nil {
		return nil, nil
	}
	if typed, ok := v.([]domain.RiskFactor); ok {
		return typed, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []domain.RiskFactor
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
