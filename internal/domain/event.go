package domain

import (
	"context"
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

// Event is an incoming claim or transaction to be assessed.
// Events are immutable once accepted; enrichment produces a copy.
type Event struct {
	// Core identifiers
	ID     string `json:"id" validate:"required,max=128"`
	Domain string `json:"domain" validate:"required,max=64"`

	// Claimant or account the event belongs to (optional)
	SubjectID string `json:"subjectId,omitempty" validate:"omitempty,max=128"`

	// Claim value
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty" validate:"omitempty,len=3"`

	// Temporal
	ReceivedAt time.Time `json:"receivedAt"`

	// Feature payload consumed by the risk scorer
	Features map[string]any `json:"features,omitempty"`
}

// WithFeature returns a copy of the event with an additional feature set.
func (e Event) WithFeature(key string, value any) Event {
	features := make(map[string]any, len(e.Features)+1)
	maps.Copy(features, e.Features)
	features[key] = value
	e.Features = features
	return e
}

// RiskLevel is the qualitative level of a contributing factor.
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "Low"
	RiskLevelMedium RiskLevel = "Medium"
	RiskLevelHigh   RiskLevel = "High"
)

// Valid reports whether the level is one of the known levels.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLevelLow, RiskLevelMedium, RiskLevelHigh:
		return true
	}
	return false
}

// RiskFactor is a single ranked contributor to a risk score.
type RiskFactor struct {
	Name   string    `json:"name"`
	Weight float64   `json:"weight"` // 0.0 to 1.0
	Level  RiskLevel `json:"level"`
}

// RiskAssessment is produced once per event by the risk scorer.
type RiskAssessment struct {
	EventID  string       `json:"eventId"`
	Score    float64      `json:"score"` // 0 to 100
	Factors  []RiskFactor `json:"factors"`
	Model    string       `json:"model,omitempty"`
	ScoredAt time.Time    `json:"scoredAt"`
}

// HighFactors returns the number of factors at level High.
func (a *RiskAssessment) HighFactors() int {
	n := 0
	for _, f := range a.Factors {
		if f.Level == RiskLevelHigh {
			n++
		}
	}
	return n
}

// RiskScorer is the external scoring collaborator.
// Implementations return errors wrapping ErrScorer or ErrScorerTimeout.
type RiskScorer interface {
	Score(ctx context.Context, ev Event) (*RiskAssessment, error)
}

// Score bounds.
const (
	MinScore = 0.0
	MaxScore = 100.0
)
