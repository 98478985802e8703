// Package scorer provides risk scorer adapters and the bounded retry policy
// the Detection stage applies to them.
package scorer

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Check verifies an assessment against the scorer contract: score in
// [0,100], factor weights in [0,1] and known levels.
func Check(a *domain.RiskAssessment) error {
	if a == nil {
		return fmt.Errorf("%w: empty assessment", domain.ErrScorer)
	}
	if a.Score < domain.MinScore || a.Score > domain.MaxScore {
		return fmt.Errorf("%w: score %.2f outside [0,100]", domain.ErrScorer, a.Score)
	}
	for i, f := range a.Factors {
		if f.Weight < 0 || f.Weight > 1 {
			return fmt.Errorf("%w: factor %d (%s) weight %.2f outside [0,1]", domain.ErrScorer, i, f.Name, f.Weight)
		}
		if !f.Level.Valid() {
			return fmt.Errorf("%w: factor %d (%s) has unknown level %q", domain.ErrScorer, i, f.Name, f.Level)
		}
	}
	return nil
}
