// Package analysis implements the Analysis stage: it classifies a scored
// event as benign or as a threat candidate for the Prevention stage.
package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// DefaultThreshold is the score at or above which an event is a threat candidate.
const DefaultThreshold = 50.0

// Processor classifies risk assessments.
type Processor struct {
	// Threshold at or above which an event is a threat candidate
	Threshold float64

	detector *rules.PatternDetector
}

// NewProcessor creates a processor using the given complex-pattern detector.
func NewProcessor(threshold float64, detector *rules.PatternDetector) *Processor {
	return &Processor{
		Threshold: threshold,
		detector:  detector,
	}
}

// Result is the outcome of the Analysis stage.
type Result struct {
	Threat         bool
	ComplexPattern bool

	// Weighted share of High-level factors, 0 to 1
	HighWeight float64

	Reasons []string
}

// Process classifies one assessment. A pattern evaluation error is logged
// and treated as no pattern; it never fails the stage.
func (p *Processor) Process(ctx context.Context, eventDomain string, a *domain.RiskAssessment) Result {
	res := Result{}
	if a == nil {
		return res
	}

	if p.detector != nil {
		complex, err := p.detector.Detect(eventDomain, a)
		if err != nil {
			slog.WarnContext(ctx, "complex pattern evaluation failed",
				"event_id", a.EventID,
				"pattern", p.detector.Expression(),
				"error", err,
			)
		}
		res.ComplexPattern = complex
	}

	res.HighWeight = highWeight(a.Factors)
	res.Threat = a.Score >= p.Threshold || res.ComplexPattern
	res.Reasons = reasons(a, p.Threshold, res.ComplexPattern)
	return res
}

// highWeight returns the weight of High factors relative to all factors.
func highWeight(factors []domain.RiskFactor) float64 {
	var total, high float64
	for _, f := range factors {
		w := f.Weight
		if w <= 0 {
			continue
		}
		total += w
		if f.Level == domain.RiskLevelHigh {
			high += w
		}
	}
	if total == 0 {
		return 0
	}
	return high / total
}

func reasons(a *domain.RiskAssessment, threshold float64, complex bool) []string {
	var out []string
	if a.Score >= threshold {
		out = append(out, fmt.Sprintf("risk score %.1f at or above %.1f", a.Score, threshold))
	}
	if complex {
		out = append(out, "complex risk pattern")
	}
	for _, f := range a.Factors {
		if f.Level == domain.RiskLevelHigh || f.Level == domain.RiskLevelMedium {
			out = append(out, fmt.Sprintf("%s (%s, %.2f)", f.Name, f.Level, f.Weight))
		}
	}
	return out
}
