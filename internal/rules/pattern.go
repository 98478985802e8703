package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// PatternDetector flags complex risk patterns with a CEL predicate over the
// assessment. The expression sees:
//
//	factors: list of {name, weight, level}
//	score:   double
//	domain:  string
type PatternDetector struct {
	expression string
	program    cel.Program
}

// NewPatternDetector compiles the predicate. The expression must return bool.
func NewPatternDetector(expression string) (*PatternDetector, error) {
	env, err := cel.NewEnv(
		cel.Variable("factors", cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
		cel.Variable("score", cel.DoubleType),
		cel.Variable("domain", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile pattern: %v", domain.ErrValidation, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: pattern must return bool, got %s", domain.ErrValidation, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: create program: %v", domain.ErrValidation, err)
	}

	return &PatternDetector{expression: expression, program: prg}, nil
}

// Expression returns the source predicate.
func (d *PatternDetector) Expression() string {
	return d.expression
}

// Detect evaluates the predicate. Evaluation errors count as no match.
func (d *PatternDetector) Detect(eventDomain string, a *domain.RiskAssessment) (bool, error) {
	if a == nil {
		return false, nil
	}

	factors := make([]map[string]any, 0, len(a.Factors))
	for _, f := range a.Factors {
		factors = append(factors, map[string]any{
			"name":   f.Name,
			"weight": f.Weight,
			"level":  string(f.Level),
		})
	}

	out, _, err := d.program.Eval(map[string]any{
		"factors": factors,
		"score":   a.Score,
		"domain":  eventDomain,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate pattern: %w", err)
	}

	return out == types.True, nil
}
