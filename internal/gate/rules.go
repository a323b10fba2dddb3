package gate

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// RuleEvaluator scores a dimension by the share of its structural checks the
// report satisfies: every pattern must match and the content must reach the
// minimum length.
type RuleEvaluator struct {
	MaxScore float64
}

func NewRuleEvaluator(maxScore float64) *RuleEvaluator {
	if maxScore <= 0 {
		maxScore = 5
	}
	return &RuleEvaluator{MaxScore: maxScore}
}

func (e *RuleEvaluator) EvaluateDimension(_ context.Context, report Report, dim Dimension) (DimensionResult, error) {
	total := len(dim.Patterns)
	if dim.MinLength > 0 {
		total++
	}
	if total == 0 {
		return DimensionResult{Score: e.MaxScore, Justification: "no checks configured"}, nil
	}

	var missing []string
	for _, re := range dim.Patterns {
		if !re.MatchString(report.Content) {
			missing = append(missing, fmt.Sprintf("missing content matching %q", strings.TrimPrefix(re.String(), "(?i)")))
		}
	}
	if dim.MinLength > 0 {
		if n := utf8.RuneCountInString(strings.TrimSpace(report.Content)); n < dim.MinLength {
			missing = append(missing, fmt.Sprintf("content is %d characters, at least %d required", n, dim.MinLength))
		}
	}

	satisfied := total - len(missing)
	score := e.MaxScore * float64(satisfied) / float64(total)
	if len(missing) == 0 {
		return DimensionResult{Score: score, Justification: "all checks satisfied"}, nil
	}

	label := dim.ID
	if dim.Description != "" {
		label = dim.Description
	}
	return DimensionResult{Score: score, Justification: label + ": " + strings.Join(missing, "; ")}, nil
}
