package gate

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mtzanidakis/synedrio/internal/completion"
)

// CompletionEvaluator asks an evaluator worker to grade one dimension. The
// reply must carry a "SCORE: <n>" line; a "JUSTIFICATION: <text>" line is
// used as the justification when present.
type CompletionEvaluator struct {
	svc      completion.Service
	workerID string
	maxScore float64
}

func NewCompletionEvaluator(svc completion.Service, workerID string, maxScore float64) *CompletionEvaluator {
	if maxScore <= 0 {
		maxScore = 5
	}
	return &CompletionEvaluator{svc: svc, workerID: workerID, maxScore: maxScore}
}

func (e *CompletionEvaluator) EvaluateDimension(ctx context.Context, report Report, dim Dimension) (DimensionResult, error) {
	res, err := e.svc.Complete(ctx, completion.Request{
		WorkerID: e.workerID,
		TaskID:   uuid.New().String(),
		Prompt:   e.prompt(report, dim),
	})
	if err != nil {
		return DimensionResult{}, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	if !res.Success {
		return DimensionResult{}, fmt.Errorf("%w: evaluator reported %s", ErrEvaluation, res.ErrorKind)
	}
	return ParseEvaluation(res.Text)
}

func (e *CompletionEvaluator) prompt(report Report, dim Dimension) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Grade the report below on the dimension %q", dim.ID)
	if dim.Description != "" {
		fmt.Fprintf(&sb, " (%s)", dim.Description)
	}
	fmt.Fprintf(&sb, " on a scale from 0 to %g.\n", e.maxScore)
	sb.WriteString("Reply with exactly two lines:\nSCORE: <number>\nJUSTIFICATION: <one sentence>\n\n")
	sb.WriteString("Report:\n")
	sb.WriteString(report.Content)
	return sb.String()
}

// ParseEvaluation reads the SCORE and JUSTIFICATION lines of an evaluator reply.
func ParseEvaluation(text string) (DimensionResult, error) {
	var res DimensionResult
	found := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "SCORE":
			fields := strings.Fields(value)
			if len(fields) == 0 {
				return DimensionResult{}, fmt.Errorf("%w: empty score", ErrEvaluation)
			}
			// Accept "4" as well as "4/5" or "8/10"; the scale is the rubric's.
			num, _, _ := strings.Cut(fields[0], "/")
			f, err := strconv.ParseFloat(num, 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return DimensionResult{}, fmt.Errorf("%w: bad score %q", ErrEvaluation, value)
			}
			res.Score = f
			found = true
		case "JUSTIFICATION":
			res.Justification = value
		}
	}
	if !found {
		return DimensionResult{}, fmt.Errorf("%w: no SCORE line in evaluator reply", ErrEvaluation)
	}
	return res, nil
}
