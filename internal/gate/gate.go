// Package gate scores reports against a weighted rubric and turns failing
// scores into deficiencies.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

var ErrEvaluation = errors.New("evaluation failed")

type Verdict string

const (
	Pass Verdict = "pass"
	Fail Verdict = "fail"
)

// Report is one worker's output for one task. Reports are never modified;
// rework produces a new Report with a higher Version.
type Report struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	Content   string    `json:"content"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

type DimensionResult struct {
	Score         float64 `json:"score"`
	Justification string  `json:"justification"`
}

// Evaluator scores a single rubric dimension of a report.
type Evaluator interface {
	EvaluateDimension(ctx context.Context, report Report, dim Dimension) (DimensionResult, error)
}

type DimensionScore struct {
	DimensionID   string  `json:"dimension_id"`
	Score         float64 `json:"score"`
	Justification string  `json:"justification"`
	Indeterminate bool    `json:"indeterminate,omitempty"`
}

type Score struct {
	ReportID   string           `json:"report_id"`
	Dimensions []DimensionScore `json:"dimensions"`
	Aggregate  float64          `json:"aggregate"`
}

type Deficiency struct {
	DimensionID string `json:"dimension_id"`
	Reason      string `json:"reason"`
	ReportID    string `json:"report_id"`
}

// Result bundles everything the gate decided about one report.
type Result struct {
	Score        Score        `json:"score"`
	Verdict      Verdict      `json:"verdict"`
	Deficiencies []Deficiency `json:"deficiencies,omitempty"`
}

type Gate struct {
	eval Evaluator
}

func New(eval Evaluator) *Gate {
	return &Gate{eval: eval}
}

// Score evaluates every dimension of rubric. An evaluator error is retried
// once; a second failure scores the dimension 0 and marks it indeterminate.
// The only error returned is context cancellation.
func (g *Gate) Score(ctx context.Context, report Report, rubric Rubric) (Score, error) {
	s := Score{ReportID: report.ID}
	for _, dim := range rubric.Dimensions {
		res, err := g.evaluate(ctx, report, dim)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Score{}, ctxErr
		}
		ds := DimensionScore{DimensionID: dim.ID}
		if err != nil {
			slog.Warn("dimension evaluation failed", "report", report.ID, "dimension", dim.ID, "error", err)
			ds.Indeterminate = true
			ds.Justification = "evaluation could not complete: " + err.Error()
		} else {
			ds.Score = clamp(res.Score, 0, rubric.MaxScore)
			ds.Justification = res.Justification
		}
		s.Dimensions = append(s.Dimensions, ds)
	}
	s.Aggregate = aggregate(s, rubric)
	return s, nil
}

func (g *Gate) evaluate(ctx context.Context, report Report, dim Dimension) (DimensionResult, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		res, err := g.eval.EvaluateDimension(ctx, report, dim)
		if err == nil && !finite(res.Score) {
			err = fmt.Errorf("%w: score %v is not a number", ErrEvaluation, res.Score)
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if !errors.Is(lastErr, ErrEvaluation) {
		lastErr = fmt.Errorf("%w: %v", ErrEvaluation, lastErr)
	}
	return DimensionResult{}, lastErr
}

// Check scores report and derives the verdict and deficiencies.
func (g *Gate) Check(ctx context.Context, report Report, rubric Rubric) (Result, error) {
	score, err := g.Score(ctx, report, rubric)
	if err != nil {
		return Result{}, err
	}
	res := Result{Score: score, Verdict: Evaluate(score, rubric)}
	if res.Verdict == Fail {
		res.Deficiencies = ExtractDeficiencies(report, score, rubric)
	}
	return res, nil
}

// Evaluate is a pure function of score and rubric: the report passes when
// the aggregate reaches the threshold, no critical dimension sits at or
// below its critical floor and no dimension is indeterminate.
func Evaluate(score Score, rubric Rubric) Verdict {
	for _, ds := range score.Dimensions {
		if ds.Indeterminate {
			return Fail
		}
		if !finite(ds.Score) {
			return Fail
		}
		dim, ok := rubric.dimension(ds.DimensionID)
		if ok && dim.Critical && ds.Score <= dim.CriticalFloor {
			return Fail
		}
	}
	if len(score.Dimensions) > 0 && (!finite(score.Aggregate) || score.Aggregate < rubric.Threshold) {
		return Fail
	}
	return Pass
}

// ExtractDeficiencies lists why a failing report failed, one entry per
// offending dimension with the evaluator's justification. A fail caused by
// the aggregate alone reports the lowest scoring dimension.
func ExtractDeficiencies(report Report, score Score, rubric Rubric) []Deficiency {
	if Evaluate(score, rubric) == Pass {
		return nil
	}

	var out []Deficiency
	for _, ds := range score.Dimensions {
		dim, _ := rubric.dimension(ds.DimensionID)
		below := ds.Score < dim.PassingFloor
		critical := dim.Critical && ds.Score <= dim.CriticalFloor
		if ds.Indeterminate || below || critical {
			out = append(out, Deficiency{DimensionID: ds.DimensionID, Reason: ds.Justification, ReportID: report.ID})
		}
	}
	if len(out) == 0 && len(score.Dimensions) > 0 {
		lowest := score.Dimensions[0]
		for _, ds := range score.Dimensions[1:] {
			if ds.Score < lowest.Score {
				lowest = ds
			}
		}
		out = append(out, Deficiency{DimensionID: lowest.DimensionID, Reason: lowest.Justification, ReportID: report.ID})
	}
	return out
}

func aggregate(s Score, rubric Rubric) float64 {
	var sum, weights float64
	for _, ds := range s.Dimensions {
		w := 1.0
		if dim, ok := rubric.dimension(ds.DimensionID); ok && dim.Weight > 0 {
			w = dim.Weight
		}
		sum += ds.Score * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
