package gate

import (
	"fmt"
	"regexp"

	"github.com/mtzanidakis/synedrio/internal/config"
)

type Dimension struct {
	ID            string
	Description   string
	Weight        float64
	Critical      bool
	CriticalFloor float64
	PassingFloor  float64
	Patterns      []*regexp.Regexp
	MinLength     int
}

type Rubric struct {
	Dimensions []Dimension
	Threshold  float64
	MaxScore   float64
}

// NewRubric compiles a rubric definition. Weights default to 1 and passing
// floors default to the threshold.
func NewRubric(cfg config.RubricConfig) (Rubric, error) {
	r := Rubric{Threshold: cfg.Threshold, MaxScore: cfg.MaxScore}
	if r.MaxScore <= 0 {
		r.MaxScore = 5
	}
	if r.Threshold <= 0 {
		r.Threshold = 3
	}
	if r.Threshold > r.MaxScore {
		return Rubric{}, fmt.Errorf("threshold %.2f above max score %.2f", r.Threshold, r.MaxScore)
	}

	seen := make(map[string]bool, len(cfg.Dimensions))
	for _, def := range cfg.Dimensions {
		if def.ID == "" {
			return Rubric{}, fmt.Errorf("dimension without id")
		}
		if seen[def.ID] {
			return Rubric{}, fmt.Errorf("duplicate dimension %q", def.ID)
		}
		seen[def.ID] = true

		dim := Dimension{
			ID:            def.ID,
			Description:   def.Description,
			Weight:        def.Weight,
			Critical:      def.Critical,
			CriticalFloor: def.CriticalFloor,
			PassingFloor:  def.PassingFloor,
			MinLength:     def.MinLength,
		}
		if dim.Weight <= 0 {
			dim.Weight = 1
		}
		if dim.PassingFloor <= 0 {
			dim.PassingFloor = r.Threshold
		}
		for _, p := range def.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return Rubric{}, fmt.Errorf("dimension %s: pattern %q: %w", def.ID, p, err)
			}
			dim.Patterns = append(dim.Patterns, re)
		}
		r.Dimensions = append(r.Dimensions, dim)
	}
	return r, nil
}

func (r Rubric) dimension(id string) (Dimension, bool) {
	for _, d := range r.Dimensions {
		if d.ID == id {
			return d, true
		}
	}
	return Dimension{}, false
}
