// Package schedule parses and evaluates the schedules attached to
// scheduled runs.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

type Schedule struct {
	Kind       string `json:"kind"`                  // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr,omitempty"`   // if kind=cron
	IntervalMs int64  `json:"interval_ms,omitempty"` // if kind=interval
	AtMs       int64  `json:"at_ms,omitempty"`       // Unix ms, if kind=once
}

func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return &s, nil
}

// Validate checks that the schedule can produce a run.
func (s *Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// Next returns the first run time strictly after after, or nil when the
// schedule will not fire again.
func (s *Schedule) Next(after time.Time) *time.Time {
	var next time.Time

	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(s.CronExpr, after, false)
		if err != nil {
			return nil
		}
		next = t
	case KindInterval:
		if s.IntervalMs <= 0 {
			return nil
		}
		next = after.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if !t.After(after) {
			return nil
		}
		next = t
	default:
		return nil
	}

	next = next.UTC()
	return &next
}

// NextRun parses scheduleJSON and returns its next run time after now.
func NextRun(scheduleJSON string, now time.Time) *time.Time {
	s, err := Parse(scheduleJSON)
	if err != nil {
		return nil
	}
	return s.Next(now)
}

// Describe returns a human-readable description of a schedule JSON string.
func Describe(scheduleJSON string) string {
	s, err := Parse(scheduleJSON)
	if err != nil {
		return scheduleJSON
	}

	switch s.Kind {
	case KindCron:
		return "Cron: " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return fmt.Sprintf("Every %s", d)
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04 MST")
	default:
		return scheduleJSON
	}
}

// Normalize accepts a schedule JSON document, a plain cron expression or
// "every <duration>", and returns validated schedule JSON.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.Validate(); err != nil {
			return "", err
		}
		return raw, nil
	}

	if rest, ok := strings.CutPrefix(strings.ToLower(raw), "every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d <= 0 {
			return "", fmt.Errorf("invalid interval: %s", raw)
		}
		s = Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
	} else {
		s = Schedule{Kind: KindCron, CronExpr: raw}
		if err := s.Validate(); err != nil {
			return "", fmt.Errorf("invalid schedule: not JSON, interval or cron expression: %s", raw)
		}
	}

	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
