package schedule

import (
	"fmt"
	"testing"
	"time"
)

var ref = time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

func TestParseCron(t *testing.T) {
	s, err := Parse(`{"kind":"cron","cron_expr":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindCron || s.CronExpr != "0 9 * * *" {
		t.Errorf("unexpected schedule: %+v", s)
	}
}

func TestNextCron(t *testing.T) {
	next := NextRun(`{"kind":"cron","cron_expr":"0 9 * * *"}`, ref)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextInterval(t *testing.T) {
	next := NextRun(`{"kind":"interval","interval_ms":60000}`, ref)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	if !next.Equal(ref.Add(time.Minute)) {
		t.Errorf("expected %v, got %v", ref.Add(time.Minute), next)
	}
}

func TestNextOnce(t *testing.T) {
	future := ref.Add(time.Hour).UnixMilli()
	if next := NextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, future), ref); next == nil {
		t.Fatal("expected next run time, got nil")
	}

	past := ref.Add(-time.Hour).UnixMilli()
	if next := NextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, past), ref); next != nil {
		t.Error("expected nil for past once schedule")
	}
}

func TestNextInvalid(t *testing.T) {
	if next := NextRun(`invalid json`, ref); next != nil {
		t.Error("expected nil for invalid schedule")
	}
	if next := NextRun(`{"kind":"unknown"}`, ref); next != nil {
		t.Error("expected nil for unknown kind")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0 9 * * *", `{"kind":"cron","cron_expr":"0 9 * * *"}`},
		{"  */5 * * * *  ", `{"kind":"cron","cron_expr":"*/5 * * * *"}`},
		{"every 15m", `{"kind":"interval","interval_ms":900000}`},
		{"Every 2h", `{"kind":"interval","interval_ms":7200000}`},
		{`{"kind":"interval","interval_ms":300000}`, `{"kind":"interval","interval_ms":300000}`},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if err != nil {
			t.Errorf("Normalize(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeInvalid(t *testing.T) {
	for _, in := range []string{
		"not a cron",
		"every soon",
		"every -5m",
		`{"kind":"cron","cron_expr":"bad"}`,
		`{"kind":"interval","interval_ms":0}`,
		`{"kind":"bogus"}`,
	} {
		if _, err := Normalize(in); err == nil {
			t.Errorf("Normalize(%q): expected error", in)
		}
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"kind":"cron","cron_expr":"0 9 * * 1-5"}`, "Cron: 0 9 * * 1-5"},
		{`{"kind":"interval","interval_ms":3600000}`, "Every hour"},
		{`{"kind":"interval","interval_ms":10800000}`, "Every 3 hours"},
		{`{"kind":"interval","interval_ms":60000}`, "Every minute"},
		{`{"kind":"interval","interval_ms":900000}`, "Every 15 minutes"},
		{`{"kind":"interval","interval_ms":45000}`, "Every 45s"},
		{fmt.Sprintf(`{"kind":"once","at_ms":%d}`, ref.UnixMilli()), "Once at Mar 2 08:30 UTC"},
		{`garbage`, "garbage"},
	}
	for _, tt := range tests {
		if got := Describe(tt.in); got != tt.want {
			t.Errorf("Describe(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
