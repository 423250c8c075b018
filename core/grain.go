package core

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// GRAIN - The time level at which facts are recorded
// =============================================================================

// Grain defines how order dates are truncated into fact periods.
//
// Examples:
//   - day:     2024-01-20 -> 2024-01-20
//   - month:   2024-01-20 -> 2024-01-01
//   - quarter: 2024-05-20 -> 2024-04-01
//   - year:    2024-05-20 -> 2024-01-01
type Grain string

const (
	GrainDay     Grain = "day"
	GrainMonth   Grain = "month"
	GrainQuarter Grain = "quarter"
	GrainYear    Grain = "year"
)

// ParseGrain parses a grain name, case-insensitively.
func ParseGrain(s string) (Grain, error) {
	g := Grain(strings.ToLower(strings.TrimSpace(s)))
	if !g.Valid() {
		return "", fmt.Errorf("unknown grain %q", s)
	}
	return g, nil
}

// Valid reports whether g is a known grain.
func (g Grain) Valid() bool {
	switch g {
	case GrainDay, GrainMonth, GrainQuarter, GrainYear:
		return true
	}
	return false
}

// =============================================================================
// PERIOD CALCULATOR - Determines which period a date falls into
// =============================================================================

// PeriodStart truncates t to the first day of its containing period.
// The result is a UTC date at midnight; the time of day of t is ignored.
func (g Grain) PeriodStart(t time.Time) time.Time {
	year, month, day := t.Date()
	switch g {
	case GrainDay:
		return Date(year, month, day)
	case GrainQuarter:
		first := time.Month((int(month)-1)/3*3 + 1)
		return Date(year, first, 1)
	case GrainYear:
		return Date(year, time.January, 1)
	default:
		return Date(year, month, 1)
	}
}

// PeriodEnd returns the last day of the period containing t.
func (g Grain) PeriodEnd(t time.Time) time.Time {
	return g.Next(t).AddDate(0, 0, -1)
}

// Next returns the start of the period following the one containing t.
func (g Grain) Next(t time.Time) time.Time {
	start := g.PeriodStart(t)
	switch g {
	case GrainDay:
		return start.AddDate(0, 0, 1)
	case GrainQuarter:
		return start.AddDate(0, 3, 0)
	case GrainYear:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// =============================================================================
// DATE UTILITIES
// =============================================================================

// Date returns the UTC midnight of the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf drops the time of day and location of t, keeping its calendar day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return Date(y, m, d)
}

// ParseDate parses a canonical YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// Quarter returns the 1-based quarter of t.
func Quarter(t time.Time) int { return (int(t.Month())-1)/3 + 1 }
