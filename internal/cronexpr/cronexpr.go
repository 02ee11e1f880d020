// Package cronexpr parses and evaluates 5-field cron expressions
// (minute hour day-of-month month day-of-week) for the cron_restart
// trigger (spec.md §3, §4.h). No third-party cron parser appears anywhere
// in the reference corpus, so this is a small hand-rolled evaluator; see
// DESIGN.md for that justification.
package cronexpr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expr is a parsed 5-field cron expression.
type Expr struct {
	minute, hour, dom, month, dow fieldSet
	raw                           string
}

type fieldSet map[int]struct{}

func (f fieldSet) has(v int) bool {
	_, ok := f[v]
	return ok
}

// Parse parses a standard 5-field cron expression. Supported syntax per
// field: `*`, a single number, a comma list, a range `a-b`, and a step
// `*/n` or `a-b/n`.
func Parse(expr string) (*Expr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d: %q", len(fields), expr)
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field: %w", err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field: %w", err)
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field: %w", err)
	}

	return &Expr{minute: minute, hour: hour, dom: dom, month: month, dow: dow, raw: expr}, nil
}

func parseField(field string, min, max int) (fieldSet, error) {
	set := make(fieldSet)
	for _, part := range strings.Split(field, ",") {
		if err := parsePart(part, min, max, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func parsePart(part string, min, max int, set fieldSet) error {
	step := 1
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step in %q", part)
		}
		step = n
		part = part[:idx]
	}

	lo, hi := min, max
	switch {
	case part == "*":
		// lo, hi already span the full range
	case strings.Contains(part, "-"):
		bounds := strings.SplitN(part, "-", 2)
		a, err := strconv.Atoi(bounds[0])
		if err != nil {
			return fmt.Errorf("invalid range start in %q", part)
		}
		b, err := strconv.Atoi(bounds[1])
		if err != nil {
			return fmt.Errorf("invalid range end in %q", part)
		}
		lo, hi = a, b
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("invalid value %q", part)
		}
		lo, hi = v, v
	}

	if lo < min || hi > max || lo > hi {
		return fmt.Errorf("value out of range [%d,%d] in %q", min, max, part)
	}

	for v := lo; v <= hi; v += step {
		set[v] = struct{}{}
	}
	return nil
}

// matches reports whether t satisfies the expression. Day-of-month and
// day-of-week are OR'd together when both are restricted, matching
// standard cron semantics; 7 is accepted as an alias for Sunday (0).
func (e *Expr) matches(t time.Time) bool {
	if !e.minute.has(t.Minute()) {
		return false
	}
	if !e.hour.has(t.Hour()) {
		return false
	}
	if !e.month.has(int(t.Month())) {
		return false
	}

	domRestricted := len(e.dom) < 31
	dowRestricted := len(e.dow) < 8
	domMatch := e.dom.has(t.Day())
	weekday := int(t.Weekday())
	dowMatch := e.dow.has(weekday) || (weekday == 0 && e.dow.has(7))

	switch {
	case domRestricted && dowRestricted:
		return domMatch || dowMatch
	case domRestricted:
		return domMatch
	case dowRestricted:
		return dowMatch
	default:
		return true
	}
}

// Next returns the earliest time strictly after after that the expression
// matches, scanning minute by minute up to two years out.
func (e *Expr) Next(after time.Time) (time.Time, error) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.AddDate(2, 0, 0)
	for t.Before(limit) {
		if e.matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching time found within 2 years for %q", e.raw)
}

// String returns the original expression text.
func (e *Expr) String() string { return e.raw }
