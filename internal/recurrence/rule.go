// Package recurrence computes schedule occurrences. RFC-5545 RRULE strings
// (optionally with a DTSTART line) go through rrule-go; five-field cron
// expressions and @descriptors go through robfig/cron.
//
// Every rule answers one question: the first occurrence strictly after a
// given instant. Callers advance by asking again from the occurrence they
// just fired, so the sequence never drifts.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	kerrors "github.com/harunnryd/karakuri/internal/errors"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"
)

type Kind string

const (
	KindRRule Kind = "rrule"
	KindCron  Kind = "cron"
)

type Rule interface {
	// Next returns the first occurrence strictly after t, or false when the
	// rule is exhausted.
	Next(t time.Time) (time.Time, bool)
	Kind() Kind
	String() string
}

// Parse builds a Rule anchored at start. A DTSTART inside an RRULE string
// wins over start. loc controls wall-clock fields such as BYHOUR.
func Parse(expr string, start time.Time, loc *time.Location) (Rule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, kerrors.InvalidInput("recurrence rule is empty")
	}
	if loc == nil {
		loc = time.UTC
	}
	if IsRRule(expr) {
		return parseRRule(expr, start, loc)
	}
	return parseCron(expr, start, loc)
}

// IsRRule reports whether expr uses RFC-5545 syntax rather than cron.
func IsRRule(expr string) bool {
	upper := strings.ToUpper(expr)
	return strings.Contains(upper, "FREQ=")
}

// Validate parses expr against an arbitrary anchor.
func Validate(expr string) error {
	_, err := Parse(expr, time.Now(), time.UTC)
	return err
}

// First returns the first occurrence at or after notBefore.
func First(r Rule, notBefore time.Time) (time.Time, bool) {
	return r.Next(notBefore.Add(-time.Nanosecond))
}

// Upcoming lists up to n occurrences strictly after t.
func Upcoming(r Rule, t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	cur := t
	for len(out) < n {
		next, ok := r.Next(cur)
		if !ok {
			break
		}
		out = append(out, next)
		cur = next
	}
	return out
}

type rruleRule struct {
	expr string
	r    *rrule.RRule
}

func parseRRule(expr string, start time.Time, loc *time.Location) (Rule, error) {
	normalized := normalizeRRule(expr)
	opt, err := rrule.StrToROptionInLocation(normalized, loc)
	if err != nil {
		return nil, kerrors.InvalidInput(fmt.Sprintf("invalid RRULE %q: %v", expr, err))
	}
	if opt.Dtstart.IsZero() {
		if start.IsZero() {
			return nil, kerrors.InvalidInput("RRULE needs a start time or DTSTART")
		}
		opt.Dtstart = start.In(loc).Truncate(time.Second)
	}
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, kerrors.InvalidInput(fmt.Sprintf("invalid RRULE %q: %v", expr, err))
	}
	return &rruleRule{expr: expr, r: r}, nil
}

// normalizeRRule accepts "RRULE:" prefixes, lower-case input and CRLF line
// endings.
func normalizeRRule(expr string) string {
	lines := strings.FieldsFunc(strings.ReplaceAll(expr, "\r", ""), func(r rune) bool { return r == '\n' })
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		if strings.HasPrefix(upper, "RRULE:") {
			line = line[len("RRULE:"):]
			upper = upper[len("RRULE:"):]
		}
		if strings.HasPrefix(upper, "DTSTART") {
			kept = append(kept, line)
			continue
		}
		kept = append(kept, upper)
	}
	return strings.Join(kept, "\n")
}

func (r *rruleRule) Next(t time.Time) (time.Time, bool) {
	next := r.r.After(t, false)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (r *rruleRule) Kind() Kind     { return KindRRule }
func (r *rruleRule) String() string { return r.expr }

type cronRule struct {
	expr  string
	sched cron.Schedule
	start time.Time
	loc   *time.Location
}

func parseCron(expr string, start time.Time, loc *time.Location) (Rule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, kerrors.InvalidInput(fmt.Sprintf("invalid recurrence %q: %v", expr, err))
	}
	return &cronRule{expr: expr, sched: sched, start: start, loc: loc}, nil
}

func (r *cronRule) Next(t time.Time) (time.Time, bool) {
	if !r.start.IsZero() && t.Before(r.start) {
		t = r.start.Add(-time.Nanosecond)
	}
	next := r.sched.Next(t.In(r.loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (r *cronRule) Kind() Kind     { return KindCron }
func (r *cronRule) String() string { return r.expr }
