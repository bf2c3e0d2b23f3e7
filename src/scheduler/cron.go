// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/casjay-forks/cascache/src/cli"
)

// CronExpr is a parsed schedule: either a fixed interval or the classic
// five cron fields, each kept as a bit set of allowed values.
type CronExpr struct {
	every time.Duration

	minute, hour, day, month, weekday uint64
	source                            string
}

var predefined = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// ParseCron understands "minute hour day month weekday" fields, the
// @daily style shortcuts and "@every <duration>" where the duration may use
// d and w units ("@every 1d").
func ParseCron(expr string) (*CronExpr, error) {
	expr = strings.TrimSpace(expr)

	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := cli.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid interval %q: must be positive", rest)
		}
		return &CronExpr{every: d, source: expr}, nil
	}

	fields := expr
	if p, ok := predefined[expr]; ok {
		fields = p
	}

	parts := strings.Fields(fields)
	if len(parts) != 5 {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(parts))
	}

	c := &CronExpr{source: expr}
	specs := []struct {
		name     string
		dst      *uint64
		min, max int
	}{
		{"minute", &c.minute, 0, 59},
		{"hour", &c.hour, 0, 23},
		{"day", &c.day, 1, 31},
		{"month", &c.month, 1, 12},
		{"weekday", &c.weekday, 0, 6},
	}
	for i, s := range specs {
		bits, err := parseField(parts[i], s.min, s.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", s.name, err)
		}
		*s.dst = bits
	}
	return c, nil
}

func parseField(field string, min, max int) (uint64, error) {
	var bits uint64
	for _, part := range strings.Split(field, ",") {
		rng, stepStr, hasStep := strings.Cut(part, "/")

		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step %q", stepStr)
			}
			step = n
		}

		lo, hi := min, max
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if lo, err = atoiIn(a, min, max); err != nil {
				return 0, err
			}
			if hi, err = atoiIn(b, min, max); err != nil {
				return 0, err
			}
			if lo > hi {
				return 0, fmt.Errorf("range %q is reversed", rng)
			}
		default:
			v, err := atoiIn(rng, min, max)
			if err != nil {
				return 0, err
			}
			lo = v
			if !hasStep {
				hi = v
			}
		}

		for v := lo; v <= hi; v += step {
			bits |= 1 << uint(v)
		}
	}
	if bits == 0 {
		return 0, fmt.Errorf("empty field %q", field)
	}
	return bits, nil
}

func atoiIn(s string, min, max int) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value %d out of range [%d-%d]", v, min, max)
	}
	return v, nil
}

// Next returns the first matching time after t, or the zero time when the
// fields can never match (such as 31 February).
func (c *CronExpr) Next(t time.Time) time.Time {
	if c.every > 0 {
		return t.Add(c.every)
	}

	next := t.Truncate(time.Minute).Add(time.Minute)
	limit := next.AddDate(5, 0, 0)
	for next.Before(limit) {
		switch {
		case !has(c.month, int(next.Month())):
			next = time.Date(next.Year(), next.Month()+1, 1, 0, 0, 0, 0, next.Location())
		case !has(c.day, next.Day()) || !has(c.weekday, int(next.Weekday())):
			next = time.Date(next.Year(), next.Month(), next.Day()+1, 0, 0, 0, 0, next.Location())
		case !has(c.hour, next.Hour()):
			next = next.Truncate(time.Hour).Add(time.Hour)
		case !has(c.minute, next.Minute()):
			next = next.Add(time.Minute)
		default:
			return next
		}
	}
	return time.Time{}
}

func has(bits uint64, v int) bool {
	return bits&(1<<uint(v)) != 0
}

func (c *CronExpr) String() string {
	return c.source
}
