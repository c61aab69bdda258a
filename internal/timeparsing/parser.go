// Package timeparsing turns the time expressions accepted on the command
// line into points in time and ages. Expressions are tried in layers:
//  1. Go durations and compact durations (90m, 6h, 2d, 1w)
//  2. absolute timestamps (RFC 3339, YYYY-MM-DD)
//  3. natural language (yesterday, 3 hours ago, last monday)
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// compactDurationRe matches [+-]?<n><unit> with unit one of h d w m y.
var compactDurationRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// ParseCompactDuration applies a compact duration such as "+6h", "-1d" or
// "3m" (months) to now. A missing sign means forward.
func ParseCompactDuration(s string, now time.Time) (time.Time, error) {
	m := compactDurationRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return time.Time{}, fmt.Errorf("not a compact duration: %q", s)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration amount: %q", m[2])
	}
	if m[1] == "-" {
		n = -n
	}
	switch m[3] {
	case "h":
		return now.Add(time.Duration(n) * time.Hour), nil
	case "d":
		return now.AddDate(0, 0, n), nil
	case "w":
		return now.AddDate(0, 0, 7*n), nil
	case "m":
		return now.AddDate(0, n, 0), nil
	default:
		return now.AddDate(n, 0, 0), nil
	}
}

// IsCompactDuration reports whether s is compact duration syntax.
func IsCompactDuration(s string) bool {
	return compactDurationRe.MatchString(strings.TrimSpace(s))
}

var parser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseNaturalLanguage resolves an English expression relative to now.
func ParseNaturalLanguage(s string, now time.Time) (time.Time, error) {
	r, err := parser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("not a recognised time expression: %q", s)
	}
	return r.Time, nil
}

var absoluteLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"}

// ParseRelativeTime resolves s as a compact duration, then as an absolute
// timestamp, then as natural language.
func ParseRelativeTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}
	if IsCompactDuration(s) {
		return ParseCompactDuration(s, now)
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	if t, err := ParseNaturalLanguage(s, now); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q: use a duration (6h, 2d), a phrase (yesterday) or a date (2006-01-02)", s)
}

// ParseAge returns how far in the past s lies. Durations ("90m", "6h",
// "2d") are ages directly; any other expression names a point in time and
// the age is measured from it to now. Points in the future are rejected.
func ParseAge(s string, now time.Time) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("age %q is negative", s)
		}
		return d, nil
	}
	if m := compactDurationRe.FindStringSubmatch(s); m != nil {
		if m[1] == "+" {
			return 0, fmt.Errorf("age %q points into the future", s)
		}
		t, err := ParseCompactDuration("-"+m[2]+m[3], now)
		if err != nil {
			return 0, err
		}
		return now.Sub(t), nil
	}
	t, err := ParseRelativeTime(s, now)
	if err != nil {
		return 0, err
	}
	if t.After(now) {
		return 0, fmt.Errorf("%q is in the future", s)
	}
	return now.Sub(t), nil
}
