// Package duration parses the compact duration grammar used by the /v1/cache
// within/beyond filters, e.g. "30d", "6M", "1y30d".
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

var token = regexp.MustCompile(`(\d+)([smhdwMy])`)

// Parse converts a compact duration string ("30d", "1y30d", "6M15d") into a
// time.Duration. Units: s,m,h,d,w,M,y where M=30d and y=365d. Whitespace and
// unrecognized trailing garbage are rejected.
func Parse(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration: empty input")
	}
	if strings.ContainsAny(s, " \t\n\r") {
		return 0, fmt.Errorf("duration: whitespace not allowed in %q", s)
	}

	matches := token.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return 0, fmt.Errorf("duration: no valid components in %q", s)
	}

	// Reject any input that isn't fully consumed by the token sequence
	// (e.g. "30dx" or "x30d").
	var consumed int
	for _, m := range matches {
		if m[0] != consumed {
			return 0, fmt.Errorf("duration: unexpected characters in %q", s)
		}
		consumed = m[1]
	}
	if consumed != len(s) {
		return 0, fmt.Errorf("duration: unexpected characters in %q", s)
	}

	var total time.Duration
	for _, m := range matches {
		numStr := s[m[2]:m[3]]
		unit := s[m[4]:m[5]]

		n, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("duration: invalid number %q: %w", numStr, err)
		}

		var unitDur time.Duration
		switch unit {
		case "s":
			unitDur = time.Second
		case "m":
			unitDur = time.Minute
		case "h":
			unitDur = time.Hour
		case "d":
			unitDur = day
		case "w":
			unitDur = week
		case "M":
			unitDur = month
		case "y":
			unitDur = year
		default:
			return 0, fmt.Errorf("duration: unknown unit %q", unit)
		}

		total += time.Duration(n) * unitDur
	}

	return total, nil
}

// Format is a left inverse of Parse for canonical forms: it renders the
// largest units first (y, w skipped in favor of d, then h, m, s), matching
// the ordering Parse accepts and reproducing what Parse consumed.
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	var b strings.Builder
	remaining := d

	units := []struct {
		suffix string
		size   time.Duration
	}{
		{"y", year},
		{"d", day},
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
	}

	for _, u := range units {
		if remaining < u.size {
			continue
		}
		n := remaining / u.size
		remaining -= n * u.size
		fmt.Fprintf(&b, "%d%s", n, u.suffix)
	}

	if b.Len() == 0 {
		return "0s"
	}
	return b.String()
}
