// Package timeparsing parses the compact duration grammar accepted anywhere
// the API takes a TTL or expiry: either a finite number of milliseconds or a
// string of (\d+)([smhd]) tokens such as "1d2h30m45s".
package timeparsing

import (
	"math"
	"regexp"
	"strconv"
)

const maxDurationInput = 50

var tokenRe = regexp.MustCompile(`(\d+)([smhd])`)

var unitMs = map[string]int64{
	"s": 1000,
	"m": 60 * 1000,
	"h": 3600 * 1000,
	"d": 86400 * 1000,
}

// ParseDuration scans s for duration tokens and returns the sum in
// milliseconds. Returns ok=false when s is over-length, has no tokens, or
// the tokens sum to zero. ok=false is an input-level signal, not an error.
//
// The scanner ignores anything between tokens, so "1h 30m" parses as 90
// minutes while "1 h" has no token and fails. Both behaviors are load
// bearing for compatibility.
func ParseDuration(s string) (int64, bool) {
	if len(s) > maxDurationInput {
		return 0, false
	}
	matches := tokenRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, false
	}
	var total int64
	for _, m := range matches {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, false
		}
		total += n * unitMs[m[2]]
	}
	if total == 0 {
		return 0, false
	}
	return total, true
}

// ParseDurationValue accepts the wire-level duration forms: a finite number
// is returned verbatim as milliseconds (negative values pass through for
// immediate-expiry testing); a string goes through ParseDuration. Any other
// kind, or a non-finite number, returns ok=false.
func ParseDurationValue(v any) (int64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case string:
		return ParseDuration(n)
	}
	return 0, false
}
