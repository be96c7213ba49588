package timeparsing

import (
	"math"
	"strings"
	"testing"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  int64
		ok    bool
	}{
		{"1s", 1000, true},
		{"1m", 60_000, true},
		{"1h", 3_600_000, true},
		{"1d", 86_400_000, true},
		{"1d2h30m45s", 86_400_000 + 2*3_600_000 + 30*60_000 + 45_000, true},
		{"2h", 7_200_000, true},
		{"90m", 5_400_000, true},
		// The scanner skips gaps between tokens, so whitespace between
		// complete tokens is accepted.
		{"1h 30m", 5_400_000, true},
		// A digit separated from its unit forms no token.
		{"1 h", 0, false},
		{"invalid", 0, false},
		{"", 0, false},
		{"0s", 0, false},
		{"0m0s", 0, false},
		{strings.Repeat("1s", 30), 0, false}, // over the 50-char cap
	}
	for _, tt := range tests {
		got, ok := ParseDuration(tt.input)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseDuration(%q) = (%d, %v), want (%d, %v)", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseDurationValue(t *testing.T) {
	tests := []struct {
		input any
		want  int64
		ok    bool
	}{
		{float64(5000), 5000, true},
		{float64(-100), -100, true}, // negative passes through verbatim
		{float64(0), 0, true},
		{int(250), 250, true},
		{int64(250), 250, true},
		{"2h", 7_200_000, true},
		{"nope", 0, false},
		{math.NaN(), 0, false},
		{math.Inf(1), 0, false},
		{math.Inf(-1), 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseDurationValue(tt.input)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseDurationValue(%v) = (%d, %v), want (%d, %v)", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}
