// Package comparator decides whether a program's output matches the expected answer.
package comparator

import (
	"math"
	"strconv"
	"strings"
)

// Mode selects the comparison rule.
type Mode string

const (
	ModeExact           Mode = "exact"
	ModeWhitespace      Mode = "whitespace"
	ModeCaseInsensitive Mode = "case_insensitive"
	ModeNumeric         Mode = "numeric"
)

// DefaultMode is used when neither the test nor the task names one.
const DefaultMode = ModeWhitespace

// Epsilon is the numeric tolerance, applied both absolutely and relative to the expected value.
const Epsilon = 1e-6

// ParseMode maps a configuration string to a Mode. Unknown values fall back to DefaultMode.
func ParseMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeExact:
		return ModeExact
	case ModeCaseInsensitive, "case-insensitive", "ignore_case":
		return ModeCaseInsensitive
	case ModeNumeric, "float":
		return ModeNumeric
	default:
		return DefaultMode
	}
}

// Resolve picks the mode of a test case: its own mode if set, else the task mode.
func Resolve(testMode, taskMode string) Mode {
	if strings.TrimSpace(testMode) != "" {
		return ParseMode(testMode)
	}
	return ParseMode(taskMode)
}

// Compare reports whether actual matches expected under mode.
func Compare(expected, actual string, mode Mode) bool {
	switch mode {
	case ModeExact:
		return expected == actual
	case ModeCaseInsensitive:
		return strings.EqualFold(normalizeWhitespace(expected), normalizeWhitespace(actual))
	case ModeNumeric:
		if equal, ok := compareNumeric(expected, actual); ok {
			return equal
		}
		return normalizeWhitespace(expected) == normalizeWhitespace(actual)
	default:
		return normalizeWhitespace(expected) == normalizeWhitespace(actual)
	}
}

// normalizeWhitespace collapses every whitespace run into one space and trims both ends.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// compareNumeric returns ok=false when either side has a token that is not a number.
func compareNumeric(expected, actual string) (equal bool, ok bool) {
	want, ok := parseFloats(expected)
	if !ok {
		return false, false
	}
	got, ok := parseFloats(actual)
	if !ok {
		return false, false
	}
	if len(want) != len(got) {
		return false, true
	}
	for i := range want {
		if !floatEqual(want[i], got[i]) {
			return false, true
		}
	}
	return true, true
}

func parseFloats(s string) ([]float64, bool) {
	fields := strings.Fields(s)
	out := make([]float64, 0, len(fields))
	for _, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

func floatEqual(want, got float64) bool {
	if math.IsNaN(want) || math.IsNaN(got) {
		return math.IsNaN(want) && math.IsNaN(got)
	}
	if math.IsInf(want, 0) || math.IsInf(got, 0) {
		return want == got
	}
	tolerance := math.Max(Epsilon, Epsilon*math.Abs(want))
	return math.Abs(want-got) <= tolerance
}
