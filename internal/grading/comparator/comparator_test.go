package comparator

import "testing"

func TestCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		expected string
		actual   string
		mode     Mode
		want     bool
	}{
		{name: "exact match", expected: "42\n", actual: "42\n", mode: ModeExact, want: true},
		{name: "exact trailing newline", expected: "42", actual: "42\n", mode: ModeExact, want: false},
		{name: "whitespace trailing newline", expected: "42", actual: "42\n", mode: ModeWhitespace, want: true},
		{name: "whitespace runs", expected: "1 2\n3", actual: "  1\t2   3 \n\n", mode: ModeWhitespace, want: true},
		{name: "whitespace mismatch", expected: "1 2", actual: "12", mode: ModeWhitespace, want: false},
		{name: "whitespace is case sensitive", expected: "Yes", actual: "yes", mode: ModeWhitespace, want: false},
		{name: "case insensitive", expected: "YES\n", actual: " yes ", mode: ModeCaseInsensitive, want: true},
		{name: "numeric within epsilon", expected: "0.3333333", actual: "0.33333331", mode: ModeNumeric, want: true},
		{name: "numeric relative", expected: "1e12", actual: "1000000000000.5", mode: ModeNumeric, want: true},
		{name: "numeric outside epsilon", expected: "1.0", actual: "1.1", mode: ModeNumeric, want: false},
		{name: "numeric nan", expected: "NaN", actual: "nan", mode: ModeNumeric, want: true},
		{name: "numeric inf", expected: "+Inf", actual: "inf", mode: ModeNumeric, want: true},
		{name: "numeric token count", expected: "1 2", actual: "1", mode: ModeNumeric, want: false},
		{name: "numeric falls back", expected: "n = 3", actual: "n  = 3\n", mode: ModeNumeric, want: true},
		{name: "numeric fallback mismatch", expected: "n = 3", actual: "n = 3.0", mode: ModeNumeric, want: false},
		{name: "empty both", expected: "", actual: "\n", mode: ModeWhitespace, want: true},
		{name: "unknown mode uses whitespace", expected: "a b", actual: "a  b", mode: Mode("weird"), want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Compare(tt.expected, tt.actual, tt.mode); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	cases := map[string]Mode{
		"":                 ModeWhitespace,
		"EXACT":            ModeExact,
		" numeric ":        ModeNumeric,
		"case_insensitive": ModeCaseInsensitive,
		"levenshtein":      ModeWhitespace,
	}
	for raw, want := range cases {
		if got := ParseMode(raw); got != want {
			t.Fatalf("ParseMode(%q): expected %s, got %s", raw, want, got)
		}
	}
}

func TestResolvePrefersTestMode(t *testing.T) {
	t.Parallel()

	if got := Resolve("exact", "numeric"); got != ModeExact {
		t.Fatalf("expected exact, got %s", got)
	}
	if got := Resolve("", "numeric"); got != ModeNumeric {
		t.Fatalf("expected numeric, got %s", got)
	}
	if got := Resolve("", ""); got != DefaultMode {
		t.Fatalf("expected default, got %s", got)
	}
}
