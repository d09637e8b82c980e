package registry

import (
	"testing"

	appErr "codegrade/pkg/errors"
)

func TestResolveDefaults(t *testing.T) {
	t.Parallel()

	reg, err := New(DefaultRuntimes())
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}

	tests := []struct {
		input string
		want  string
		image string
	}{
		{input: "python", want: "python", image: "python:3.12-alpine"},
		{input: "Python", want: "python", image: "python:3.12-alpine"},
		{input: " py ", want: "python", image: "python:3.12-alpine"},
		{input: "python3", want: "python", image: "python:3.12-alpine"},
		{input: "JavaScript", want: "javascript", image: "node:20-alpine"},
		{input: "node", want: "javascript", image: "node:20-alpine"},
		{input: "js", want: "javascript", image: "node:20-alpine"},
	}
	for _, tt := range tests {
		rt, err := reg.Resolve(tt.input)
		if err != nil {
			t.Fatalf("resolve %q failed: %v", tt.input, err)
		}
		if rt.Language != tt.want || rt.Image != tt.image {
			t.Fatalf("resolve %q: expected %s/%s, got %s/%s", tt.input, tt.want, tt.image, rt.Language, rt.Image)
		}
	}
}

func TestResolveUnknownLanguage(t *testing.T) {
	t.Parallel()

	reg, err := New(DefaultRuntimes())
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}
	for _, lang := range []string{"ruby", "", "c++"} {
		_, err := reg.Resolve(lang)
		if !appErr.Is(err, appErr.LanguageNotSupported) {
			t.Fatalf("resolve %q: expected LanguageNotSupported, got %v", lang, err)
		}
		if reg.Supports(lang) {
			t.Fatalf("expected %q to be unsupported", lang)
		}
	}
}

func TestNewRejectsInvalidRuntimes(t *testing.T) {
	t.Parallel()

	cases := map[string][]Runtime{
		"empty":         nil,
		"no language":   {{Image: "img", CommandTemplate: "run {src}"}},
		"no image":      {{Language: "go", CommandTemplate: "go run {src}"}},
		"no src":        {{Language: "go", Image: "golang:1", CommandTemplate: "go run main.go"}},
		"duplicate key": {{Language: "a", Aliases: []string{"b"}, Image: "x", CommandTemplate: "{src}"}, {Language: "B", Image: "y", CommandTemplate: "{src}"}},
	}
	for name, runtimes := range cases {
		if _, err := New(runtimes); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLanguagesSorted(t *testing.T) {
	t.Parallel()

	reg, err := New(DefaultRuntimes())
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}
	got := reg.Languages()
	if len(got) != 2 || got[0] != "javascript" || got[1] != "python" {
		t.Fatalf("expected [javascript python], got %v", got)
	}
	rts := reg.Runtimes()
	if len(rts) != 2 || rts[0].SourceFile != "main.js" {
		t.Fatalf("unexpected runtimes: %+v", rts)
	}
}
