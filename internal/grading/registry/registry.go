// Package registry maps language identifiers to sandbox runtimes.
package registry

import (
	"context"
	"sort"
	"strings"

	appErr "codegrade/pkg/errors"

	mapset "github.com/deckarep/golang-set/v2"
)

// SourcePlaceholder is replaced with the in-sandbox source path when rendering CommandTemplate.
const SourcePlaceholder = "{src}"

// Runtime describes how to run a program written in one language.
type Runtime struct {
	Language        string            `yaml:"language" toml:"language"`
	Aliases         []string          `yaml:"aliases" toml:"aliases"`
	Image           string            `yaml:"image" toml:"image"`
	CommandTemplate string            `yaml:"command" toml:"command"`
	SourceFile      string            `yaml:"sourceFile" toml:"sourceFile"`
	Env             map[string]string `yaml:"env" toml:"env"`
	OOMMarkers      []string          `yaml:"oomMarkers" toml:"oomMarkers"`
}

// ImageVerifier checks that a runtime image can be started on this host.
type ImageVerifier interface {
	VerifyImage(ctx context.Context, image string) error
}

// DefaultRuntimes is the built-in language table.
func DefaultRuntimes() []Runtime {
	return []Runtime{
		{
			Language:        "python",
			Aliases:         []string{"py", "python3"},
			Image:           "python:3.12-alpine",
			CommandTemplate: "python3 " + SourcePlaceholder,
			SourceFile:      "main.py",
			Env:             map[string]string{"PYTHONDONTWRITEBYTECODE": "1", "PYTHONUNBUFFERED": "1"},
			OOMMarkers:      []string{"MemoryError"},
		},
		{
			Language:        "javascript",
			Aliases:         []string{"js", "node"},
			Image:           "node:20-alpine",
			CommandTemplate: "node " + SourcePlaceholder,
			SourceFile:      "main.js",
			OOMMarkers:      []string{"heap out of memory", "Allocation failed"},
		},
	}
}

// Registry is an immutable lookup table built once at start-up.
type Registry struct {
	runtimes map[string]Runtime
	names    mapset.Set[string]
}

// New validates the runtime list and builds a registry.
func New(runtimes []Runtime) (*Registry, error) {
	if len(runtimes) == 0 {
		return nil, appErr.ValidationError("runtimes", "required")
	}
	r := &Registry{
		runtimes: make(map[string]Runtime, len(runtimes)*2),
		names:    mapset.NewThreadUnsafeSet[string](),
	}
	for _, rt := range runtimes {
		name := normalize(rt.Language)
		if name == "" {
			return nil, appErr.ValidationError("language", "required")
		}
		if strings.TrimSpace(rt.Image) == "" {
			return nil, appErr.ValidationError("image", "required").WithMessagef("runtime %s has no image", name)
		}
		if !strings.Contains(rt.CommandTemplate, SourcePlaceholder) {
			return nil, appErr.ValidationError("command", "must reference "+SourcePlaceholder).
				WithMessagef("runtime %s has an invalid command template", name)
		}
		if rt.SourceFile == "" {
			rt.SourceFile = "main"
		}
		rt.Language = name
		keys := append([]string{name}, rt.Aliases...)
		for _, key := range keys {
			key = normalize(key)
			if key == "" {
				continue
			}
			if _, exists := r.runtimes[key]; exists {
				return nil, appErr.ValidationError("language", "duplicate").WithMessagef("language key %s is declared twice", key)
			}
			r.runtimes[key] = rt
		}
		r.names.Add(name)
	}
	return r, nil
}

// Resolve returns the runtime for a language name or alias.
func (r *Registry) Resolve(language string) (Runtime, error) {
	rt, ok := r.runtimes[normalize(language)]
	if !ok {
		return Runtime{}, appErr.New(appErr.LanguageNotSupported).
			WithMessagef("language %q is not supported", language).
			WithDetail("language", language)
	}
	return rt, nil
}

// Supports reports whether language resolves.
func (r *Registry) Supports(language string) bool {
	_, ok := r.runtimes[normalize(language)]
	return ok
}

// Languages returns the canonical language names, sorted.
func (r *Registry) Languages() []string {
	names := r.names.ToSlice()
	sort.Strings(names)
	return names
}

// Runtimes returns one entry per canonical language, sorted by name.
func (r *Registry) Runtimes() []Runtime {
	out := make([]Runtime, 0, r.names.Cardinality())
	for _, name := range r.Languages() {
		out = append(out, r.runtimes[name])
	}
	return out
}

func normalize(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}
