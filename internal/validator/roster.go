// Package validator decides which validators apply to a task, groups them
// into waves and runs them through pluggable engines, writing one evidence
// report per validator.
package validator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Spec is one configured validator.
type Spec struct {
	ID               string        `yaml:"id" json:"id"`
	Name             string        `yaml:"name,omitempty" json:"name,omitempty"`
	Engine           string        `yaml:"engine" json:"engine"`
	Wave             string        `yaml:"wave" json:"wave"`
	Blocking         bool          `yaml:"blocking" json:"blocking"`
	AlwaysRun        bool          `yaml:"always_run" json:"always_run"`
	Triggers         []string      `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Context7Required bool          `yaml:"context7_required,omitempty" json:"context7_required,omitempty"`
	Prompt           string        `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Command          []string      `yaml:"command,omitempty" json:"command,omitempty"`
	Model            string        `yaml:"model,omitempty" json:"model,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Selection is a validator chosen for a task, with the files that triggered it.
type Selection struct {
	Spec
	MatchedFiles []string `json:"matched_files,omitempty"`
}

// ExecutionRoster partitions the validators that apply to a task.
type ExecutionRoster struct {
	AlwaysRequired    []Selection `json:"always_required"`
	TriggeredBlocking []Selection `json:"triggered_blocking"`
	TriggeredOptional []Selection `json:"triggered_optional"`
	Files             []string    `json:"files"`
}

// All returns every selected validator, always-required first.
func (r *ExecutionRoster) All() []Selection {
	out := make([]Selection, 0, len(r.AlwaysRequired)+len(r.TriggeredBlocking)+len(r.TriggeredOptional))
	out = append(out, r.AlwaysRequired...)
	out = append(out, r.TriggeredBlocking...)
	return append(out, r.TriggeredOptional...)
}

// Blocking returns the ids of the selected validators whose verdict gates
// approval.
func (r *ExecutionRoster) Blocking() []string {
	var out []string
	for _, s := range r.All() {
		if s.Blocking {
			out = append(out, s.ID)
		}
	}
	return out
}

// Matcher matches repository-relative paths against trigger globs.
type Matcher struct {
	globs []glob.Glob
}

// CompileTriggers compiles trigger patterns with '/' as the separator, so
// '*' stays within one path segment and '**' crosses segments. A leading
// "**/" also matches files at the repository root.
func CompileTriggers(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		variants := []string{p}
		if rest, ok := strings.CutPrefix(p, "**/"); ok && rest != "" {
			variants = append(variants, rest)
		}
		for _, v := range variants {
			g, err := glob.Compile(v, '/')
			if err != nil {
				return nil, fmt.Errorf("invalid trigger %q: %w", p, err)
			}
			m.globs = append(m.globs, g)
		}
	}
	return m, nil
}

// Match reports whether path matches any trigger.
func (m *Matcher) Match(path string) bool {
	path = strings.TrimPrefix(strings.ReplaceAll(path, `\`, "/"), "./")
	for _, g := range m.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// BuildRoster selects the validators for a candidate file set. Always-run
// validators are required regardless of files; the rest are selected when
// any trigger matches a file and split by their blocking flag.
func BuildRoster(specs []Spec, files []string) (*ExecutionRoster, error) {
	roster := &ExecutionRoster{Files: files}
	seen := make(map[string]bool)
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("validator without id")
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("validator %s declared more than once", spec.ID)
		}
		seen[spec.ID] = true

		if spec.AlwaysRun {
			roster.AlwaysRequired = append(roster.AlwaysRequired, Selection{Spec: spec})
			continue
		}
		if len(spec.Triggers) == 0 {
			continue
		}
		m, err := CompileTriggers(spec.Triggers)
		if err != nil {
			return nil, fmt.Errorf("validator %s: %w", spec.ID, err)
		}
		var matched []string
		for _, f := range files {
			if m.Match(f) {
				matched = append(matched, f)
			}
		}
		if len(matched) == 0 {
			continue
		}
		sel := Selection{Spec: spec, MatchedFiles: matched}
		if spec.Blocking {
			roster.TriggeredBlocking = append(roster.TriggeredBlocking, sel)
		} else {
			roster.TriggeredOptional = append(roster.TriggeredOptional, sel)
		}
	}
	return roster, nil
}

// Wave is a named group of validators run together.
type Wave struct {
	Name       string      `json:"name"`
	Validators []Selection `json:"validators"`
}

// GroupWaves groups the roster by wave. Waves named in order come first in
// that order, any others follow sorted by name. Validators without a wave
// join the first wave.
func GroupWaves(roster *ExecutionRoster, order []string) []Wave {
	byName := make(map[string][]Selection)
	for _, s := range roster.All() {
		name := s.Wave
		if name == "" && len(order) > 0 {
			name = order[0]
		}
		byName[name] = append(byName[name], s)
	}

	var waves []Wave
	for _, name := range order {
		if vs, ok := byName[name]; ok {
			waves = append(waves, Wave{Name: name, Validators: vs})
			delete(byName, name)
		}
	}
	rest := make([]string, 0, len(byName))
	for name := range byName {
		rest = append(rest, name)
	}
	sort.Strings(rest)
	for _, name := range rest {
		waves = append(waves, Wave{Name: name, Validators: byName[name]})
	}
	return waves
}

// FilterWave keeps only the named wave. An empty name keeps all waves.
func FilterWave(waves []Wave, name string) []Wave {
	if name == "" {
		return waves
	}
	for _, w := range waves {
		if w.Name == name {
			return []Wave{w}
		}
	}
	return nil
}
