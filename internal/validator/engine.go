package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/edisonflow/edison/internal/evidence"
)

// ErrValidatorUnavailable marks a validator whose engine is unknown or
// cannot run. Only that validator fails; the wave continues.
var ErrValidatorUnavailable = errors.New("validator unavailable")

// Request is what an engine receives for one validator run.
type Request struct {
	TaskID    string
	SessionID string
	Round     int
	Validator Spec
	Prompt    string
	Files     []string
	WorkDir   string
}

// Result is an engine's verdict.
type Result struct {
	Verdict  evidence.Verdict `json:"verdict"`
	Summary  string           `json:"summary,omitempty"`
	Findings []string         `json:"findings,omitempty"`
	Model    string           `json:"model,omitempty"`
}

// Engine runs one validator.
type Engine interface {
	Name() string
	Run(ctx context.Context, req Request) (Result, error)
}

// Registry maps engine names to engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry returns a registry holding engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine)}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// Register adds or replaces an engine.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

// Get returns the named engine or an error matching ErrValidatorUnavailable.
func (r *Registry) Get(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("engine %q: %w", name, ErrValidatorUnavailable)
	}
	return e, nil
}

// Names returns the registered engine names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.engines))
	for n := range r.engines {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ParseVerdict extracts a Result from engine output. It accepts a JSON
// object anywhere in the text (the last one wins) with at least a verdict
// field, or a line of the form "VERDICT: approve".
func ParseVerdict(text string) (Result, error) {
	for end := strings.LastIndex(text, "}"); end >= 0; end = strings.LastIndex(text[:end], "}") {
		for start := strings.LastIndex(text[:end], "{"); start >= 0; start = strings.LastIndex(text[:start], "{") {
			var r Result
			if err := json.Unmarshal([]byte(text[start:end+1]), &r); err == nil && r.Verdict != "" {
				r.Verdict = evidence.Verdict(strings.ToLower(string(r.Verdict)))
				if !r.Verdict.IsValid() {
					return Result{}, fmt.Errorf("unknown verdict %q", r.Verdict)
				}
				return r, nil
			}
		}
	}
	for _, line := range strings.Split(text, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "verdict") {
			continue
		}
		v := evidence.Verdict(strings.ToLower(strings.TrimSpace(val)))
		if v.IsValid() {
			return Result{Verdict: v}, nil
		}
	}
	return Result{}, fmt.Errorf("no verdict found in output")
}
