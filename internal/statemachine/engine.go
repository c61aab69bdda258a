// Package statemachine implements a configuration-driven state machine.
// Transitions are declared per domain; guards, conditions and actions are
// referenced by name and resolved against a Registry when the Engine is
// built, so a misconfigured name fails at startup rather than mid-transition.
// Nothing is allowed unless declared.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/edisonflow/edison/internal/debug"
	"github.com/edisonflow/edison/internal/telemetry"
)

type namedPredicate struct {
	name string
	fn   Predicate
}

type namedAction struct {
	name     string
	critical bool
	fn       Action
}

type transition struct {
	to         string
	guard      *namedPredicate
	conditions []namedPredicate
	actions    []namedAction
}

type state struct {
	final       bool
	transitions map[string]*transition
	order       []string
}

type machine struct {
	initial string
	states  map[string]*state
}

// Engine validates and performs transitions for every configured domain.
type Engine struct {
	machines map[string]*machine
}

// Outcome reports a completed transition.
type Outcome struct {
	Domain   string   `json:"domain"`
	EntityID string   `json:"entity_id"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Warnings []string `json:"warnings,omitempty"`
}

// New builds an Engine, resolving every referenced predicate and action.
// All configuration problems are reported together.
func New(cfg Config, reg *Registry) (*Engine, error) {
	if reg == nil {
		reg = NewRegistry()
	}
	e := &Engine{machines: make(map[string]*machine)}
	var errs []error

	domains := make([]string, 0, len(cfg))
	for d := range cfg {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	for _, domain := range domains {
		mc := cfg[domain]
		m := &machine{states: make(map[string]*state)}
		if len(mc.States) == 0 {
			errs = append(errs, fmt.Errorf("%s: no states declared", domain))
		}

		names := make([]string, 0, len(mc.States))
		for n := range mc.States {
			names = append(names, n)
		}
		sort.Strings(names)

		for _, name := range names {
			spec := mc.States[name]
			if spec.Initial {
				if m.initial != "" {
					errs = append(errs, fmt.Errorf("%s: multiple initial states (%s, %s)", domain, m.initial, name))
				} else {
					m.initial = name
				}
			}
			if spec.Final && len(spec.AllowedTransitions) > 0 {
				errs = append(errs, fmt.Errorf("%s.%s: final state cannot have outgoing transitions", domain, name))
			}

			st := &state{final: spec.Final, transitions: make(map[string]*transition)}
			for _, ts := range spec.AllowedTransitions {
				where := fmt.Sprintf("%s.%s -> %s", domain, name, ts.To)
				if ts.To == "" {
					errs = append(errs, fmt.Errorf("%s.%s: transition without target", domain, name))
					continue
				}
				if _, ok := mc.States[ts.To]; !ok {
					errs = append(errs, fmt.Errorf("%s: unknown target state", where))
					continue
				}
				if _, dup := st.transitions[ts.To]; dup {
					errs = append(errs, fmt.Errorf("%s: declared more than once", where))
					continue
				}

				t := &transition{to: ts.To}
				if ts.Guard != "" {
					if fn, ok := reg.Predicate(ts.Guard); ok {
						t.guard = &namedPredicate{name: ts.Guard, fn: fn}
					} else {
						errs = append(errs, fmt.Errorf("%s: unknown guard %q", where, ts.Guard))
					}
				}
				for _, c := range ts.Conditions {
					if fn, ok := reg.Predicate(c); ok {
						t.conditions = append(t.conditions, namedPredicate{name: c, fn: fn})
					} else {
						errs = append(errs, fmt.Errorf("%s: unknown condition %q", where, c))
					}
				}
				for _, a := range ts.Actions {
					if fn, ok := reg.Action(a.Name); ok {
						t.actions = append(t.actions, namedAction{name: a.Name, critical: a.Critical, fn: fn})
					} else {
						errs = append(errs, fmt.Errorf("%s: unknown action %q", where, a.Name))
					}
				}
				st.transitions[ts.To] = t
				st.order = append(st.order, ts.To)
			}
			m.states[name] = st
		}
		if m.initial == "" && len(mc.States) > 0 {
			errs = append(errs, fmt.Errorf("%s: no initial state", domain))
		}
		e.machines[domain] = m
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid state machine configuration: %w", errors.Join(errs...))
	}
	return e, nil
}

// Domains returns the configured domains, sorted.
func (e *Engine) Domains() []string {
	out := make([]string, 0, len(e.machines))
	for d := range e.machines {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// InitialState returns the initial state of a domain.
func (e *Engine) InitialState(domain string) (string, error) {
	m, ok := e.machines[domain]
	if !ok {
		return "", fmt.Errorf("unknown domain %q", domain)
	}
	return m.initial, nil
}

// States returns the declared states of a domain, sorted.
func (e *Engine) States(domain string) []string {
	m, ok := e.machines[domain]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m.states))
	for s := range m.states {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// HasState reports whether state is declared for domain.
func (e *Engine) HasState(domain, name string) bool {
	m, ok := e.machines[domain]
	if !ok {
		return false
	}
	_, ok = m.states[name]
	return ok
}

// IsFinal reports whether state is a final state of domain.
func (e *Engine) IsFinal(domain, name string) bool {
	m, ok := e.machines[domain]
	if !ok {
		return false
	}
	st, ok := m.states[name]
	return ok && st.final
}

// FinalStates returns the final states of a domain, sorted.
func (e *Engine) FinalStates(domain string) []string {
	var out []string
	for _, s := range e.States(domain) {
		if e.IsFinal(domain, s) {
			out = append(out, s)
		}
	}
	return out
}

// AllowedTargets returns the declared targets from a state, in declared order.
func (e *Engine) AllowedTargets(domain, from string) []string {
	m, ok := e.machines[domain]
	if !ok {
		return nil
	}
	st, ok := m.states[from]
	if !ok {
		return nil
	}
	return append([]string(nil), st.order...)
}

func (e *Engine) lookup(domain, from, to string) (*transition, *TransitionError) {
	invalid := func(reason string) *TransitionError {
		return &TransitionError{
			Kind: KindInvalidTransition, Domain: domain, From: from, To: to,
			Reason: reason, Allowed: e.AllowedTargets(domain, from),
		}
	}
	m, ok := e.machines[domain]
	if !ok {
		return nil, invalid(fmt.Sprintf("unknown domain %q", domain))
	}
	st, ok := m.states[from]
	if !ok {
		return nil, invalid(fmt.Sprintf("unknown state %q", from))
	}
	if _, ok := m.states[to]; !ok {
		return nil, invalid(fmt.Sprintf("unknown state %q", to))
	}
	if st.final {
		return nil, invalid(fmt.Sprintf("%s is a final state", from))
	}
	t, ok := st.transitions[to]
	if !ok {
		return nil, invalid("transition not allowed")
	}
	return t, nil
}

// ValidateTransition checks that from -> to is declared for domain and that
// its guard and all conditions pass. It never has side effects beyond what
// the predicates themselves do.
func (e *Engine) ValidateTransition(ctx context.Context, domain, from, to string, tc *Context) error {
	_, err := e.validate(ctx, domain, from, to, tc)
	return err
}

func (e *Engine) validate(ctx context.Context, domain, from, to string, tc *Context) (*transition, error) {
	t, terr := e.lookup(domain, from, to)
	if terr != nil {
		return nil, terr
	}
	if tc == nil {
		tc = &Context{}
	}
	tc.Domain, tc.From, tc.To = domain, from, to

	var failures []PredicateFailure
	preds := t.conditions
	if t.guard != nil {
		preds = append([]namedPredicate{*t.guard}, preds...)
	}
	for _, p := range preds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ok, reason := p.fn(ctx, tc); !ok {
			failures = append(failures, PredicateFailure{Name: p.name, Reason: reason})
		}
	}
	if len(failures) > 0 {
		return nil, &TransitionError{
			Kind: KindGuardFailed, Domain: domain, From: from, To: to,
			Allowed: e.AllowedTargets(domain, from), Failures: failures,
		}
	}
	return t, nil
}

// Transition validates from -> to, runs the declared actions in order and
// then calls relocate to persist the new state. A failing non-critical
// action is logged and reported as a warning; a failing critical action
// aborts before relocate is called.
func (e *Engine) Transition(ctx context.Context, domain, from, to string, tc *Context, relocate func(context.Context) error) (out *Outcome, err error) {
	if tc == nil {
		tc = &Context{}
	}
	ctx, done := telemetry.Start(ctx, "statemachine.transition",
		attribute.String("edison.domain", domain),
		attribute.String("edison.from", from),
		attribute.String("edison.to", to),
	)
	defer func() { done(err) }()

	t, err := e.validate(ctx, domain, from, to, tc)
	if err != nil {
		return nil, err
	}

	out = &Outcome{Domain: domain, EntityID: tc.EntityID, From: from, To: to}
	for _, a := range t.actions {
		if aerr := a.fn(ctx, tc); aerr != nil {
			if a.critical {
				return nil, &ActionError{Action: a.name, Err: aerr}
			}
			debug.Logf("%s %s: action %s failed: %v", domain, tc.EntityID, a.name, aerr)
			out.Warnings = append(out.Warnings, fmt.Sprintf("action %s failed: %v", a.name, aerr))
		}
	}

	if relocate != nil {
		if err = relocate(ctx); err != nil {
			return nil, fmt.Errorf("failed to move %s %s to %s: %w", domain, tc.EntityID, to, err)
		}
	}
	debug.LogEventWithContext(domain+".transition", tc.EntityID, tc.Actor, tc.SessionID, from+" -> "+to)
	return out, nil
}
