package statemachine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Context carries what predicates and actions need to know about a transition.
type Context struct {
	Domain    string
	EntityID  string
	From      string
	To        string
	Actor     string
	SessionID string
	// Entity is the record being transitioned (*types.Task, *types.QARecord, ...).
	Entity interface{}
	// Values holds caller-supplied extras such as CLI flags.
	Values map[string]interface{}
}

// Value returns a caller-supplied value.
func (c *Context) Value(key string) (interface{}, bool) {
	if c == nil || c.Values == nil {
		return nil, false
	}
	v, ok := c.Values[key]
	return v, ok
}

// Predicate is a named guard or condition. It returns whether the transition
// may proceed and, when it may not, a human readable reason.
type Predicate func(ctx context.Context, tc *Context) (bool, string)

// Action runs after a transition has been validated.
type Action func(ctx context.Context, tc *Context) error

// Registry holds named predicates and actions. Guards and conditions share
// one namespace.
type Registry struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
	actions    map[string]Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		predicates: make(map[string]Predicate),
		actions:    make(map[string]Action),
	}
}

// RegisterPredicate adds a guard/condition. Returns an error if the name is
// already taken.
func (r *Registry) RegisterPredicate(name string, p Predicate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" || p == nil {
		return fmt.Errorf("predicate name and function are required")
	}
	if _, exists := r.predicates[name]; exists {
		return fmt.Errorf("predicate %q already registered", name)
	}
	r.predicates[name] = p
	return nil
}

// RegisterAction adds an action. Returns an error if the name is already taken.
func (r *Registry) RegisterAction(name string, a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" || a == nil {
		return fmt.Errorf("action name and function are required")
	}
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action %q already registered", name)
	}
	r.actions[name] = a
	return nil
}

// Predicate returns a predicate by name.
func (r *Registry) Predicate(name string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[name]
	return p, ok
}

// Action returns an action by name.
func (r *Registry) Action(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// PredicateNames returns all registered predicate names, sorted.
func (r *Registry) PredicateNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.predicates))
	for n := range r.predicates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ActionNames returns all registered action names, sorted.
func (r *Registry) ActionNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
