package statemachine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition matches transitions that are not declared.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrGuardFailed matches declared transitions whose guard or a condition failed.
	ErrGuardFailed = errors.New("guard failed")
	// ErrActionFailed matches a failed critical action.
	ErrActionFailed = errors.New("critical action failed")
)

// Kind classifies a TransitionError.
type Kind int

const (
	KindInvalidTransition Kind = iota
	KindGuardFailed
)

// PredicateFailure is one guard or condition that returned false.
type PredicateFailure struct {
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

// TransitionError is returned for every rejected transition.
type TransitionError struct {
	Kind   Kind
	Domain string
	From   string
	To     string
	// Reason explains an invalid transition.
	Reason string
	// Allowed lists targets reachable from From.
	Allowed []string
	// Failures lists every failing predicate, guard first.
	Failures []PredicateFailure
}

// Predicate names the first failing guard or condition.
func (e *TransitionError) Predicate() string {
	if len(e.Failures) == 0 {
		return ""
	}
	return e.Failures[0].Name
}

func (e *TransitionError) Error() string {
	if e.Kind == KindGuardFailed {
		f := e.Failures[0]
		msg := fmt.Sprintf("%s transition %s -> %s blocked by %s", e.Domain, e.From, e.To, f.Name)
		if f.Reason != "" {
			msg += ": " + f.Reason
		}
		if n := len(e.Failures) - 1; n > 0 {
			msg += fmt.Sprintf(" (and %d more)", n)
		}
		return msg
	}
	msg := fmt.Sprintf("invalid %s transition %s -> %s: %s", e.Domain, e.From, e.To, e.Reason)
	if len(e.Allowed) > 0 {
		msg += fmt.Sprintf(" (allowed: %s)", strings.Join(e.Allowed, ", "))
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	switch e.Kind {
	case KindGuardFailed:
		return target == ErrGuardFailed
	default:
		return target == ErrInvalidTransition
	}
}

// ActionError wraps the failure of a critical action.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

func (e *ActionError) Is(target error) bool { return target == ErrActionFailed }
