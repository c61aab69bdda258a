package statemachine

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
task:
  states:
    todo:
      initial: true
      allowed_transitions:
        - to: wip
          guard: ready
          conditions: [claimed, reviewed]
          actions: [log]
        - to: blocked
    wip:
      allowed_transitions:
        - to: done
          actions:
            - log
            - name: persist
              critical: true
        - to: todo
    blocked:
      allowed_transitions:
        - to: todo
    done:
      final: true
`

type harness struct {
	reg      *Registry
	ready    bool
	claimed  bool
	reviewed bool
	calls    []string
	persist  error
	logErr   error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{reg: NewRegistry(), ready: true, claimed: true, reviewed: true}
	require.NoError(t, h.reg.RegisterPredicate("ready", func(context.Context, *Context) (bool, string) {
		return h.ready, "dependencies unmet"
	}))
	require.NoError(t, h.reg.RegisterPredicate("claimed", func(context.Context, *Context) (bool, string) {
		return h.claimed, "not claimed"
	}))
	require.NoError(t, h.reg.RegisterPredicate("reviewed", func(context.Context, *Context) (bool, string) {
		return h.reviewed, "not reviewed"
	}))
	require.NoError(t, h.reg.RegisterAction("log", func(_ context.Context, tc *Context) error {
		h.calls = append(h.calls, "log:"+tc.To)
		return h.logErr
	}))
	require.NoError(t, h.reg.RegisterAction("persist", func(context.Context, *Context) error {
		h.calls = append(h.calls, "persist")
		return h.persist
	}))
	return h
}

func (h *harness) engine(t *testing.T) *Engine {
	t.Helper()
	cfg, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)
	e, err := New(cfg, h.reg)
	require.NoError(t, err)
	return e
}

func TestUndeclaredPairsFailClosed(t *testing.T) {
	e := newHarness(t).engine(t)
	declared := map[[2]string]bool{
		{"todo", "wip"}: true, {"todo", "blocked"}: true,
		{"wip", "done"}: true, {"wip", "todo"}: true,
		{"blocked", "todo"}: true,
	}

	states := append(e.States("task"), "nonexistent")
	for _, from := range states {
		for _, to := range states {
			err := e.ValidateTransition(context.Background(), "task", from, to, &Context{EntityID: "T1"})
			if declared[[2]string{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
				continue
			}
			require.Error(t, err, "%s -> %s must be rejected", from, to)
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
		}
	}
}

func TestUnknownDomain(t *testing.T) {
	e := newHarness(t).engine(t)
	err := e.ValidateTransition(context.Background(), "epic", "todo", "wip", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), `unknown domain "epic"`)
}

func TestGuardFailedNamesPredicate(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t)

	h.ready = false
	err := e.ValidateTransition(context.Background(), "task", "todo", "wip", nil)
	require.ErrorIs(t, err, ErrGuardFailed)
	assert.NotErrorIs(t, err, ErrInvalidTransition)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "ready", te.Predicate())
	assert.Contains(t, err.Error(), "blocked by ready: dependencies unmet")
}

func TestConditionsAreANDed(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t)

	h.reviewed = false
	err := e.ValidateTransition(context.Background(), "task", "todo", "wip", nil)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "reviewed", te.Predicate())

	h.claimed = false
	err = e.ValidateTransition(context.Background(), "task", "todo", "wip", nil)
	require.True(t, errors.As(err, &te))
	assert.Equal(t, []PredicateFailure{
		{Name: "claimed", Reason: "not claimed"},
		{Name: "reviewed", Reason: "not reviewed"},
	}, te.Failures)
	assert.Contains(t, err.Error(), "(and 1 more)")
}

func TestTransitionRunsActionsThenRelocates(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t)

	out, err := e.Transition(context.Background(), "task", "wip", "done", &Context{EntityID: "T1"},
		func(context.Context) error {
			h.calls = append(h.calls, "relocate")
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"log:done", "persist", "relocate"}, h.calls)
	assert.Equal(t, "T1", out.EntityID)
	assert.Empty(t, out.Warnings)
}

func TestNonCriticalActionFailureIsWarning(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t)
	h.logErr = errors.New("disk full")

	relocated := false
	out, err := e.Transition(context.Background(), "task", "wip", "done", nil, func(context.Context) error {
		relocated = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, relocated)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "action log failed: disk full")
}

func TestCriticalActionFailureAborts(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t)
	h.persist = errors.New("cannot write")

	relocated := false
	_, err := e.Transition(context.Background(), "task", "wip", "done", nil, func(context.Context) error {
		relocated = true
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrActionFailed)
	assert.ErrorIs(t, err, h.persist)
	assert.False(t, relocated, "relocation must not happen after a critical failure")
}

func TestGuardFailureRunsNoActions(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t)
	h.ready = false

	_, err := e.Transition(context.Background(), "task", "todo", "wip", nil, func(context.Context) error {
		t.Fatal("relocate must not be called")
		return nil
	})
	assert.ErrorIs(t, err, ErrGuardFailed)
	assert.Empty(t, h.calls)
}

func TestRelocateErrorPropagates(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t)
	boom := errors.New("rename failed")

	_, err := e.Transition(context.Background(), "task", "todo", "blocked", &Context{EntityID: "T1"},
		func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestQueries(t *testing.T) {
	e := newHarness(t).engine(t)

	initial, err := e.InitialState("task")
	require.NoError(t, err)
	assert.Equal(t, "todo", initial)
	assert.Equal(t, []string{"wip", "blocked"}, e.AllowedTargets("task", "todo"))
	assert.True(t, e.IsFinal("task", "done"))
	assert.False(t, e.IsFinal("task", "wip"))
	assert.Equal(t, []string{"done"}, e.FinalStates("task"))
	assert.True(t, e.HasState("task", "blocked"))
	assert.Equal(t, []string{"task"}, e.Domains())

	_, err = e.InitialState("nope")
	assert.Error(t, err)
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown guard",
			yaml: `
task:
  states:
    a: {initial: true, allowed_transitions: [{to: b, guard: nope}]}
    b: {final: true}
`,
			want: `unknown guard "nope"`,
		},
		{
			name: "unknown action",
			yaml: `
task:
  states:
    a: {initial: true, allowed_transitions: [{to: b, actions: [missing]}]}
    b: {final: true}
`,
			want: `unknown action "missing"`,
		},
		{
			name: "unknown target",
			yaml: `
task:
  states:
    a: {initial: true, allowed_transitions: [{to: zzz}]}
`,
			want: "unknown target state",
		},
		{
			name: "final with outgoing",
			yaml: `
task:
  states:
    a: {initial: true, allowed_transitions: [{to: b}]}
    b: {final: true, allowed_transitions: [{to: a}]}
`,
			want: "final state cannot have outgoing transitions",
		},
		{
			name: "two initial states",
			yaml: `
task:
  states:
    a: {initial: true}
    b: {initial: true}
`,
			want: "multiple initial states",
		},
		{
			name: "no initial state",
			yaml: `
task:
  states:
    a: {allowed_transitions: [{to: b}]}
    b: {final: true}
`,
			want: "no initial state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tt.yaml))
			require.NoError(t, err)
			_, err = New(cfg, NewRegistry())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestActionSpecYAML(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)
	actions := cfg["task"].States["wip"].AllowedTransitions[0].Actions
	assert.Equal(t, []ActionSpec{{Name: "log"}, {Name: "persist", Critical: true}}, actions)

	_, err = ParseConfig([]byte("task:\n  states:\n    a:\n      allowed_transitions:\n        - to: b\n          actions: [[x]]\n"))
	assert.Error(t, err)
}

func TestRegistryDuplicateReject(t *testing.T) {
	reg := NewRegistry()
	p := func(context.Context, *Context) (bool, string) { return true, "" }
	require.NoError(t, reg.RegisterPredicate("x", p))
	assert.Error(t, reg.RegisterPredicate("x", p))

	a := func(context.Context, *Context) error { return nil }
	require.NoError(t, reg.RegisterAction("x", a))
	assert.Error(t, reg.RegisterAction("x", a))

	assert.True(t, slices.Contains(reg.PredicateNames(), "x"))
	assert.Equal(t, []string{"x"}, reg.ActionNames())
}
