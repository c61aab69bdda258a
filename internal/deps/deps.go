// Package deps evaluates task readiness from depends_on edges.
// Readiness is non-transitive: only a task's direct dependencies are checked.
package deps

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/edisonflow/edison/internal/storage"
	"github.com/edisonflow/edison/internal/types"
)

// ErrDependencyUnmet is matched by UnmetError.
var ErrDependencyUnmet = errors.New("dependencies unmet")

// Reasons reported for unmet dependencies.
const (
	ReasonMissing = "missing"
	ReasonNotDone = "not_satisfied"
)

// TaskSource is the read side of the task repository.
type TaskSource interface {
	Get(id string) (*types.Task, error)
	List(states ...string) ([]*types.Task, error)
}

// Unmet describes one dependency that blocks a task.
type Unmet struct {
	DependencyID    string   `json:"dependency_id"`
	DependencyState string   `json:"dependency_state,omitempty"`
	RequiredStates  []string `json:"required_states"`
	Reason          string   `json:"reason"`
}

func (u Unmet) String() string {
	if u.Reason == ReasonMissing {
		return fmt.Sprintf("%s (missing)", u.DependencyID)
	}
	return fmt.Sprintf("%s is %s, needs %s", u.DependencyID, u.DependencyState, strings.Join(u.RequiredStates, "|"))
}

// Readiness is the result of evaluating one task.
type Readiness struct {
	TaskID    string  `json:"task_id"`
	State     string  `json:"state"`
	Ready     bool    `json:"ready"`
	BlockedBy []Unmet `json:"blocked_by,omitempty"`
}

// UnmetError lists the dependencies blocking a task.
type UnmetError struct {
	TaskID string
	Unmet  []Unmet
}

func (e *UnmetError) Error() string {
	parts := make([]string, 0, len(e.Unmet))
	for _, u := range e.Unmet {
		parts = append(parts, u.String())
	}
	return fmt.Sprintf("task %s has unmet dependencies: %s", e.TaskID, strings.Join(parts, "; "))
}

func (e *UnmetError) Is(target error) bool { return target == ErrDependencyUnmet }

// IDs returns the ids of the blocking dependencies.
func (e *UnmetError) IDs() []string {
	out := make([]string, 0, len(e.Unmet))
	for _, u := range e.Unmet {
		out = append(out, u.DependencyID)
	}
	return out
}

// Evaluator decides readiness.
type Evaluator struct {
	Tasks TaskSource
	// TodoState is the state a task must be in to be ready.
	TodoState string
	// Satisfying lists the dependency states that count as done.
	Satisfying []string
}

// Unmet returns the direct dependencies of task that are missing or not in
// a satisfying state. It ignores the task's own state.
func (e *Evaluator) Unmet(ctx context.Context, task *types.Task) ([]Unmet, error) {
	var out []Unmet
	for _, id := range task.Dependencies() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dep, err := e.Tasks.Get(id)
		if errors.Is(err, storage.ErrNotFound) {
			out = append(out, Unmet{DependencyID: id, RequiredStates: e.Satisfying, Reason: ReasonMissing})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load dependency %s of %s: %w", id, task.ID, err)
		}
		if !slices.Contains(e.Satisfying, dep.State) {
			out = append(out, Unmet{
				DependencyID: id, DependencyState: dep.State,
				RequiredStates: e.Satisfying, Reason: ReasonNotDone,
			})
		}
	}
	return out, nil
}

// Evaluate reports whether task is ready: in the todo state with every
// direct dependency present and satisfied.
func (e *Evaluator) Evaluate(ctx context.Context, task *types.Task) (Readiness, error) {
	r := Readiness{TaskID: task.ID, State: task.State}
	unmet, err := e.Unmet(ctx, task)
	if err != nil {
		return r, err
	}
	r.BlockedBy = unmet
	r.Ready = task.State == e.TodoState && len(unmet) == 0
	return r, nil
}

// Explain returns an *UnmetError when task has unmet dependencies, nil otherwise.
func (e *Evaluator) Explain(ctx context.Context, task *types.Task) error {
	unmet, err := e.Unmet(ctx, task)
	if err != nil {
		return err
	}
	if len(unmet) > 0 {
		return &UnmetError{TaskID: task.ID, Unmet: unmet}
	}
	return nil
}

// ListReady returns the todo tasks whose dependencies are all satisfied.
// A non-empty sessionID restricts the result to that session's tasks.
func (e *Evaluator) ListReady(ctx context.Context, sessionID string) ([]Readiness, error) {
	all, err := e.evaluateTodo(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []Readiness
	for _, r := range all {
		if r.Ready {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListBlocked returns the todo tasks with at least one unmet dependency.
func (e *Evaluator) ListBlocked(ctx context.Context, sessionID string) ([]Readiness, error) {
	all, err := e.evaluateTodo(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []Readiness
	for _, r := range all {
		if len(r.BlockedBy) > 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

func (e *Evaluator) evaluateTodo(ctx context.Context, sessionID string) ([]Readiness, error) {
	tasks, err := e.Tasks.List(e.TodoState)
	if err != nil {
		return nil, err
	}
	var out []Readiness
	for _, t := range tasks {
		if sessionID != "" && t.Session != sessionID {
			continue
		}
		r, err := e.Evaluate(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// FindCycles returns every depends_on cycle among tasks, each as the list of
// ids along the cycle starting from its smallest id. Cycles are reported,
// not rejected: a task on a cycle simply never becomes ready.
func FindCycles(tasks []*types.Task) [][]string {
	graph := make(map[string][]string, len(tasks))
	nodes := make([]string, 0, len(tasks))
	for _, t := range tasks {
		graph[t.ID] = t.Dependencies()
		nodes = append(nodes, t.ID)
	}
	sort.Strings(nodes)

	var cycles [][]string
	seen := make(map[string]bool)
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var dfs func(node string)
	dfs = func(node string) {
		visited[node] = true
		onStack[node] = true
		path = append(path, node)

		for _, next := range graph[node] {
			if !visited[next] {
				dfs(next)
				continue
			}
			if !onStack[next] {
				continue
			}
			start := slices.Index(path, next)
			if start < 0 {
				continue
			}
			cycle := rotate(path[start:])
			key := strings.Join(cycle, "\x00")
			if !seen[key] {
				seen[key] = true
				cycles = append(cycles, cycle)
			}
		}

		path = path[:len(path)-1]
		onStack[node] = false
	}

	for _, n := range nodes {
		if !visited[n] {
			dfs(n)
		}
	}
	return cycles
}

// rotate puts the smallest id first so equal cycles compare equal.
func rotate(cycle []string) []string {
	first := 0
	for i, id := range cycle {
		if id < cycle[first] {
			first = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[first:]...)
	return append(out, cycle[:first]...)
}
