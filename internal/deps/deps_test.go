package deps

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edisonflow/edison/internal/storage"
	"github.com/edisonflow/edison/internal/types"
)

func setup(t *testing.T, tasks ...*types.Task) *Evaluator {
	t.Helper()
	store := storage.NewTaskStore(t.TempDir(), []string{"todo", "wip", "blocked", "done", "validated"})
	for _, task := range tasks {
		require.NoError(t, store.Create(task, "test"))
	}
	return &Evaluator{Tasks: store, TodoState: "todo", Satisfying: []string{"done", "validated"}}
}

func TestReadyRequiresDoneDependency(t *testing.T) {
	e := setup(t,
		&types.Task{ID: "T0", Title: "base", State: "wip"},
		&types.Task{ID: "T1", Title: "dependent", State: "todo", DependsOn: []string{"T0"}},
	)
	ctx := context.Background()

	t1, err := e.Tasks.Get("T1")
	require.NoError(t, err)
	r, err := e.Evaluate(ctx, t1)
	require.NoError(t, err)
	assert.False(t, r.Ready)
	require.Len(t, r.BlockedBy, 1)
	assert.Equal(t, "T0", r.BlockedBy[0].DependencyID)
	assert.Equal(t, "wip", r.BlockedBy[0].DependencyState)

	err = e.Explain(ctx, t1)
	require.ErrorIs(t, err, ErrDependencyUnmet)
	var ue *UnmetError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, []string{"T0"}, ue.IDs())

	blocked, err := e.ListBlocked(ctx, "")
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "T1", blocked[0].TaskID)
}

func TestReadinessJSONKeys(t *testing.T) {
	r := Readiness{TaskID: "T1", State: "todo", BlockedBy: []Unmet{
		{DependencyID: "T0", DependencyState: "wip", RequiredStates: []string{"done"}, Reason: ReasonNotDone},
	}}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"task_id":"T1","state":"todo","ready":false,"blocked_by":[
		{"dependency_id":"T0","dependency_state":"wip","required_states":["done"],"reason":"not_satisfied"}]}`, string(data))
}

func TestReadyWhenDependencySatisfied(t *testing.T) {
	e := setup(t,
		&types.Task{ID: "T0", Title: "base", State: "done"},
		&types.Task{ID: "T1", Title: "dependent", State: "todo", DependsOn: []string{"T0"}},
		&types.Task{ID: "T2", Title: "free", State: "todo"},
		&types.Task{ID: "T3", Title: "busy", State: "wip"},
	)
	ready, err := e.ListReady(context.Background(), "")
	require.NoError(t, err)
	var ids []string
	for _, r := range ready {
		ids = append(ids, r.TaskID)
	}
	assert.Equal(t, []string{"T1", "T2"}, ids)
}

func TestMissingDependencyIsUnmet(t *testing.T) {
	e := setup(t, &types.Task{ID: "T1", Title: "x", State: "todo", DependsOn: []string{"ghost"}})
	t1, err := e.Tasks.Get("T1")
	require.NoError(t, err)
	r, err := e.Evaluate(context.Background(), t1)
	require.NoError(t, err)
	assert.False(t, r.Ready)
	require.Len(t, r.BlockedBy, 1)
	assert.Equal(t, ReasonMissing, r.BlockedBy[0].Reason)
	assert.Contains(t, r.BlockedBy[0].String(), "missing")
}

func TestNonTransitive(t *testing.T) {
	// T2 -> T1 -> T0; T1 is done even though T0 is not.
	e := setup(t,
		&types.Task{ID: "T0", Title: "a", State: "todo"},
		&types.Task{ID: "T1", Title: "b", State: "done", DependsOn: []string{"T0"}},
		&types.Task{ID: "T2", Title: "c", State: "todo", DependsOn: []string{"T1"}},
	)
	t2, err := e.Tasks.Get("T2")
	require.NoError(t, err)
	r, err := e.Evaluate(context.Background(), t2)
	require.NoError(t, err)
	assert.True(t, r.Ready)
}

func TestSessionFilter(t *testing.T) {
	e := setup(t,
		&types.Task{ID: "T1", Title: "a", State: "todo", Session: "s1"},
		&types.Task{ID: "T2", Title: "b", State: "todo", Session: "s2"},
	)
	ready, err := e.ListReady(context.Background(), "s2")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "T2", ready[0].TaskID)
}

func TestFindCycles(t *testing.T) {
	tasks := []*types.Task{
		{ID: "C", DependsOn: []string{"A"}},
		{ID: "A", DependsOn: []string{"B"}},
		{ID: "B", DependsOn: []string{"C"}},
		{ID: "D", DependsOn: []string{"A", "ghost"}},
		{ID: "E", DependsOn: []string{"E"}},
	}
	cycles := FindCycles(tasks)
	assert.ElementsMatch(t, [][]string{{"A", "B", "C"}, {"E"}}, cycles)

	assert.Empty(t, FindCycles([]*types.Task{{ID: "X", DependsOn: []string{"Y"}}, {ID: "Y"}}))
}
