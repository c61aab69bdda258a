package bundle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edisonflow/edison/internal/evidence"
	"github.com/edisonflow/edison/internal/storage"
	"github.com/edisonflow/edison/internal/types"
)

type fixture struct {
	agg   *Aggregator
	store *storage.TaskStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store := storage.NewTaskStore(root, []string{"todo", "wip", "done", "validated"})
	ev := evidence.NewService(storage.EvidenceRoot(root), "")
	return &fixture{agg: &Aggregator{Tasks: store, Evidence: ev}, store: store}
}

func (f *fixture) task(t *testing.T, id string, edges ...types.Relationship) {
	t.Helper()
	require.NoError(t, f.store.Create(&types.Task{ID: id, Title: id, State: "done", Relationships: edges}, "test"))
}

func (f *fixture) report(t *testing.T, taskID, validator string, verdict evidence.Verdict, blocking bool) {
	t.Helper()
	round, err := f.agg.Evidence.EnsureRound(taskID)
	require.NoError(t, err)
	require.NoError(t, f.agg.Evidence.WriteValidatorReport(&evidence.ValidatorReport{
		TaskID: taskID, Round: round, ValidatorID: validator, Verdict: verdict, Blocking: blocking,
	}))
}

func member(root string) types.Relationship {
	return types.Relationship{Type: types.RelBundleRoot, Target: root}
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeBundle, s)
	s, err = ParseScope("hierarchy")
	require.NoError(t, err)
	assert.Equal(t, ScopeHierarchy, s)
	_, err = ParseScope("galaxy")
	assert.Error(t, err)
}

func TestMembers(t *testing.T) {
	f := newFixture(t)
	f.task(t, "R")
	f.task(t, "M2", member("R"))
	f.task(t, "M1", member("R"))
	f.task(t, "C1", types.Relationship{Type: types.RelParent, Target: "M1"})
	f.task(t, "C2", types.Relationship{Type: types.RelParent, Target: "C1"})
	f.task(t, "X")
	ctx := context.Background()

	got, err := f.agg.Members(ctx, "R", ScopeSingle)
	require.NoError(t, err)
	assert.Equal(t, []string{"R"}, got)

	got, err = f.agg.Members(ctx, "R", ScopeBundle)
	require.NoError(t, err)
	assert.Equal(t, []string{"R", "M1", "M2"}, got)

	got, err = f.agg.Members(ctx, "R", ScopeHierarchy)
	require.NoError(t, err)
	assert.Equal(t, []string{"R", "C1", "C2", "M1", "M2"}, got)

	_, err = f.agg.Members(ctx, "ghost", ScopeBundle)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAggregateAllApproved(t *testing.T) {
	f := newFixture(t)
	f.task(t, "R")
	f.task(t, "M1", member("R"))
	f.task(t, "M2", member("R"))
	for _, id := range []string{"R", "M1", "M2"} {
		f.report(t, id, "global", evidence.VerdictApprove, true)
		f.report(t, id, "style", evidence.VerdictReject, false)
	}
	ctx := context.Background()

	sum, err := f.agg.Aggregate(ctx, "R", ScopeBundle, []string{"global"})
	require.NoError(t, err)
	assert.True(t, sum.Approved)
	assert.Equal(t, []string{"R", "M1", "M2"}, sum.TaskIDs())
	assert.Empty(t, sum.Missing)

	require.NoError(t, f.agg.Write(ctx, sum))
	for _, id := range []string{"M1", "M2"} {
		round, err := f.agg.Evidence.LatestRound(id)
		require.NoError(t, err)
		mirror, err := f.agg.Evidence.ReadBundle(id, round)
		require.NoError(t, err)
		assert.Equal(t, sum.TaskIDs(), mirror.TaskIDs())
		assert.Equal(t, "R", mirror.MirroredFrom)
		assert.Equal(t, "R", mirror.RootTask)
		assert.Equal(t, string(ScopeBundle), mirror.Scope)
		assert.Equal(t, id, mirror.TaskID)
		assert.Equal(t, evidence.StatusDraft, mirror.Status)
	}

	m1, err := f.store.Get("M1")
	require.NoError(t, err)
	ok, reason := f.agg.Passed(m1)
	assert.True(t, ok, reason)
	ok, _ = f.agg.Approved(m1)
	assert.False(t, ok, "draft mirror is not final")

	_, err = f.agg.Finalize(ctx, "R")
	require.NoError(t, err)
	ok, reason = f.agg.Approved(m1)
	assert.True(t, ok, reason)
}

func TestAggregateMemberRejectionBlocksBundle(t *testing.T) {
	f := newFixture(t)
	f.task(t, "R")
	f.task(t, "M1", member("R"))
	f.report(t, "R", "global", evidence.VerdictApprove, true)
	f.report(t, "M1", "security", evidence.VerdictBlocked, true)

	sum, err := f.agg.Aggregate(context.Background(), "R", ScopeBundle, []string{"global"})
	require.NoError(t, err)
	assert.False(t, sum.Approved)
	require.Len(t, sum.Tasks, 2)
	assert.True(t, sum.Tasks[0].Approved)
	assert.False(t, sum.Tasks[1].Approved)
	assert.True(t, sum.Tasks[1].Blocked)

	// Single scope ignores the member.
	sum, err = f.agg.Aggregate(context.Background(), "R", ScopeSingle, []string{"global"})
	require.NoError(t, err)
	assert.True(t, sum.Approved)
}

func TestAggregateMissingRequiredValidator(t *testing.T) {
	f := newFixture(t)
	f.task(t, "R")
	f.report(t, "R", "global", evidence.VerdictApprove, true)
	f.report(t, "R", "security", evidence.VerdictPending, true)

	sum, err := f.agg.Aggregate(context.Background(), "R", ScopeBundle, []string{"global", "security", "database"})
	require.NoError(t, err)
	assert.False(t, sum.Approved)
	assert.Equal(t, []string{"security", "database"}, sum.Missing)

	f.task(t, "Empty")
	_, err = f.agg.Aggregate(context.Background(), "Empty", ScopeBundle, nil)
	assert.ErrorIs(t, err, evidence.ErrMissingEvidence)
}

func TestFinalizeSealsRootAndMirrors(t *testing.T) {
	f := newFixture(t)
	f.task(t, "R")
	f.task(t, "M1", member("R"))
	f.report(t, "R", "global", evidence.VerdictApprove, true)
	ctx := context.Background()

	sum, err := f.agg.Aggregate(ctx, "R", ScopeBundle, []string{"global"})
	require.NoError(t, err)
	require.NoError(t, f.agg.Write(ctx, sum))

	final, err := f.agg.Finalize(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, evidence.StatusFinal, final.Status)

	st, err := f.agg.Evidence.RoundStatus("M1", 1)
	require.NoError(t, err)
	assert.Equal(t, evidence.StatusFinal, st)

	next, err := f.agg.Evidence.EnsureRound("R")
	require.NoError(t, err)
	assert.Equal(t, 2, next)
}

func TestApprovedWithoutBundle(t *testing.T) {
	f := newFixture(t)
	f.task(t, "R")
	r, err := f.store.Get("R")
	require.NoError(t, err)
	ok, reason := f.agg.Approved(r)
	assert.False(t, ok)
	assert.Contains(t, reason, "no final bundle summary")
	ok, reason = f.agg.Passed(r)
	assert.False(t, ok)
	assert.Contains(t, reason, "no bundle summary")
}

func TestApprovedReadsLatestFinalRound(t *testing.T) {
	f := newFixture(t)
	f.task(t, "R")
	f.report(t, "R", "global", evidence.VerdictApprove, true)
	ctx := context.Background()
	r, err := f.store.Get("R")
	require.NoError(t, err)

	sum, err := f.agg.Aggregate(ctx, "R", ScopeSingle, []string{"global"})
	require.NoError(t, err)
	require.NoError(t, f.agg.Write(ctx, sum))

	ok, reason := f.agg.Approved(r)
	assert.False(t, ok)
	assert.Contains(t, reason, "no final bundle summary")

	_, err = f.agg.Finalize(ctx, "R")
	require.NoError(t, err)
	ok, reason = f.agg.Approved(r)
	assert.True(t, ok, reason)

	// A rejected draft in a newer round does not revoke the sealed approval.
	f.report(t, "R", "global", evidence.VerdictReject, true)
	sum, err = f.agg.Aggregate(ctx, "R", ScopeSingle, []string{"global"})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Round)
	require.NoError(t, f.agg.Write(ctx, sum))

	ok, reason = f.agg.Approved(r)
	assert.True(t, ok, reason)
	ok, _ = f.agg.Passed(r)
	assert.False(t, ok)
}
