package validator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edisonflow/edison/internal/types"
)

var testSpecs = []Spec{
	{ID: "global", Engine: "delegated", Wave: "critical", Blocking: true, AlwaysRun: true},
	{ID: "database", Engine: "delegated", Wave: "comprehensive", Blocking: true, Triggers: []string{"**/*.prisma", "**/migrations/**"}},
	{ID: "react", Engine: "delegated", Wave: "comprehensive", Triggers: []string{"**/*.tsx"}},
	{ID: "docs", Engine: "delegated", Wave: "extra", Triggers: []string{"docs/*.md"}},
}

func ids(sels []Selection) []string {
	var out []string
	for _, s := range sels {
		out = append(out, s.ID)
	}
	return out
}

func TestMatcher(t *testing.T) {
	m, err := CompileTriggers([]string{"**/*.prisma", "docs/*.md", "  "})
	require.NoError(t, err)

	tests := []struct {
		path string
		want bool
	}{
		{"prisma/schema.prisma", true},
		{"schema.prisma", true},
		{"./a/b/c/schema.prisma", true},
		{`windows\style\db.prisma`, true},
		{"docs/readme.md", true},
		{"docs/nested/readme.md", false},
		{"src/app.ts", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Match(tt.path), tt.path)
	}

	_, err = CompileTriggers([]string{"[unclosed"})
	assert.Error(t, err)
}

func TestBuildRosterPrismaTrigger(t *testing.T) {
	roster, err := BuildRoster(testSpecs, []string{"prisma/schema.prisma", "src/app.ts"})
	require.NoError(t, err)

	assert.Equal(t, []string{"global"}, ids(roster.AlwaysRequired))
	assert.Equal(t, []string{"database"}, ids(roster.TriggeredBlocking))
	assert.Empty(t, roster.TriggeredOptional)
	assert.Equal(t, []string{"prisma/schema.prisma"}, roster.TriggeredBlocking[0].MatchedFiles)
	assert.Equal(t, []string{"global", "database"}, roster.Blocking())
}

func TestBuildRosterOptionalAndEmpty(t *testing.T) {
	roster, err := BuildRoster(testSpecs, []string{"web/App.tsx"})
	require.NoError(t, err)
	assert.Equal(t, []string{"react"}, ids(roster.TriggeredOptional))
	assert.Empty(t, roster.TriggeredBlocking)

	roster, err = BuildRoster(testSpecs, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"global"}, ids(roster.All()))
}

func TestBuildRosterRejectsDuplicates(t *testing.T) {
	_, err := BuildRoster([]Spec{{ID: "a"}, {ID: "a"}}, nil)
	assert.Error(t, err)
	_, err = BuildRoster([]Spec{{Triggers: []string{"*"}}}, nil)
	assert.Error(t, err)
}

func TestGroupWaves(t *testing.T) {
	roster, err := BuildRoster(testSpecs, []string{"schema.prisma", "App.tsx", "docs/a.md"})
	require.NoError(t, err)
	roster.AlwaysRequired = append(roster.AlwaysRequired, Selection{Spec: Spec{ID: "nowave"}})

	waves := GroupWaves(roster, []string{"critical", "comprehensive"})
	require.Len(t, waves, 3)
	assert.Equal(t, "critical", waves[0].Name)
	assert.Equal(t, []string{"global", "nowave"}, ids(waves[0].Validators))
	assert.Equal(t, "comprehensive", waves[1].Name)
	assert.Equal(t, []string{"database", "react"}, ids(waves[1].Validators))
	assert.Equal(t, "extra", waves[2].Name)

	only := FilterWave(waves, "comprehensive")
	require.Len(t, only, 1)
	assert.Equal(t, "comprehensive", only[0].Name)
	assert.Nil(t, FilterWave(waves, "missing"))
	assert.Len(t, FilterWave(waves, ""), 3)
}

type fakeDiff struct {
	dir, base string
	files     []string
}

func (f *fakeDiff) DiffNames(_ context.Context, dir, base string) ([]string, error) {
	f.dir, f.base = dir, base
	return f.files, nil
}

func TestCandidateFilesUsesSessionBaseBranch(t *testing.T) {
	diff := &fakeDiff{files: []string{"prisma/schema.prisma", "./src/app.ts"}}
	task := &types.Task{ID: "T1", PrimaryFiles: []string{"src/app.ts", "docs/plan.md"}}
	sess := &types.Session{ID: "s1", BaseBranch: "release/2.0", WorktreePath: "/tmp/wt"}

	files, err := CandidateFiles(context.Background(), task, sess, diff, CandidateOptions{Dir: "/repo", DefaultBase: "main"})
	require.NoError(t, err)
	assert.Equal(t, "release/2.0", diff.base)
	assert.Equal(t, "/tmp/wt", diff.dir)
	assert.Equal(t, []string{"docs/plan.md", "prisma/schema.prisma", "src/app.ts"}, files)

	roster, err := BuildRoster(testSpecs, files)
	require.NoError(t, err)
	assert.Contains(t, ids(roster.TriggeredBlocking), "database")
}

func TestCandidateFilesFallsBackToDefaultBase(t *testing.T) {
	diff := &fakeDiff{}
	_, err := CandidateFiles(context.Background(), &types.Task{ID: "T1"}, &types.Session{ID: "s1"}, diff,
		CandidateOptions{Dir: "/repo", DefaultBase: "main", Extra: []string{"a.go"}})
	require.NoError(t, err)
	assert.Equal(t, "main", diff.base)
	assert.Equal(t, "/repo", diff.dir)

	files, err := CandidateFiles(context.Background(), &types.Task{ID: "T1", PrimaryFiles: []string{"x.go"}}, nil, nil, CandidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"x.go"}, files)
}
