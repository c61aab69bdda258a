package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskValidation(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid task",
			task: Task{ID: "T1", Title: "Valid task"},
		},
		{
			name:    "missing id",
			task:    Task{Title: "No id"},
			wantErr: true,
			errMsg:  "task id is required",
		},
		{
			name:    "missing title",
			task:    Task{ID: "T1"},
			wantErr: true,
			errMsg:  "title is required",
		},
		{
			name:    "path separator in id",
			task:    Task{ID: "a/b", Title: "Bad"},
			wantErr: true,
			errMsg:  "must not contain path separators",
		},
		{
			name: "unknown relationship type",
			task: Task{ID: "T1", Title: "x", Relationships: []Relationship{
				{Type: "sibling", Target: "T2"},
			}},
			wantErr: true,
			errMsg:  "invalid relationship type",
		},
		{
			name: "self edge",
			task: Task{ID: "T1", Title: "x", Relationships: []Relationship{
				{Type: RelParent, Target: "T1"},
			}},
			wantErr: true,
			errMsg:  "cannot have a parent edge to itself",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNormalizeRelationships(t *testing.T) {
	in := []Relationship{
		{Type: RelParent, Target: "P"},
		{Type: RelRelated, Target: " X "},
		{Type: RelParent, Target: "P"},
		{Type: RelRelated, Target: "X"},
		{Type: RelBlocks, Target: ""},
	}
	out := NormalizeRelationships(in)
	assert.Equal(t, []Relationship{
		{Type: RelParent, Target: "P"},
		{Type: RelRelated, Target: "X"},
	}, out)
	assert.Nil(t, NormalizeRelationships(nil))
}

func TestAddRelationship(t *testing.T) {
	task := &Task{ID: "T1", Title: "x"}

	assert.True(t, task.AddRelationship(RelDependsOn, "T0"))
	assert.False(t, task.AddRelationship(RelDependsOn, "T0"), "duplicate edge must be ignored")
	assert.True(t, task.AddRelationship(RelRelated, "T9"))

	assert.Equal(t, []string{"T0"}, task.DependsOn)
	assert.Equal(t, []string{"T9"}, task.Related)
	assert.Len(t, task.Relationships, 2)
}

func TestDependencies(t *testing.T) {
	task := &Task{
		ID:        "T1",
		DependsOn: []string{"A", "B", ""},
		Relationships: []Relationship{
			{Type: RelDependsOn, Target: "B"},
			{Type: RelDependsOn, Target: "C"},
			{Type: RelRelated, Target: "D"},
		},
	}
	assert.Equal(t, []string{"A", "B", "C"}, task.Dependencies())
}

func TestApplyLegacy(t *testing.T) {
	task := &Task{ID: "T2", Title: "child"}
	legacy := LegacyTaskFields{ParentID: "T1", BundleRoot: "T1", BlockedBy: []string{"T0"}}
	require.False(t, legacy.Empty())

	task.ApplyLegacy(legacy)
	task.ApplyLegacy(legacy)

	assert.Equal(t, "T1", task.Parent())
	assert.Equal(t, "T1", task.BundleRoot())
	assert.Equal(t, []string{"T0"}, task.Dependencies())
	assert.Len(t, task.Relationships, 3, "applying twice must not duplicate edges")
}

func TestApplyLegacySelfBundleRoot(t *testing.T) {
	task := &Task{ID: "T1", Title: "root"}
	task.ApplyLegacy(LegacyTaskFields{BundleRoot: "T1"})
	assert.Empty(t, task.BundleRoot())
}

func TestMetadataTouch(t *testing.T) {
	var m Metadata
	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.Touch(first, "alice")
	assert.Equal(t, first, m.CreatedAt)
	assert.Equal(t, "alice", m.CreatedBy)

	later := first.Add(time.Hour)
	m.Touch(later, "bob")
	assert.Equal(t, first, m.CreatedAt)
	assert.Equal(t, later, m.UpdatedAt)
	assert.Equal(t, "alice", m.CreatedBy)
}

func TestSessionAddTask(t *testing.T) {
	s := &Session{ID: "s1"}
	assert.True(t, s.AddTask("T1"))
	assert.False(t, s.AddTask("T1"))
	assert.Equal(t, []string{"T1"}, s.Tasks)
}

func TestQAID(t *testing.T) {
	assert.Equal(t, "T1-qa", QAID("T1"))
}
