// Package types defines the core records tracked by edison: tasks, QA records
// and sessions, plus the typed relationship edges between tasks.
package types

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Domain names used by the state machine configuration and the repository.
const (
	DomainTask    = "task"
	DomainQA      = "qa"
	DomainSession = "session"
)

// Metadata is carried by every record.
type Metadata struct {
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty" yaml:"created_by,omitempty"`
}

// Touch stamps UpdatedAt (and CreatedAt on first write).
func (m *Metadata) Touch(now time.Time, actor string) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
		if m.CreatedBy == "" {
			m.CreatedBy = actor
		}
	}
	m.UpdatedAt = now
}

// Record is implemented by every entity stored in a state directory.
type Record interface {
	RecordID() string
	RecordState() string
	SetState(state string)
	Meta() *Metadata
}

// RelationType is the type of a relationship edge between tasks.
type RelationType string

// Relationship types
const (
	RelParent     RelationType = "parent"
	RelChild      RelationType = "child"
	RelDependsOn  RelationType = "depends_on"
	RelBlocks     RelationType = "blocks"
	RelRelated    RelationType = "related"
	RelBundleRoot RelationType = "bundle_root"
)

// IsValid checks if the relationship type is known
func (r RelationType) IsValid() bool {
	switch r {
	case RelParent, RelChild, RelDependsOn, RelBlocks, RelRelated, RelBundleRoot:
		return true
	}
	return false
}

// Relationship is a typed edge from the owning task to Target.
type Relationship struct {
	Type   RelationType `json:"type" yaml:"type"`
	Target string       `json:"target" yaml:"target"`
}

func (r Relationship) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.Target)
}

// NormalizeRelationships drops empty edges and duplicates, keeping first-seen order.
func NormalizeRelationships(in []Relationship) []Relationship {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[Relationship]bool, len(in))
	out := make([]Relationship, 0, len(in))
	for _, r := range in {
		r.Target = strings.TrimSpace(r.Target)
		if r.Target == "" || r.Type == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// Task is a unit of work. Its state is mirrored by the directory it lives in.
type Task struct {
	ID            string         `json:"id" yaml:"id"`
	Title         string         `json:"title" yaml:"title"`
	State         string         `json:"state" yaml:"state"`
	DependsOn     []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Related       []string       `json:"related,omitempty" yaml:"related,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty" yaml:"relationships,omitempty"`
	Session       string         `json:"session,omitempty" yaml:"session,omitempty"`
	PrimaryFiles  []string       `json:"primary_files,omitempty" yaml:"primary_files,omitempty"`
	Metadata      Metadata       `json:"metadata" yaml:"metadata"`
	Body          string         `json:"body,omitempty" yaml:"-"`
}

func (t *Task) RecordID() string      { return t.ID }
func (t *Task) RecordState() string   { return t.State }
func (t *Task) SetState(state string) { t.State = state }
func (t *Task) Meta() *Metadata       { return &t.Metadata }

// Validate checks that the task has the fields required to be persisted.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.ContainsAny(t.ID, `/\`) {
		return fmt.Errorf("task id %q must not contain path separators", t.ID)
	}
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("title is required")
	}
	for _, r := range t.Relationships {
		if !r.Type.IsValid() {
			return fmt.Errorf("invalid relationship type: %s", r.Type)
		}
		if r.Target == t.ID {
			return fmt.Errorf("task %s cannot have a %s edge to itself", t.ID, r.Type)
		}
	}
	return nil
}

// AddRelationship adds an edge, returning false if it already existed.
// depends_on and related edges are also reflected in their list fields.
func (t *Task) AddRelationship(typ RelationType, target string) bool {
	edge := Relationship{Type: typ, Target: target}
	if slices.Contains(t.Relationships, edge) {
		return false
	}
	t.Relationships = NormalizeRelationships(append(t.Relationships, edge))
	switch typ {
	case RelDependsOn:
		if !slices.Contains(t.DependsOn, target) {
			t.DependsOn = append(t.DependsOn, target)
		}
	case RelRelated:
		if !slices.Contains(t.Related, target) {
			t.Related = append(t.Related, target)
		}
	}
	return true
}

// Targets returns the targets of all edges of the given type.
func (t *Task) Targets(typ RelationType) []string {
	var out []string
	for _, r := range t.Relationships {
		if r.Type == typ {
			out = append(out, r.Target)
		}
	}
	return out
}

// Dependencies returns the direct dependencies declared either in depends_on or
// as depends_on edges, deduplicated.
func (t *Task) Dependencies() []string {
	out := make([]string, 0, len(t.DependsOn))
	for _, id := range append(slices.Clone(t.DependsOn), t.Targets(RelDependsOn)...) {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// BundleRoot returns the id of the task whose rounds are authoritative for
// this task's bundle, or "" when the task is not a bundle member.
func (t *Task) BundleRoot() string {
	if roots := t.Targets(RelBundleRoot); len(roots) > 0 {
		return roots[0]
	}
	return ""
}

// Parent returns the parent task id, if any.
func (t *Task) Parent() string {
	if parents := t.Targets(RelParent); len(parents) > 0 {
		return parents[0]
	}
	return ""
}

// LegacyTaskFields are single-purpose fields written by older versions.
// They are read once and folded into typed edges; they are never written.
type LegacyTaskFields struct {
	ParentID   string   `yaml:"parent_id,omitempty"`
	BundleRoot string   `yaml:"bundle_root,omitempty"`
	BlockedBy  []string `yaml:"blocked_by,omitempty"`
}

// Empty reports whether no legacy field was present.
func (l LegacyTaskFields) Empty() bool {
	return l.ParentID == "" && l.BundleRoot == "" && len(l.BlockedBy) == 0
}

// ApplyLegacy converts legacy fields into typed edges on t.
func (t *Task) ApplyLegacy(l LegacyTaskFields) {
	if l.ParentID != "" {
		t.AddRelationship(RelParent, l.ParentID)
	}
	if l.BundleRoot != "" && l.BundleRoot != t.ID {
		t.AddRelationship(RelBundleRoot, l.BundleRoot)
	}
	for _, id := range l.BlockedBy {
		if id = strings.TrimSpace(id); id != "" {
			t.AddRelationship(RelDependsOn, id)
		}
	}
}

// QARecord tracks the validation lifecycle of one task.
type QARecord struct {
	ID         string   `json:"id" yaml:"id"`
	TaskID     string   `json:"task_id" yaml:"task_id"`
	State      string   `json:"state" yaml:"state"`
	Round      int      `json:"round,omitempty" yaml:"round,omitempty"`
	Validators []string `json:"validators,omitempty" yaml:"validators,omitempty"`
	Metadata   Metadata `json:"metadata" yaml:"metadata"`
	Body       string   `json:"body,omitempty" yaml:"-"`
}

func (q *QARecord) RecordID() string      { return q.ID }
func (q *QARecord) RecordState() string   { return q.State }
func (q *QARecord) SetState(state string) { q.State = state }
func (q *QARecord) Meta() *Metadata       { return &q.Metadata }

// QAID returns the QA record id for a task.
func QAID(taskID string) string {
	return taskID + "-qa"
}

// Activity is one entry in a session's activity log.
type Activity struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Session is a long-lived unit of work bound to one git worktree.
type Session struct {
	ID               string     `json:"id"`
	State            string     `json:"state"`
	Owner            string     `json:"owner,omitempty"`
	BaseBranch       string     `json:"base_branch,omitempty"`
	Branch           string     `json:"branch,omitempty"`
	WorktreePath     string     `json:"worktree_path,omitempty"`
	ArchivedWorktree bool       `json:"archived_worktree,omitempty"`
	PID              int        `json:"pid,omitempty"`
	Tasks            []string   `json:"tasks,omitempty"`
	Activity         []Activity `json:"activity,omitempty"`
	Metadata         Metadata   `json:"metadata"`
}

func (s *Session) RecordID() string      { return s.ID }
func (s *Session) RecordState() string   { return s.State }
func (s *Session) SetState(state string) { s.State = state }
func (s *Session) Meta() *Metadata       { return &s.Metadata }

// Log appends an activity entry.
func (s *Session) Log(now time.Time, format string, args ...interface{}) {
	s.Activity = append(s.Activity, Activity{At: now, Message: fmt.Sprintf(format, args...)})
}

// AddTask records a task as owned by the session.
func (s *Session) AddTask(id string) bool {
	if slices.Contains(s.Tasks, id) {
		return false
	}
	s.Tasks = append(s.Tasks, id)
	return true
}
