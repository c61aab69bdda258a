package storage

import (
	"path/filepath"

	"github.com/edisonflow/edison/internal/types"
)

// Directory names under the management root.
const (
	TasksDir    = "tasks"
	QADir       = "qa"
	SessionsDir = "sessions"
	EvidenceDir = "validation-evidence"
	SessionFile = "session.json"
)

// TaskStore stores tasks.
type TaskStore = Repository[*types.Task]

// QAStore stores QA records.
type QAStore = Repository[*types.QARecord]

// SessionStore stores sessions.
type SessionStore = Repository[*types.Session]

// NewTaskStore returns the task repository under mgmtRoot.
func NewTaskStore(mgmtRoot string, states []string) *TaskStore {
	return New(Spec[*types.Task]{
		Domain: types.DomainTask,
		Root:   filepath.Join(mgmtRoot, TasksDir),
		States: states,
		Layout: FileLayout,
		Ext:    ".md",
		Encode: EncodeTask,
		Decode: DecodeTask,
	})
}

// NewQAStore returns the QA repository. Evidence shares the qa/ root but is
// never scanned because only declared state directories are read.
func NewQAStore(mgmtRoot string, states []string) *QAStore {
	return New(Spec[*types.QARecord]{
		Domain: types.DomainQA,
		Root:   filepath.Join(mgmtRoot, QADir),
		States: states,
		Layout: FileLayout,
		Ext:    ".md",
		Encode: EncodeQA,
		Decode: DecodeQA,
	})
}

// NewSessionStore returns the session repository.
func NewSessionStore(mgmtRoot string, states []string) *SessionStore {
	return New(Spec[*types.Session]{
		Domain: types.DomainSession,
		Root:   filepath.Join(mgmtRoot, SessionsDir),
		States: states,
		Layout: DirLayout,
		File:   SessionFile,
		Encode: EncodeSession,
		Decode: DecodeSession,
	})
}

// EvidenceRoot returns <mgmt>/qa/validation-evidence.
func EvidenceRoot(mgmtRoot string) string {
	return filepath.Join(mgmtRoot, QADir, EvidenceDir)
}
