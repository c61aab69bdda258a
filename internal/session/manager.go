// Package session manages long-lived work sessions and the git worktrees
// they are bound to.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edisonflow/edison/internal/config"
	"github.com/edisonflow/edison/internal/debug"
	"github.com/edisonflow/edison/internal/git"
	"github.com/edisonflow/edison/internal/lockfile"
	"github.com/edisonflow/edison/internal/storage"
	"github.com/edisonflow/edison/internal/types"
)

var (
	// ErrRecoveryNeeded matches reports of sessions or records that need
	// manual attention before work can continue.
	ErrRecoveryNeeded = errors.New("recovery needed")
	// ErrOutsideWorktree is returned by EnsureInWorktree when enforcement
	// is on and the caller is not inside the session worktree.
	ErrOutsideWorktree = errors.New("not inside the session worktree")
)

// WorktreeLockKey is the lock key serialising git worktree mutations.
const WorktreeLockKey = "git:worktree"

// Manager creates sessions and manages their worktrees.
type Manager struct {
	Sessions *storage.SessionStore
	Git      *git.Client
	Locks    *lockfile.Manager
	// MgmtRoot is the management root holding .locks.
	MgmtRoot    string
	Settings    config.SessionSettings
	LockOptions lockfile.Options
	// StaleAge is the minimum age at which Health reports a dead lock.
	StaleAge time.Duration
	Checker  lockfile.ProcessChecker
	// InitialState is the state new sessions are created in.
	InitialState string

	now func() time.Time
}

func (m *Manager) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

func (m *Manager) checker() lockfile.ProcessChecker {
	if m.Checker == nil {
		return lockfile.OSProcessChecker{}
	}
	return m.Checker
}

func (m *Manager) withWorktreeLock(ctx context.Context, sessionID, purpose string, failOpen bool, fn func() error) error {
	opts := m.LockOptions
	opts.FailOpen = failOpen
	opts.Info = lockfile.Info{SessionID: sessionID, Purpose: purpose}
	target := lockfile.KeyPath(m.MgmtRoot, WorktreeLockKey)
	h, err := m.Locks.Acquire(ctx, target, opts)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil {
			debug.Logf("session: release %s: %v", target, rerr)
		}
	}()
	if !h.Held() {
		debug.Logf("session: %s proceeding without %s", purpose, WorktreeLockKey)
	}
	return fn()
}

// CreateRequest describes a new session.
type CreateRequest struct {
	// ID defaults to a generated id.
	ID    string
	Owner string
	// BaseBranch defaults to the configured session.base_branch.
	BaseBranch string
	// NoWorktree records the session without creating a worktree.
	NoWorktree bool
	Actor      string
}

// NewID returns a fresh session id.
func NewID() string {
	return "s-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Create records a new session and, unless NoWorktree is set, checks out a
// dedicated branch in its own worktree. The base branch is stored on the
// session and later used as the diff base for validator triggers.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Session, error) {
	id := req.ID
	if id == "" {
		id = NewID()
	}
	if m.Sessions.Exists(id) {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrExists)
	}
	base := req.BaseBranch
	if base == "" {
		base = m.Settings.BaseBranch
	}
	now := m.clock().UTC()
	sess := &types.Session{
		ID:         id,
		State:      m.InitialState,
		Owner:      req.Owner,
		BaseBranch: base,
		PID:        os.Getppid(),
	}

	if !req.NoWorktree {
		sess.Branch = m.Settings.BranchPrefix + id
		sess.WorktreePath = filepath.Join(m.Settings.WorktreeDir, id)
		err := m.withWorktreeLock(ctx, id, "session create", false, func() error {
			return m.Git.WorktreeAdd(ctx, sess.WorktreePath, sess.Branch, base)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create worktree for session %s: %w", id, err)
		}
		sess.Log(now, "worktree %s created on %s from %s", sess.WorktreePath, sess.Branch, base)
	} else {
		sess.Log(now, "session created without worktree (base %s)", base)
	}

	if err := m.Sessions.Create(sess, req.Actor); err != nil {
		if sess.WorktreePath != "" {
			if rerr := m.Git.WorktreeRemove(ctx, sess.WorktreePath, true); rerr != nil {
				debug.Logf("session: rollback of %s failed: %v", sess.WorktreePath, rerr)
			}
		}
		return nil, err
	}
	debug.LogEventWithContext("session.create", id, req.Actor, id, "base="+base)
	return sess, nil
}

// EnsureWorktree creates the worktree of a session recorded without one, or
// recreates an archived worktree on the session's existing branch.
func (m *Manager) EnsureWorktree(ctx context.Context, sess *types.Session, actor string) error {
	if sess.WorktreePath != "" && !sess.ArchivedWorktree {
		if _, err := os.Stat(sess.WorktreePath); err == nil {
			return nil
		}
	}
	if sess.Branch == "" {
		sess.Branch = m.Settings.BranchPrefix + sess.ID
	}
	if sess.WorktreePath == "" {
		sess.WorktreePath = filepath.Join(m.Settings.WorktreeDir, sess.ID)
	}
	base := sess.BaseBranch
	if base == "" {
		base = m.Settings.BaseBranch
		sess.BaseBranch = base
	}
	err := m.withWorktreeLock(ctx, sess.ID, "worktree create", false, func() error {
		if err := m.Git.WorktreePrune(ctx); err != nil {
			return err
		}
		return m.Git.WorktreeAdd(ctx, sess.WorktreePath, sess.Branch, base)
	})
	if err != nil {
		return fmt.Errorf("failed to create worktree for session %s: %w", sess.ID, err)
	}
	sess.ArchivedWorktree = false
	sess.Log(m.clock().UTC(), "worktree %s created on %s", sess.WorktreePath, sess.Branch)
	return m.Sessions.Save(sess, actor)
}

// Archive removes the session worktree and keeps its branch. The record is
// saved in its current state.
func (m *Manager) Archive(ctx context.Context, sess *types.Session, actor string) error {
	if sess.WorktreePath == "" || sess.ArchivedWorktree {
		return nil
	}
	err := m.withWorktreeLock(ctx, sess.ID, "session archive", false, func() error {
		if _, statErr := os.Stat(sess.WorktreePath); os.IsNotExist(statErr) {
			return m.Git.WorktreePrune(ctx)
		}
		return m.Git.WorktreeRemove(ctx, sess.WorktreePath, false)
	})
	if err != nil {
		return fmt.Errorf("failed to archive worktree of session %s: %w", sess.ID, err)
	}
	sess.ArchivedWorktree = true
	sess.Log(m.clock().UTC(), "worktree archived, branch %s kept", sess.Branch)
	return m.Sessions.Save(sess, actor)
}

// Cleanup force-removes the session worktree and prunes stale worktree
// entries. It is best effort: the worktree lock is taken fail-open.
func (m *Manager) Cleanup(ctx context.Context, sess *types.Session, actor string) error {
	err := m.withWorktreeLock(ctx, sess.ID, "session cleanup", true, func() error {
		var errs []error
		if sess.WorktreePath != "" {
			if _, statErr := os.Stat(sess.WorktreePath); statErr == nil {
				errs = append(errs, m.Git.WorktreeRemove(ctx, sess.WorktreePath, true))
			}
		}
		errs = append(errs, m.Git.WorktreePrune(ctx))
		return errors.Join(errs...)
	})
	if err != nil {
		return fmt.Errorf("failed to clean up session %s: %w", sess.ID, err)
	}
	if sess.WorktreePath != "" {
		sess.ArchivedWorktree = true
	}
	sess.Log(m.clock().UTC(), "worktree cleaned up")
	return m.Sessions.Save(sess, actor)
}

// EnsureInWorktree fails with ErrOutsideWorktree when worktree enforcement
// is enabled and dir is not inside the session's worktree.
func (m *Manager) EnsureInWorktree(ctx context.Context, sess *types.Session, dir string) error {
	if !m.Settings.EnforceWorktree || sess == nil || sess.WorktreePath == "" {
		return nil
	}
	if sess.ArchivedWorktree {
		return fmt.Errorf("session %s: worktree was archived: %w", sess.ID, ErrOutsideWorktree)
	}
	root, err := m.Git.RepoRoot(ctx, dir)
	if err != nil {
		return fmt.Errorf("session %s: %w", sess.ID, ErrOutsideWorktree)
	}
	want := sess.WorktreePath
	if resolved, err := filepath.EvalSymlinks(want); err == nil {
		want = resolved
	}
	if filepath.Clean(root) != filepath.Clean(want) {
		return fmt.Errorf("session %s: working in %s, expected %s: %w", sess.ID, root, want, ErrOutsideWorktree)
	}
	return nil
}
