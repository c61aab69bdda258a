package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edisonflow/edison/internal/config"
	"github.com/edisonflow/edison/internal/git"
	"github.com/edisonflow/edison/internal/lockfile"
	"github.com/edisonflow/edison/internal/storage"
	"github.com/edisonflow/edison/internal/testutil/testrepo"
)

type fakeChecker map[int]bool

func (f fakeChecker) Alive(pid int) bool { return f[pid] }

type allAlive struct{}

func (allAlive) Alive(int) bool { return true }

func newManager(t *testing.T) (*Manager, *testrepo.Repo) {
	t.Helper()
	repo := testrepo.New(t)
	mgmt := filepath.Join(repo.Dir, ".project")
	m := &Manager{
		Sessions: storage.NewSessionStore(mgmt, []string{"active", "recovery", "closing", "closed"}),
		Git:      git.New(repo.Dir),
		Locks:    lockfile.NewManager(),
		MgmtRoot: mgmt,
		Settings: config.SessionSettings{
			BaseBranch:   "main",
			WorktreeDir:  filepath.Join(filepath.Dir(repo.Dir), "worktrees"),
			BranchPrefix: "session/",
		},
		LockOptions:  lockfile.Options{Timeout: 5 * time.Second, PollInterval: 10 * time.Millisecond},
		Checker:      fakeChecker{os.Getpid(): true},
		InitialState: "active",
	}
	return m, repo
}

func TestCreateWithWorktree(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateRequest{ID: "s1", Owner: "alice", Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "main", sess.BaseBranch)
	assert.Equal(t, "session/s1", sess.Branch)
	assert.DirExists(t, sess.WorktreePath)
	assert.NotEmpty(t, sess.Activity)

	got, err := m.Sessions.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "active", got.State)
	assert.Equal(t, sess.WorktreePath, got.WorktreePath)

	branch, err := m.Git.CurrentBranch(ctx, sess.WorktreePath)
	require.NoError(t, err)
	assert.Equal(t, "session/s1", branch)

	_, err = m.Create(ctx, CreateRequest{ID: "s1"})
	assert.ErrorIs(t, err, storage.ErrExists)
}

func TestCreateRecordsBaseBranch(t *testing.T) {
	m, repo := newManager(t)
	repo.Git("checkout", "-q", "-b", "release/2.0")
	repo.WriteFile("release.txt", "r\n")
	repo.Commit("release")
	head := repo.Git("rev-parse", "HEAD")
	repo.Git("checkout", "-q", "main")

	sess, err := m.Create(context.Background(), CreateRequest{ID: "s2", BaseBranch: "release/2.0"})
	require.NoError(t, err)
	assert.Equal(t, "release/2.0", sess.BaseBranch)
	assert.Equal(t, head, repo.GitIn(sess.WorktreePath, "rev-parse", "HEAD"))
}

func TestCreateWithoutWorktree(t *testing.T) {
	m, _ := newManager(t)
	sess, err := m.Create(context.Background(), CreateRequest{NoWorktree: true})
	require.NoError(t, err)
	assert.Regexp(t, `^s-[0-9a-f]{12}$`, sess.ID)
	assert.Empty(t, sess.WorktreePath)
	assert.Empty(t, sess.Branch)

	h, err := m.Health(context.Background(), sess)
	require.NoError(t, err)
	assert.True(t, h.Healthy)
}

func TestHealth(t *testing.T) {
	m, repo := newManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, CreateRequest{ID: "s1"})
	require.NoError(t, err)

	h, err := m.Health(ctx, sess)
	require.NoError(t, err)
	assert.True(t, h.Healthy, h.Failed())
	assert.Empty(t, h.StaleLocks)

	// Dirty tree and a stale lock are advisory.
	repo.WriteFileIn(sess.WorktreePath, "scratch.txt", "x\n")
	stale := lockfile.KeyPath(m.MgmtRoot, "task:T1")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte(`{"pid": 999999, "session_id": "s1"}`), 0o644))
	other := lockfile.KeyPath(m.MgmtRoot, "task:T2")
	require.NoError(t, os.WriteFile(other, []byte(`{"pid": 999999, "session_id": "s9"}`), 0o644))

	h, err = m.Health(ctx, sess)
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	require.Len(t, h.StaleLocks, 1)
	assert.Equal(t, stale, h.StaleLocks[0].Path)
	assert.FileExists(t, stale, "health never removes locks")

	// Wrong branch is not.
	repo.GitIn(sess.WorktreePath, "checkout", "-q", "-b", "elsewhere")
	h, err = m.Health(ctx, sess)
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Equal(t, []string{"branch"}, h.Failed())

	require.NoError(t, os.RemoveAll(sess.WorktreePath))
	h, err = m.Health(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, []string{"worktree"}, h.Failed())
}

func TestArchiveKeepsBranch(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, CreateRequest{ID: "s1"})
	require.NoError(t, err)

	require.NoError(t, m.Archive(ctx, sess, "alice"))
	assert.NoDirExists(t, sess.WorktreePath)
	ok, err := m.Git.BranchExists(ctx, "session/s1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.Sessions.Get("s1")
	require.NoError(t, err)
	assert.True(t, got.ArchivedWorktree)

	// Archiving twice is a no-op.
	require.NoError(t, m.Archive(ctx, got, "alice"))
}

func TestArchiveRefusesDirtyWorktree(t *testing.T) {
	m, repo := newManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, CreateRequest{ID: "s1"})
	require.NoError(t, err)
	repo.WriteFileIn(sess.WorktreePath, "README.md", "changed\n")

	assert.Error(t, m.Archive(ctx, sess, "alice"))
	assert.DirExists(t, sess.WorktreePath)

	require.NoError(t, m.Cleanup(ctx, sess, "alice"))
	assert.NoDirExists(t, sess.WorktreePath)
	list, err := m.Git.WorktreeList(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRecovery(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	m.Checker = allAlive{}
	healthy, err := m.Create(ctx, CreateRequest{ID: "ok"})
	require.NoError(t, err)
	broken, err := m.Create(ctx, CreateRequest{ID: "broken"})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(broken.WorktreePath))

	report, err := m.Recovery(ctx, "recovery", "active", "recovery", "closing")
	require.NoError(t, err)
	require.Len(t, report.Problems, 1)
	assert.Equal(t, "broken", report.Problems[0].SessionID)
	assert.Equal(t, ProblemMissingWorktree, report.Problems[0].Kind)
	assert.ErrorIs(t, report.Err(), ErrRecoveryNeeded)

	// A dead owner is reported too.
	m.Checker = fakeChecker{}
	report, err = m.Recovery(ctx, "recovery", "active")
	require.NoError(t, err)
	kinds := map[string][]string{}
	for _, p := range report.Problems {
		kinds[p.SessionID] = append(kinds[p.SessionID], p.Kind)
	}
	assert.Equal(t, []string{ProblemDeadOwner}, kinds[healthy.ID])
	assert.ElementsMatch(t, []string{ProblemMissingWorktree, ProblemDeadOwner}, kinds["broken"])
}

func TestRecoveryReportsDirectoryDrift(t *testing.T) {
	m, _ := newManager(t)
	m.Checker = allAlive{}
	ctx := context.Background()
	_, err := m.Create(ctx, CreateRequest{ID: "s1", NoWorktree: true})
	require.NoError(t, err)

	src := m.Sessions.PathFor("active", "s1")
	dst := m.Sessions.PathFor("closed", "s1")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, data, 0o644))

	report, err := m.Recovery(ctx, "recovery", "active")
	require.NoError(t, err)
	assert.NotEmpty(t, report.Findings)
	assert.ErrorIs(t, report.Err(), ErrRecoveryNeeded)

	clean := &RecoveryReport{}
	assert.NoError(t, clean.Err())
}

func TestEnsureInWorktree(t *testing.T) {
	m, repo := newManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, CreateRequest{ID: "s1"})
	require.NoError(t, err)

	assert.NoError(t, m.EnsureInWorktree(ctx, sess, repo.Dir), "not enforced by default")

	m.Settings.EnforceWorktree = true
	assert.ErrorIs(t, m.EnsureInWorktree(ctx, sess, repo.Dir), ErrOutsideWorktree)
	assert.ErrorIs(t, m.EnsureInWorktree(ctx, sess, t.TempDir()), ErrOutsideWorktree)

	sub := filepath.Join(sess.WorktreePath, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	assert.NoError(t, m.EnsureInWorktree(ctx, sess, sess.WorktreePath))
	assert.NoError(t, m.EnsureInWorktree(ctx, sess, sub))

	sess.ArchivedWorktree = true
	assert.ErrorIs(t, m.EnsureInWorktree(ctx, sess, sess.WorktreePath), ErrOutsideWorktree)
}

func TestEnsureWorktree(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, CreateRequest{ID: "s1", NoWorktree: true})
	require.NoError(t, err)

	require.NoError(t, m.EnsureWorktree(ctx, sess, "alice"))
	assert.DirExists(t, sess.WorktreePath)
	assert.Equal(t, "session/s1", sess.Branch)
	branch, err := m.Git.CurrentBranch(ctx, sess.WorktreePath)
	require.NoError(t, err)
	assert.Equal(t, "session/s1", branch)

	// Already present.
	require.NoError(t, m.EnsureWorktree(ctx, sess, "alice"))

	require.NoError(t, m.Archive(ctx, sess, "alice"))
	require.NoError(t, m.EnsureWorktree(ctx, sess, "alice"))
	assert.DirExists(t, sess.WorktreePath)
	got, err := m.Sessions.Get("s1")
	require.NoError(t, err)
	assert.False(t, got.ArchivedWorktree)
}
