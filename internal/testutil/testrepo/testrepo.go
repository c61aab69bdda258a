// Package testrepo creates throwaway git repositories for tests.
//
// Tests using this package require the `git` binary in PATH. When git is
// not available, tests are skipped automatically via t.Skip.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    repo := testrepo.New(t)
//	    repo.WriteFile("a.go", "package a\n")
//	    repo.Commit("add a")
//	}
package testrepo

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Repo is a git repository in a temp directory with one commit on main.
type Repo struct {
	t   testing.TB
	Dir string
}

// New initializes a repository with README.md committed on branch main.
func New(t testing.TB) *Repo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not in PATH, skipping test")
	}
	dir := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("testrepo: %v", err)
	}
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	r := &Repo{t: t, Dir: dir}
	r.Git("init", "-q")
	r.Git("symbolic-ref", "HEAD", "refs/heads/main")
	r.Git("config", "user.email", "test@example.com")
	r.Git("config", "user.name", "Test User")
	r.Git("config", "commit.gpgsign", "false")
	r.WriteFile("README.md", "# test\n")
	r.Commit("initial commit")
	return r
}

// Git runs git in the repository and returns trimmed stdout.
func (r *Repo) Git(args ...string) string {
	return r.GitIn(r.Dir, args...)
}

// GitIn runs git in dir, failing the test on error.
func (r *Repo) GitIn(dir string, args ...string) string {
	r.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		r.t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// WriteFile writes a file relative to the repository root.
func (r *Repo) WriteFile(rel, content string) {
	r.WriteFileIn(r.Dir, rel, content)
}

// WriteFileIn writes a file relative to dir.
func (r *Repo) WriteFileIn(dir, rel, content string) {
	r.t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		r.t.Fatalf("testrepo: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		r.t.Fatalf("testrepo: %v", err)
	}
}

// Commit stages everything and commits in the repository root.
func (r *Repo) Commit(msg string) {
	r.CommitIn(r.Dir, msg)
}

// CommitIn stages everything and commits in dir.
func (r *Repo) CommitIn(dir, msg string) {
	r.t.Helper()
	r.GitIn(dir, "add", "-A")
	r.GitIn(dir, "commit", "-q", "-m", msg)
}
