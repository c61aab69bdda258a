// Package git runs the handful of git subcommands edison needs: worktree
// management for sessions and the diff that feeds validator triggers.
// Every subprocess is bounded by a timeout.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/edisonflow/edison/internal/debug"
)

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 30 * time.Second

// ErrNotRepository is returned when a directory is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// CommandError describes a failed git invocation.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Client runs git against one repository.
type Client struct {
	// Dir is the working directory used when a call names none.
	Dir     string
	Timeout time.Duration
	// Binary defaults to "git" on PATH.
	Binary string
}

// New returns a client rooted at dir.
func New(dir string) *Client {
	return &Client{Dir: dir, Timeout: DefaultTimeout}
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin := c.Binary
	if bin == "" {
		bin = "git"
	}
	if dir == "" {
		dir = c.Dir
	}
	full := append([]string{"-c", "core.quotepath=off"}, args...)
	// #nosec G204 - arguments are built by this package
	cmd := exec.CommandContext(ctx, bin, full...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	debug.Logf("git: %s (in %s)", strings.Join(args, " "), dir)
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
		}
		if strings.Contains(stderr.String(), "not a git repository") {
			err = fmt.Errorf("%w: %s", ErrNotRepository, dir)
		}
		return stdout.String(), &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

// RepoRoot returns the top-level directory of the work tree containing dir.
func (c *Client) RepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return c.abs(dir, strings.TrimSpace(out)), nil
}

// CurrentBranch returns the branch checked out in dir, or "" when HEAD is detached.
func (c *Client) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		var ce *CommandError
		if errors.As(err, &ce) && strings.TrimSpace(ce.Stderr) == "" {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BranchExists reports whether a local branch exists.
func (c *Client) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := c.run(ctx, "", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var ce *CommandError
	var exit *exec.ExitError
	if errors.As(err, &ce) && errors.As(ce.Err, &exit) && exit.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// WorktreeAdd checks out branch at path. A missing branch is created from base.
func (c *Client) WorktreeAdd(ctx context.Context, path, branch, base string) error {
	exists, err := c.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create worktree parent: %w", err)
	}
	if exists {
		_, err = c.run(ctx, "", "worktree", "add", path, branch)
	} else {
		args := []string{"worktree", "add", "-b", branch, path}
		if base != "" {
			args = append(args, base)
		}
		_, err = c.run(ctx, "", args...)
	}
	return err
}

// WorktreeRemove removes the worktree at path. The branch is kept.
func (c *Client) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	_, err := c.run(ctx, "", append(args, path)...)
	return err
}

// WorktreePrune drops administrative entries for worktrees that no longer exist.
func (c *Client) WorktreePrune(ctx context.Context) error {
	_, err := c.run(ctx, "", "worktree", "prune")
	return err
}

// Worktree is one entry of `git worktree list`.
type Worktree struct {
	Path     string `json:"path"`
	Head     string `json:"head,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Bare     bool   `json:"bare,omitempty"`
	Detached bool   `json:"detached,omitempty"`
	Prunable bool   `json:"prunable,omitempty"`
}

// WorktreeList returns every worktree of the repository, main checkout first.
func (c *Client) WorktreeList(ctx context.Context) ([]Worktree, error) {
	out, err := c.run(ctx, "", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []Worktree {
	var list []Worktree
	var cur *Worktree
	for _, line := range strings.Split(out, "\n") {
		key, val, _ := strings.Cut(strings.TrimRight(line, "\r"), " ")
		switch key {
		case "worktree":
			list = append(list, Worktree{Path: filepath.Clean(val)})
			cur = &list[len(list)-1]
		case "HEAD":
			if cur != nil {
				cur.Head = val
			}
		case "branch":
			if cur != nil {
				cur.Branch = strings.TrimPrefix(val, "refs/heads/")
			}
		case "bare":
			if cur != nil {
				cur.Bare = true
			}
		case "detached":
			if cur != nil {
				cur.Detached = true
			}
		case "prunable":
			if cur != nil {
				cur.Prunable = true
			}
		}
	}
	return list
}

// StatusEntry is one line of `git status --porcelain`.
type StatusEntry struct {
	Code string `json:"code"`
	Path string `json:"path"`
}

// Untracked reports whether the entry is an untracked file.
func (e StatusEntry) Untracked() bool { return e.Code == "??" }

// StatusPorcelain lists changed and untracked files in dir.
func (c *Client) StatusPorcelain(ctx context.Context, dir string) ([]StatusEntry, error) {
	out, err := c.run(ctx, dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	var entries []StatusEntry
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if _, to, ok := strings.Cut(path, " -> "); ok {
			path = to
		}
		entries = append(entries, StatusEntry{Code: line[:2], Path: path})
	}
	return entries, nil
}

// DiffNames returns the files changed in dir relative to base: the
// committed diff base...HEAD plus uncommitted and untracked files. Paths are
// relative to the work tree root, sorted and unique. An empty base skips
// the committed part.
func (c *Client) DiffNames(ctx context.Context, dir, base string) ([]string, error) {
	set := make(map[string]bool)
	collect := func(args ...string) error {
		out, err := c.run(ctx, dir, args...)
		if err != nil {
			return err
		}
		for _, line := range strings.Split(out, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				set[line] = true
			}
		}
		return nil
	}

	if base != "" {
		if err := collect("diff", "--name-only", base+"...HEAD"); err != nil {
			return nil, err
		}
	}
	if err := collect("diff", "--name-only", "HEAD"); err != nil {
		return nil, err
	}
	if err := collect("ls-files", "--others", "--exclude-standard", "--full-name"); err != nil {
		return nil, err
	}

	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}
