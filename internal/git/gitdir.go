package git

import (
	"context"
	"path/filepath"
	"strings"
)

// GitDir returns the git directory for dir. In a linked worktree .git is a
// file pointing elsewhere, so the path is asked of git rather than joined.
func (c *Client) GitDir(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "--git-dir")
	if err != nil {
		return "", err
	}
	return c.abs(dir, strings.TrimSpace(out)), nil
}

// CommonDir returns the git directory shared by every worktree of the repository.
func (c *Client) CommonDir(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	return c.abs(dir, strings.TrimSpace(out)), nil
}

// IsWorktree reports whether dir is inside a linked worktree rather than
// the main checkout.
func (c *Client) IsWorktree(ctx context.Context, dir string) bool {
	gitDir, err := c.GitDir(ctx, dir)
	if err != nil {
		return false
	}
	common, err := c.CommonDir(ctx, dir)
	if err != nil {
		return false
	}
	return gitDir != common
}

// MainRepoRoot returns the root of the main checkout, also when called from
// inside a linked worktree.
func (c *Client) MainRepoRoot(ctx context.Context, dir string) (string, error) {
	common, err := c.CommonDir(ctx, dir)
	if err != nil {
		return "", err
	}
	return filepath.Dir(common), nil
}

func (c *Client) abs(dir, p string) string {
	if !filepath.IsAbs(p) {
		if dir == "" {
			dir = c.Dir
		}
		p = filepath.Join(dir, p)
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return filepath.Clean(p)
}
