package validator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edisonflow/edison/internal/debug"
	"github.com/edisonflow/edison/internal/types"
)

// DiffSource lists the files changed in a checkout relative to base:
// committed changes on base...HEAD plus uncommitted and untracked files.
type DiffSource interface {
	DiffNames(ctx context.Context, dir, base string) ([]string, error)
}

// CandidateOptions tunes CandidateFiles.
type CandidateOptions struct {
	// Dir is the checkout to diff when the session has no worktree.
	Dir string
	// DefaultBase is used only when the session recorded no base branch.
	DefaultBase string
	// Extra files, for example those listed in the implementation report.
	Extra []string
}

// CandidateFiles returns the files a roster is matched against: the task's
// primary files, the extra files, and the diff of the session worktree
// against the base branch recorded on the session.
func CandidateFiles(ctx context.Context, task *types.Task, sess *types.Session, diff DiffSource, opts CandidateOptions) ([]string, error) {
	set := make(map[string]bool)
	add := func(files []string) {
		for _, f := range files {
			f = strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(f)), "./")
			if f != "" {
				set[f] = true
			}
		}
	}
	if task != nil {
		add(task.PrimaryFiles)
	}
	add(opts.Extra)

	if diff != nil {
		dir, base := opts.Dir, opts.DefaultBase
		if sess != nil {
			if sess.WorktreePath != "" {
				dir = sess.WorktreePath
			}
			if sess.BaseBranch != "" {
				base = sess.BaseBranch
			}
		}
		if dir != "" && base != "" {
			files, err := diff.DiffNames(ctx, dir, base)
			if err != nil {
				return nil, fmt.Errorf("failed to diff %s against %s: %w", dir, base, err)
			}
			debug.Logf("validator: %d changed files in %s against %s", len(files), dir, base)
			add(files)
		}
	}

	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}
