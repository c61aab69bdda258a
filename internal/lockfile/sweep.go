package lockfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/edisonflow/edison/internal/debug"
)

// Entry describes one lock file found on disk.
type Entry struct {
	Path   string        `json:"path"`
	PID    int           `json:"pid,omitempty"`
	Alive  bool          `json:"alive"`
	Held   bool          `json:"held"`
	Age    time.Duration `json:"age"`
	Info   *Info         `json:"info,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// SweepOptions configures a stale-lock sweep.
type SweepOptions struct {
	// MaxAge is the minimum age for a lock to be considered for removal.
	MaxAge  time.Duration
	DryRun  bool
	Checker ProcessChecker
	Now     func() time.Time
}

// SweepReport lists what a sweep removed (or would remove in dry-run mode)
// and what it kept.
type SweepReport struct {
	DryRun    bool     `json:"dry_run"`
	Removed   []Entry  `json:"removed"`
	Preserved []Entry  `json:"preserved"`
	Errors    []string `json:"errors,omitempty"`
}

// Inspect reads a lock file and classifies its owner.
func Inspect(path string, checker ProcessChecker, now time.Time) (Entry, error) {
	if checker == nil {
		checker = OSProcessChecker{}
	}
	fi, err := os.Stat(path)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Path: path, Age: now.Sub(fi.ModTime())}
	// #nosec G304 - path comes from walking the locks directory
	if data, err := os.ReadFile(path); err == nil {
		e.PID = ParsePID(data)
		e.Info, _ = ReadInfo(path)
	}
	if e.PID > 0 {
		e.Alive = checker.Alive(e.PID)
	}
	e.Held = isHeld(path)
	return e, nil
}

// isHeld reports whether some open file currently holds the OS lock.
func isHeld(path string) bool {
	// #nosec G304 - lock file path
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer f.Close()
	if err := FlockExclusiveNonBlock(f); err != nil {
		return errors.Is(err, ErrLockBusy)
	}
	_ = FlockUnlock(f)
	return false
}

// removeUnheld unlinks path while holding its OS lock. An acquirer that
// opened the old inode then fails its identity check. It reports false when
// someone holds the lock or path no longer names the file we locked.
func removeUnheld(path string) (bool, error) {
	// #nosec G304 - lock file path
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	if err := FlockExclusiveNonBlock(f); err != nil {
		if errors.Is(err, ErrLockBusy) {
			return false, nil
		}
		return false, err
	}
	defer func() { _ = FlockUnlock(f) }()

	fi, ferr := f.Stat()
	pi, perr := os.Stat(path)
	if ferr != nil || perr != nil || !os.SameFile(fi, pi) {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

// List returns all lock files under root's lock directory.
func List(root string, checker ProcessChecker) ([]Entry, error) {
	var entries []Entry
	now := time.Now()
	err := walkLocks(LocksDir(root), func(path string) {
		if e, err := Inspect(path, checker, now); err == nil {
			entries = append(entries, e)
		}
	})
	return entries, err
}

// Sweep removes stale lock files under root's lock directory. A lock is
// stale when it is at least MaxAge old, its owner PID is missing or dead and
// no process holds it. Locks with a live owner are kept regardless of age;
// locks younger than MaxAge are kept regardless of owner.
func Sweep(ctx context.Context, root string, opts SweepOptions) (*SweepReport, error) {
	if opts.Checker == nil {
		opts.Checker = OSProcessChecker{}
	}
	now := time.Now()
	if opts.Now != nil {
		now = opts.Now()
	}

	report := &SweepReport{DryRun: opts.DryRun}
	err := walkLocks(LocksDir(root), func(path string) {
		if ctx.Err() != nil {
			return
		}
		e, err := Inspect(path, opts.Checker, now)
		if err != nil {
			if !os.IsNotExist(err) {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", path, err))
			}
			return
		}

		switch {
		case e.Age < opts.MaxAge:
			e.Reason = "younger than threshold"
		case e.Alive:
			e.Reason = fmt.Sprintf("owner pid %d is alive", e.PID)
		case e.Held:
			e.Reason = "lock is held"
		}
		if e.Reason != "" {
			report.Preserved = append(report.Preserved, e)
			return
		}

		if e.PID > 0 {
			e.Reason = fmt.Sprintf("owner pid %d is not running", e.PID)
		} else {
			e.Reason = "no owner pid"
		}
		if !opts.DryRun {
			removed, err := removeUnheld(path)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", path, err))
				return
			}
			if !removed {
				e.Held = true
				e.Reason = "lock was taken during the sweep"
				report.Preserved = append(report.Preserved, e)
				return
			}
			debug.Logf("removed stale lock %s (%s)", path, e.Reason)
		}
		report.Removed = append(report.Removed, e)
	})
	if err != nil {
		return report, err
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	return report, nil
}

func walkLocks(dir string, fn func(path string)) error {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	sort.Strings(paths)
	for _, p := range paths {
		fn(p)
	}
	return nil
}
