package session

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/edisonflow/edison/internal/lockfile"
	"github.com/edisonflow/edison/internal/storage"
	"github.com/edisonflow/edison/internal/types"
)

// Check is one health probe.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	// Advisory checks are reported but do not make a session unhealthy.
	Advisory bool `json:"advisory,omitempty"`
}

// HealthReport is the result of Health.
type HealthReport struct {
	SessionID  string           `json:"session_id"`
	Healthy    bool             `json:"healthy"`
	Checks     []Check          `json:"checks"`
	StaleLocks []lockfile.Entry `json:"stale_locks,omitempty"`
}

// Failed returns the names of the failed non-advisory checks.
func (r *HealthReport) Failed() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.OK && !c.Advisory {
			out = append(out, c.Name)
		}
	}
	return out
}

// Health probes the session worktree: it exists and is a linked worktree,
// the expected branch is checked out, the tree is clean, and no stale lock
// owned by the session is left behind. The last two are advisory.
func (m *Manager) Health(ctx context.Context, sess *types.Session) (*HealthReport, error) {
	r := &HealthReport{SessionID: sess.ID}

	switch {
	case sess.WorktreePath == "":
		r.Checks = append(r.Checks, Check{Name: "worktree", OK: true, Detail: "session has no worktree"})
	case sess.ArchivedWorktree:
		r.Checks = append(r.Checks, Check{Name: "worktree", OK: true, Detail: "worktree archived"})
	default:
		r.Checks = append(r.Checks, m.worktreeChecks(ctx, sess)...)
	}

	sweep, err := lockfile.Sweep(ctx, m.MgmtRoot, lockfile.SweepOptions{
		DryRun: true, Checker: m.checker(), MaxAge: m.StaleAge,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect locks: %w", err)
	}
	for _, e := range sweep.Removed {
		if e.Info != nil && e.Info.SessionID == sess.ID {
			r.StaleLocks = append(r.StaleLocks, e)
		}
	}
	lockCheck := Check{Name: "stale_locks", OK: len(r.StaleLocks) == 0, Advisory: true}
	if !lockCheck.OK {
		lockCheck.Detail = fmt.Sprintf("%d stale lock(s); run `edison lock sweep`", len(r.StaleLocks))
	}
	r.Checks = append(r.Checks, lockCheck)

	r.Healthy = len(r.Failed()) == 0
	return r, nil
}

func (m *Manager) worktreeChecks(ctx context.Context, sess *types.Session) []Check {
	fi, err := os.Stat(sess.WorktreePath)
	if err != nil || !fi.IsDir() {
		return []Check{{Name: "worktree", Detail: fmt.Sprintf("%s is missing", sess.WorktreePath)}}
	}
	if !m.Git.IsWorktree(ctx, sess.WorktreePath) {
		return []Check{{Name: "worktree", Detail: fmt.Sprintf("%s is not a linked git worktree", sess.WorktreePath)}}
	}
	checks := []Check{{Name: "worktree", OK: true, Detail: sess.WorktreePath}}

	branch, err := m.Git.CurrentBranch(ctx, sess.WorktreePath)
	bc := Check{Name: "branch", OK: err == nil && branch == sess.Branch}
	switch {
	case err != nil:
		bc.Detail = err.Error()
	case !bc.OK:
		bc.Detail = fmt.Sprintf("on %q, expected %q", branch, sess.Branch)
	default:
		bc.Detail = branch
	}
	checks = append(checks, bc)

	status, err := m.Git.StatusPorcelain(ctx, sess.WorktreePath)
	cc := Check{Name: "clean_tree", OK: err == nil && len(status) == 0, Advisory: true}
	if err != nil {
		cc.Detail = err.Error()
	} else if len(status) > 0 {
		paths := make([]string, 0, len(status))
		for _, s := range status {
			paths = append(paths, s.Path)
		}
		cc.Detail = fmt.Sprintf("%d uncommitted change(s): %s", len(status), strings.Join(paths, ", "))
	}
	return append(checks, cc)
}

// Problem is one reason a session needs recovery.
type Problem struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
}

// Problem kinds.
const (
	ProblemMissingWorktree = "missing_worktree"
	ProblemDeadOwner       = "dead_owner"
	ProblemInRecovery      = "in_recovery"
)

// RecoveryReport lists sessions and records that need attention.
type RecoveryReport struct {
	Problems []Problem         `json:"problems,omitempty"`
	Findings []storage.Finding `json:"findings,omitempty"`
}

// Empty reports whether nothing needs recovery.
func (r *RecoveryReport) Empty() bool {
	return len(r.Problems) == 0 && len(r.Findings) == 0
}

// Err returns a *RecoveryError when the report is not empty.
func (r *RecoveryReport) Err() error {
	if r.Empty() {
		return nil
	}
	return &RecoveryError{Report: r}
}

// RecoveryError wraps a non-empty RecoveryReport.
type RecoveryError struct {
	Report *RecoveryReport
}

func (e *RecoveryError) Error() string {
	var parts []string
	for _, p := range e.Report.Problems {
		parts = append(parts, fmt.Sprintf("session %s: %s", p.SessionID, p.Detail))
	}
	for _, f := range e.Report.Findings {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%s: %s", ErrRecoveryNeeded, strings.Join(parts, "; "))
}

func (e *RecoveryError) Is(target error) bool { return target == ErrRecoveryNeeded }

// Recovery scans sessions in the given states for a missing worktree, a
// dead owner process or a pending recovery state, and audits the session
// directories for state/directory drift. recoveryState names the state
// sessions are parked in for recovery; it may be empty.
func (m *Manager) Recovery(ctx context.Context, recoveryState string, states ...string) (*RecoveryReport, error) {
	report := &RecoveryReport{}
	findings, err := m.Sessions.Verify()
	if err != nil {
		return nil, err
	}
	report.Findings = findings

	sessions, err := m.Sessions.List(states...)
	if err != nil {
		return nil, err
	}
	checker := m.checker()
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if recoveryState != "" && s.State == recoveryState {
			report.Problems = append(report.Problems, Problem{SessionID: s.ID, Kind: ProblemInRecovery,
				Detail: "session is in " + recoveryState})
		}
		if s.WorktreePath != "" && !s.ArchivedWorktree {
			if _, err := os.Stat(s.WorktreePath); os.IsNotExist(err) {
				report.Problems = append(report.Problems, Problem{SessionID: s.ID, Kind: ProblemMissingWorktree,
					Detail: fmt.Sprintf("worktree %s is missing", s.WorktreePath)})
			}
		}
		if s.PID > 0 && !checker.Alive(s.PID) {
			report.Problems = append(report.Problems, Problem{SessionID: s.ID, Kind: ProblemDeadOwner,
				Detail: fmt.Sprintf("owner pid %d is not running", s.PID)})
		}
	}
	return report, nil
}
