package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/edisonflow/edison/internal/debug"
	"github.com/edisonflow/edison/internal/lockfile"
	"github.com/edisonflow/edison/internal/session"
	"github.com/edisonflow/edison/internal/statemachine"
	"github.com/edisonflow/edison/internal/storage"
	"github.com/edisonflow/edison/internal/types"
)

// Session state names used by the close, resume and recovery shortcuts.
const (
	SessionClosing  = "closing"
	SessionRecovery = "recovery"
)

// CreateSession records a new session and its worktree.
func (s *Service) CreateSession(ctx context.Context, req session.CreateRequest) (*types.Session, error) {
	req.Actor = s.actor(req.Actor)
	if req.Owner == "" {
		req.Owner = req.Actor
	}
	return s.Manager.Create(ctx, req)
}

// SessionView is a session with its tasks, health and next states.
type SessionView struct {
	Session *types.Session        `json:"session"`
	Tasks   []*types.Task         `json:"tasks,omitempty"`
	Health  *session.HealthReport `json:"health"`
	Allowed []string              `json:"allowed_transitions"`
	Missing []string              `json:"missing_tasks,omitempty"`
	Events  []debug.Event         `json:"recent_events,omitempty"`
}

// recentSessionEvents is how many event log lines ShowSession returns.
const recentSessionEvents = 10

// EventLogPath returns the project event log.
func (s *Service) EventLogPath() string {
	return filepath.Join(s.opts.MgmtRoot, "logs", "events.log")
}

// ShowSession returns a session with its tasks and a health report.
func (s *Service) ShowSession(ctx context.Context, id string) (*SessionView, error) {
	sess, err := s.Sessions.Get(id)
	if err != nil {
		return nil, err
	}
	v := &SessionView{Session: sess, Allowed: s.Engine.AllowedTargets(types.DomainSession, sess.State)}
	for _, tid := range sess.Tasks {
		task, err := s.Tasks.Get(tid)
		if errors.Is(err, storage.ErrNotFound) {
			v.Missing = append(v.Missing, tid)
			continue
		}
		if err != nil {
			return nil, err
		}
		v.Tasks = append(v.Tasks, task)
	}
	if v.Health, err = s.Manager.Health(ctx, sess); err != nil {
		return nil, err
	}
	events, err := debug.ReadEvents(s.EventLogPath())
	if err != nil {
		debug.Logf("session %s: reading event log: %v", id, err)
	}
	related := map[string]bool{id: true}
	for _, tid := range sess.Tasks {
		related[tid] = true
		related[types.QAID(tid)] = true
	}
	for _, e := range events {
		if e.SessionID == id || related[e.EntityID] {
			v.Events = append(v.Events, e)
		}
	}
	if n := len(v.Events); n > recentSessionEvents {
		v.Events = v.Events[n-recentSessionEvents:]
	}
	return v, nil
}

// ListSessions returns sessions in the given states, all when empty.
func (s *Service) ListSessions(_ context.Context, states ...string) ([]*types.Session, error) {
	for _, st := range states {
		if !s.Engine.HasState(types.DomainSession, st) {
			return nil, fmt.Errorf("unknown session state %q", st)
		}
	}
	return s.Sessions.List(states...)
}

// TransitionSession moves a session to req.To under its lock.
func (s *Service) TransitionSession(ctx context.Context, req TransitionRequest) (*statemachine.Outcome, error) {
	var out *statemachine.Outcome
	err := s.withLock(ctx, "session", req.ID, req.ID, func() error {
		sess, err := s.Sessions.Get(req.ID)
		if err != nil {
			return err
		}
		out, err = s.transitionSession(ctx, sess, req.To, req.Actor)
		return err
	})
	return out, err
}

func (s *Service) transitionSession(ctx context.Context, sess *types.Session, to, actor string) (*statemachine.Outcome, error) {
	actor = s.actor(actor)
	tc := &statemachine.Context{EntityID: sess.ID, Actor: actor, SessionID: sess.ID, Entity: sess}
	return s.Engine.Transition(ctx, types.DomainSession, sess.State, to, tc, func(context.Context) error {
		return s.Sessions.Relocate(sess, to, actor)
	})
}

// CloseSession walks a session through closing to its final state. The
// closing guard is checked first so a session that cannot close is left in
// its current state.
func (s *Service) CloseSession(ctx context.Context, id, actor string) (*statemachine.Outcome, error) {
	final := s.Engine.FinalStates(types.DomainSession)
	if len(final) == 0 {
		return nil, fmt.Errorf("session state machine has no final state")
	}
	closed := final[0]

	var out *statemachine.Outcome
	err := s.withLock(ctx, "session", id, id, func() error {
		sess, err := s.Sessions.Get(id)
		if err != nil {
			return err
		}
		if s.Engine.IsFinal(types.DomainSession, sess.State) {
			return fmt.Errorf("session %s is already %s", id, sess.State)
		}
		tc := &statemachine.Context{EntityID: id, Actor: s.actor(actor), SessionID: id, Entity: sess}
		if err := s.Engine.ValidateTransition(ctx, types.DomainSession, SessionClosing, closed, tc); err != nil {
			return err
		}
		var warnings []string
		if sess.State != SessionClosing {
			step, err := s.transitionSession(ctx, sess, SessionClosing, actor)
			if err != nil {
				return err
			}
			warnings = step.Warnings
		}
		if out, err = s.transitionSession(ctx, sess, closed, actor); err != nil {
			return err
		}
		out.Warnings = append(warnings, out.Warnings...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResumeSession returns a session from recovery or closing to its initial
// state.
func (s *Service) ResumeSession(ctx context.Context, id, actor string) (*statemachine.Outcome, error) {
	return s.TransitionSession(ctx, TransitionRequest{ID: id, To: s.initial(types.DomainSession), SessionID: id, Actor: actor})
}

// RecoveryResult is the outcome of SessionRecovery.
type RecoveryResult struct {
	Report *session.RecoveryReport `json:"report"`
	// Parked lists sessions moved into the recovery state.
	Parked []string `json:"parked,omitempty"`
}

// SessionRecovery reports sessions and records that need attention. With
// park set, sessions with problems are moved into the recovery state when
// their state machine allows it.
func (s *Service) SessionRecovery(ctx context.Context, park bool, actor string) (*RecoveryResult, error) {
	recovery := ""
	if s.Engine.HasState(types.DomainSession, SessionRecovery) {
		recovery = SessionRecovery
	}
	report, err := s.Manager.Recovery(ctx, recovery, s.nonFinal(types.DomainSession)...)
	if err != nil {
		return nil, err
	}
	findings, err := s.VerifyRecords()
	report.Findings = append(report.Findings, findings...)
	if err != nil {
		return nil, err
	}

	res := &RecoveryResult{Report: report}
	if !park || recovery == "" {
		return res, nil
	}
	seen := make(map[string]bool)
	for _, p := range report.Problems {
		if seen[p.SessionID] || p.Kind == session.ProblemInRecovery {
			continue
		}
		seen[p.SessionID] = true
		sess, err := s.Sessions.Get(p.SessionID)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(s.Engine.AllowedTargets(types.DomainSession, sess.State), recovery) {
			continue
		}
		if _, err := s.TransitionSession(ctx, TransitionRequest{ID: sess.ID, To: recovery, Actor: actor}); err != nil {
			return nil, err
		}
		res.Parked = append(res.Parked, sess.ID)
	}
	return res, nil
}

// CheckWorktree fails with session.ErrOutsideWorktree when worktree
// enforcement is on and dir is not inside the session's worktree.
func (s *Service) CheckWorktree(ctx context.Context, sessionID, dir string) error {
	if sessionID == "" {
		return nil
	}
	sess, err := s.Sessions.Get(sessionID)
	if err != nil {
		return err
	}
	return s.Manager.EnsureInWorktree(ctx, sess, dir)
}

// WorktreeCreate creates (or recreates) the worktree of a session.
func (s *Service) WorktreeCreate(ctx context.Context, id, actor string) (*types.Session, error) {
	return s.withSession(ctx, id, func(sess *types.Session) error {
		return s.Manager.EnsureWorktree(ctx, sess, s.actor(actor))
	})
}

// WorktreeArchive removes a session's worktree and keeps its branch.
func (s *Service) WorktreeArchive(ctx context.Context, id, actor string) (*types.Session, error) {
	return s.withSession(ctx, id, func(sess *types.Session) error {
		return s.Manager.Archive(ctx, sess, s.actor(actor))
	})
}

// WorktreeCleanup force-removes a session's worktree and prunes git's
// worktree list.
func (s *Service) WorktreeCleanup(ctx context.Context, id, actor string) (*types.Session, error) {
	return s.withSession(ctx, id, func(sess *types.Session) error {
		return s.Manager.Cleanup(ctx, sess, s.actor(actor))
	})
}

func (s *Service) withSession(ctx context.Context, id string, fn func(*types.Session) error) (*types.Session, error) {
	var sess *types.Session
	err := s.withLock(ctx, "session", id, id, func() error {
		var err error
		if sess, err = s.Sessions.Get(id); err != nil {
			return err
		}
		return fn(sess)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// SweepLocks removes stale lock files at least olderThan old (the
// configured stale age when zero).
func (s *Service) SweepLocks(ctx context.Context, olderThan time.Duration, dryRun bool) (*lockfile.SweepReport, error) {
	if olderThan <= 0 {
		olderThan = s.opts.Locks.StaleAge
	}
	report, err := lockfile.Sweep(ctx, s.opts.MgmtRoot, lockfile.SweepOptions{
		MaxAge:  olderThan,
		DryRun:  dryRun,
		Checker: s.opts.Checker,
		Now:     s.now,
	})
	if err != nil {
		return report, err
	}
	debug.LogEventWithContext("lock.sweep", "locks", s.Actor(), "",
		fmt.Sprintf("removed=%d preserved=%d dry_run=%t", len(report.Removed), len(report.Preserved), dryRun))
	return report, nil
}

// ListLocks returns every lock file with its parsed owner.
func (s *Service) ListLocks(context.Context) ([]lockfile.Entry, error) {
	return lockfile.List(s.opts.MgmtRoot, s.opts.Checker)
}
