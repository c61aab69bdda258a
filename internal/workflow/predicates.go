package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/edisonflow/edison/internal/bundle"
	"github.com/edisonflow/edison/internal/debug"
	"github.com/edisonflow/edison/internal/evidence"
	"github.com/edisonflow/edison/internal/statemachine"
	"github.com/edisonflow/edison/internal/storage"
	"github.com/edisonflow/edison/internal/types"
)

// Guard, condition and action names available to state machine configuration.
const (
	GuardDependenciesSatisfied = "dependencies_satisfied"
	GuardTaskClaimed           = "task_claimed"
	GuardHasImplementation     = "has_implementation_report"
	GuardTaskDone              = "task_done"
	GuardBlockingReported      = "blocking_validators_reported"
	GuardBundleApproved        = "bundle_approved"
	GuardBundlePassed          = "bundle_passed"
	GuardWorktreeHealthy       = "worktree_healthy"
	GuardSessionTasksValidated = "session_tasks_validated"
	ActionRecordActivity       = "record_activity"
	ActionEnsureQARecord       = "ensure_qa_record"
	ActionEnsureRound          = "ensure_round"
	ActionFinalizeRound        = "finalize_round"
	ActionArchiveWorktree      = "archive_worktree"
)

func (s *Service) register(reg *statemachine.Registry) error {
	preds := map[string]statemachine.Predicate{
		GuardDependenciesSatisfied: s.dependenciesSatisfied,
		GuardTaskClaimed:           s.taskClaimed,
		GuardHasImplementation:     s.hasImplementationReport,
		GuardTaskDone:              s.taskDone,
		GuardBlockingReported:      s.blockingValidatorsReported,
		GuardBundleApproved:        s.bundleApproved,
		GuardBundlePassed:          s.bundlePassed,
		GuardWorktreeHealthy:       s.worktreeHealthy,
		GuardSessionTasksValidated: s.sessionTasksValidated,
	}
	actions := map[string]statemachine.Action{
		ActionRecordActivity:  s.recordActivity,
		ActionEnsureQARecord:  s.ensureQARecord,
		ActionEnsureRound:     s.ensureRoundAction,
		ActionFinalizeRound:   s.finalizeRound,
		ActionArchiveWorktree: s.archiveWorktree,
	}
	var errs []error
	for name, p := range preds {
		errs = append(errs, reg.RegisterPredicate(name, p))
	}
	for name, a := range actions {
		errs = append(errs, reg.RegisterAction(name, a))
	}
	return errors.Join(errs...)
}

// taskOf returns the task a transition is about. QA transitions resolve the
// task through the record's task id.
func (s *Service) taskOf(tc *statemachine.Context) (*types.Task, error) {
	switch e := tc.Entity.(type) {
	case *types.Task:
		return e, nil
	case *types.QARecord:
		return s.Tasks.Get(e.TaskID)
	}
	return nil, fmt.Errorf("%s %s: not a task transition", tc.Domain, tc.EntityID)
}

func (s *Service) dependenciesSatisfied(ctx context.Context, tc *statemachine.Context) (bool, string) {
	task, err := s.taskOf(tc)
	if err != nil {
		return false, err.Error()
	}
	unmet, err := s.Deps.Unmet(ctx, task)
	if err != nil {
		return false, err.Error()
	}
	if len(unmet) == 0 {
		return true, ""
	}
	parts := make([]string, 0, len(unmet))
	for _, u := range unmet {
		parts = append(parts, u.String())
	}
	return false, "unmet dependencies: " + strings.Join(parts, "; ")
}

func (s *Service) taskClaimed(_ context.Context, tc *statemachine.Context) (bool, string) {
	task, err := s.taskOf(tc)
	if err != nil {
		return false, err.Error()
	}
	if task.Session == "" {
		return false, "task is not claimed by a session"
	}
	if tc.SessionID != "" && tc.SessionID != task.Session {
		return false, fmt.Sprintf("task is claimed by session %s", task.Session)
	}
	return true, ""
}

func (s *Service) hasImplementationReport(_ context.Context, tc *statemachine.Context) (bool, string) {
	task, err := s.taskOf(tc)
	if err != nil {
		return false, err.Error()
	}
	round, err := s.Evidence.LatestRound(task.ID)
	if err != nil {
		return false, err.Error()
	}
	if err := s.Evidence.MissingEvidence(task.ID, round, s.requiredEvidence()); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func (s *Service) taskDone(_ context.Context, tc *statemachine.Context) (bool, string) {
	task, err := s.taskOf(tc)
	if err != nil {
		return false, err.Error()
	}
	for _, st := range s.Deps.Satisfying {
		if task.State == st {
			return true, ""
		}
	}
	return false, fmt.Sprintf("task %s is %s", task.ID, task.State)
}

func (s *Service) blockingValidatorsReported(ctx context.Context, tc *statemachine.Context) (bool, string) {
	task, err := s.taskOf(tc)
	if err != nil {
		return false, err.Error()
	}
	roster, err := s.rosterFor(ctx, task, "")
	if err != nil {
		return false, err.Error()
	}
	round, err := s.Evidence.LatestRound(task.ID)
	if err != nil {
		return false, err.Error()
	}
	if round == 0 {
		return false, "no validation round"
	}
	reports, err := s.Evidence.ReadValidatorReports(task.ID, round)
	if err != nil {
		return false, err.Error()
	}
	decided := make(map[string]bool, len(reports))
	for _, r := range reports {
		if r.Verdict != evidence.VerdictPending {
			decided[r.ValidatorID] = true
		}
	}
	var missing []string
	for _, id := range roster.Blocking() {
		if !decided[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return false, fmt.Sprintf("round %d has no verdict from: %s", round, strings.Join(missing, ", "))
	}
	return true, ""
}

func (s *Service) bundleApproved(_ context.Context, tc *statemachine.Context) (bool, string) {
	task, err := s.taskOf(tc)
	if err != nil {
		return false, err.Error()
	}
	return s.Bundles.Approved(task)
}

// bundlePassed accepts an approved draft, so the transition that finalizes
// the round can be guarded by it.
func (s *Service) bundlePassed(_ context.Context, tc *statemachine.Context) (bool, string) {
	task, err := s.taskOf(tc)
	if err != nil {
		return false, err.Error()
	}
	return s.Bundles.Passed(task)
}

func (s *Service) worktreeHealthy(ctx context.Context, tc *statemachine.Context) (bool, string) {
	sess, ok := tc.Entity.(*types.Session)
	if !ok {
		return false, "not a session transition"
	}
	report, err := s.Manager.Health(ctx, sess)
	if err != nil {
		return false, err.Error()
	}
	if !report.Healthy {
		return false, "failed checks: " + strings.Join(report.Failed(), ", ")
	}
	return true, ""
}

func (s *Service) sessionTasksValidated(_ context.Context, tc *statemachine.Context) (bool, string) {
	sess, ok := tc.Entity.(*types.Session)
	if !ok {
		return false, "not a session transition"
	}
	var pending []string
	for _, id := range sess.Tasks {
		task, err := s.Tasks.Get(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err.Error()
		}
		if !s.Engine.IsFinal(types.DomainTask, task.State) {
			pending = append(pending, fmt.Sprintf("%s (%s)", id, task.State))
		}
	}
	if len(pending) > 0 {
		return false, "tasks not validated: " + strings.Join(pending, ", ")
	}
	return true, ""
}

// recordActivity appends the transition to the owning session's log.
func (s *Service) recordActivity(ctx context.Context, tc *statemachine.Context) error {
	msg := fmt.Sprintf("%s %s: %s -> %s", tc.Domain, tc.EntityID, tc.From, tc.To)
	if sess, ok := tc.Entity.(*types.Session); ok {
		sess.Log(s.now().UTC(), "%s", msg)
		return nil
	}
	sid := tc.SessionID
	if task, ok := tc.Entity.(*types.Task); ok && task.Session != "" {
		sid = task.Session
	}
	if sid == "" {
		return nil
	}
	return s.updateSession(ctx, sid, tc.Actor, func(sess *types.Session) {
		sess.Log(s.now().UTC(), "%s", msg)
	})
}

// ensureQARecord creates the task's QA record in the initial QA state.
func (s *Service) ensureQARecord(_ context.Context, tc *statemachine.Context) error {
	task, err := s.taskOf(tc)
	if err != nil {
		return err
	}
	_, err = s.ensureQA(task, tc.Actor)
	return err
}

func (s *Service) ensureQA(task *types.Task, actor string) (*types.QARecord, error) {
	id := types.QAID(task.ID)
	qa, err := s.QA.Get(id)
	if err == nil {
		return qa, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	qa = &types.QARecord{ID: id, TaskID: task.ID, State: s.initial(types.DomainQA),
		Body: fmt.Sprintf("# QA: %s\n", task.Title)}
	if err := s.QA.Create(qa, s.actor(actor)); err != nil {
		return nil, err
	}
	debug.LogEvent("qa.create", id, "task="+task.ID)
	return qa, nil
}

// ensureRoundAction opens (or reuses) the active round and records its
// number on the QA record.
func (s *Service) ensureRoundAction(_ context.Context, tc *statemachine.Context) error {
	qa, ok := tc.Entity.(*types.QARecord)
	if !ok {
		return fmt.Errorf("%s: ensure_round needs a QA record", tc.EntityID)
	}
	round, err := s.Evidence.EnsureRound(qa.TaskID)
	if err != nil {
		return err
	}
	qa.Round = round
	return nil
}

// finalizeRound seals the task's bundle round and its mirrors under the
// cluster's round locks. A round that is already final is left alone.
func (s *Service) finalizeRound(ctx context.Context, tc *statemachine.Context) error {
	task, err := s.taskOf(tc)
	if err != nil {
		return err
	}
	root := bundle.ResolveRoot(task)
	return s.withClusterLocks(ctx, task, tc.SessionID, func(ctx context.Context) error {
		round, err := s.Evidence.LatestRound(root)
		if err != nil {
			return err
		}
		if round == 0 {
			return &evidence.MissingError{TaskID: root, Missing: []string{"round"}}
		}
		st, err := s.Evidence.RoundStatus(root, round)
		if err != nil {
			return err
		}
		if st == evidence.StatusFinal {
			return nil
		}
		_, err = s.Bundles.Finalize(ctx, root)
		return err
	})
}

func (s *Service) archiveWorktree(ctx context.Context, tc *statemachine.Context) error {
	sess, ok := tc.Entity.(*types.Session)
	if !ok {
		return fmt.Errorf("%s: archive_worktree needs a session", tc.EntityID)
	}
	if sess.WorktreePath == "" {
		return nil
	}
	if _, err := os.Stat(sess.WorktreePath); os.IsNotExist(err) {
		sess.ArchivedWorktree = true
		return nil
	}
	return s.Manager.Archive(ctx, sess, s.actor(tc.Actor))
}
