package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edisonflow/edison/internal/bundle"
	"github.com/edisonflow/edison/internal/debug"
	"github.com/edisonflow/edison/internal/evidence"
	"github.com/edisonflow/edison/internal/statemachine"
	"github.com/edisonflow/edison/internal/storage"
	"github.com/edisonflow/edison/internal/types"
	"github.com/edisonflow/edison/internal/validator"
)

// ErrNotApproved is returned by callers that treat a rejected bundle as a
// failure.
var ErrNotApproved = errors.New("bundle not approved")

// Lock purposes for QA work. qa_validate serialises validator runs and
// verdicts for a task. qa_round guards every write into a task's rounds;
// operations that touch a bundle hold it for the whole round cluster.
const (
	lockValidate = "qa_validate"
	lockRound    = "qa_round"
)

type roundLocksKey struct{}

// withRoundsHeld marks ctx as running under the round locks of a cluster.
func withRoundsHeld(ctx context.Context) context.Context {
	return context.WithValue(ctx, roundLocksKey{}, true)
}

func roundsHeld(ctx context.Context) bool {
	held, _ := ctx.Value(roundLocksKey{}).(bool)
	return held
}

// roundCluster returns the tasks whose rounds a bundle operation on task may
// write: the task, its bundle root, the root's hierarchy and the members
// named by the root's latest summary.
func (s *Service) roundCluster(ctx context.Context, task *types.Task) ([]string, error) {
	root := bundle.ResolveRoot(task)
	ids := []string{task.ID, root}
	if s.Tasks.Exists(root) {
		members, err := s.Bundles.Members(ctx, root, bundle.ScopeHierarchy)
		if err != nil {
			return nil, err
		}
		ids = append(ids, members...)
	}
	if round, err := s.Evidence.LatestRound(root); err == nil && round > 0 {
		if b, err := s.Evidence.ReadBundle(root, round); err == nil {
			ids = append(ids, b.TaskIDs()...)
		}
	}
	return ids, nil
}

// withClusterLocks runs fn holding the round locks of task's cluster.
func (s *Service) withClusterLocks(ctx context.Context, task *types.Task, sessionID string, fn func(context.Context) error) error {
	if roundsHeld(ctx) {
		return fn(ctx)
	}
	ids, err := s.roundCluster(ctx, task)
	if err != nil {
		return err
	}
	return s.withRoundLocks(ctx, ids, sessionID, func() error {
		return fn(withRoundsHeld(ctx))
	})
}

// sessionFor returns the session named by id, falling back to the task's
// claiming session. A missing session is not an error.
func (s *Service) sessionFor(task *types.Task, id string) (*types.Session, error) {
	if id == "" && task != nil {
		id = task.Session
	}
	if id == "" {
		return nil, nil
	}
	sess, err := s.Sessions.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		debug.Logf("workflow: session %s not found, diffing the repository checkout", id)
		return nil, nil
	}
	return sess, err
}

// rosterFor builds the validator roster for task from its primary files,
// the files listed in its latest implementation report and the session diff.
func (s *Service) rosterFor(ctx context.Context, task *types.Task, sessionID string) (*validator.ExecutionRoster, error) {
	sess, err := s.sessionFor(task, sessionID)
	if err != nil {
		return nil, err
	}
	var extra []string
	if round, err := s.Evidence.LatestRound(task.ID); err == nil && round > 0 {
		if impl, err := s.Evidence.ReadImplementationReport(task.ID, round); err == nil {
			extra = impl.FilesChanged
		}
	}
	files, err := validator.CandidateFiles(ctx, task, sess, s.Git, validator.CandidateOptions{
		Dir:         s.opts.RepoRoot,
		DefaultBase: s.opts.Sessions.BaseBranch,
		Extra:       extra,
	})
	if err != nil {
		return nil, err
	}
	return validator.BuildRoster(s.opts.Validators, s.withoutManagementFiles(files))
}

// withoutManagementFiles drops paths under the management root, which show
// up as untracked files when the repository checkout itself is diffed.
func (s *Service) withoutManagementFiles(files []string) []string {
	rel, err := filepath.Rel(s.opts.RepoRoot, s.opts.MgmtRoot)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return files
	}
	prefix := filepath.ToSlash(rel) + "/"
	out := files[:0]
	for _, f := range files {
		if !strings.HasPrefix(f, prefix) {
			out = append(out, f)
		}
	}
	return out
}

// RosterView is a roster grouped into waves.
type RosterView struct {
	TaskID string                     `json:"task_id"`
	Roster *validator.ExecutionRoster `json:"roster"`
	Waves  []validator.Wave           `json:"waves"`
}

// Roster returns the validators that apply to a task.
func (s *Service) Roster(ctx context.Context, taskID, sessionID string) (*RosterView, error) {
	task, err := s.Tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	roster, err := s.rosterFor(ctx, task, sessionID)
	if err != nil {
		return nil, err
	}
	return &RosterView{TaskID: taskID, Roster: roster, Waves: validator.GroupWaves(roster, s.opts.Validation.Waves)}, nil
}

// RoundInfo describes the round a QA operation acted on.
type RoundInfo struct {
	TaskID string          `json:"task_id"`
	Round  int             `json:"round"`
	Status evidence.Status `json:"status"`
	Opened bool            `json:"opened,omitempty"`
}

// PrepareRound returns the task's active round, opening one when there is
// none. With fresh set it insists on opening a new round and fails while a
// draft round is active. The round number is recorded on the QA record.
func (s *Service) PrepareRound(ctx context.Context, taskID string, fresh bool, actor string) (*RoundInfo, error) {
	task, err := s.Tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	info := &RoundInfo{TaskID: taskID, Status: evidence.StatusDraft}
	err = s.withLock(ctx, lockRound, taskID, task.Session, func() error {
		before, err := s.Evidence.LatestRound(taskID)
		if err != nil {
			return err
		}
		if fresh {
			info.Round, err = s.Evidence.NewRound(taskID)
		} else {
			info.Round, err = s.Evidence.EnsureRound(taskID)
		}
		if err != nil {
			return err
		}
		info.Opened = info.Round != before
		qa, err := s.ensureQA(task, actor)
		if err != nil {
			return err
		}
		if qa.Round != info.Round {
			qa.Round = info.Round
			return s.QA.Save(qa, s.actor(actor))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// PromoteRound seals the latest round of the task's bundle root and the
// mirrors written from it.
func (s *Service) PromoteRound(ctx context.Context, taskID string) (*evidence.BundleSummary, error) {
	task, err := s.Tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	root := bundle.ResolveRoot(task)
	var sum *evidence.BundleSummary
	err = s.withClusterLocks(ctx, task, task.Session, func(ctx context.Context) error {
		sum, err = s.Bundles.Finalize(ctx, root)
		return err
	})
	return sum, err
}

// RoundView is everything recorded for one round.
type RoundView struct {
	TaskID         string                         `json:"task_id"`
	Round          int                            `json:"round"`
	Rounds         []int                          `json:"rounds"`
	Status         evidence.Status                `json:"status"`
	Implementation *evidence.ImplementationReport `json:"implementation,omitempty"`
	Reports        []evidence.ValidatorReport     `json:"reports,omitempty"`
	Bundle         *evidence.BundleSummary        `json:"bundle,omitempty"`
}

// RoundStatus returns a round's status, reports and bundle. Round 0 means
// the latest round.
func (s *Service) RoundStatus(_ context.Context, taskID string, round int) (*RoundView, error) {
	if !s.Tasks.Exists(taskID) {
		return nil, fmt.Errorf("task %s: %w", taskID, storage.ErrNotFound)
	}
	rounds, err := s.Evidence.Rounds(taskID)
	if err != nil {
		return nil, err
	}
	if round == 0 && len(rounds) > 0 {
		round = rounds[len(rounds)-1]
	}
	v := &RoundView{TaskID: taskID, Round: round, Rounds: rounds}
	if round == 0 {
		return v, nil
	}
	if v.Status, err = s.Evidence.RoundStatus(taskID, round); err != nil {
		return nil, err
	}
	if impl, err := s.Evidence.ReadImplementationReport(taskID, round); err == nil {
		v.Implementation = impl
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if v.Reports, err = s.Evidence.ReadValidatorReports(taskID, round); err != nil {
		return nil, err
	}
	if b, err := s.Evidence.ReadBundle(taskID, round); err == nil {
		v.Bundle = b
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return v, nil
}

// ImplementationInput is the author's report for the active round.
type ImplementationInput struct {
	TaskID       string
	SessionID    string
	Summary      string
	FilesChanged []string
	Notes        string
	Actor        string
}

// SubmitImplementationReport writes the implementation report into the
// active round, opening one when needed.
func (s *Service) SubmitImplementationReport(ctx context.Context, in ImplementationInput) (*evidence.ImplementationReport, error) {
	task, err := s.Tasks.Get(in.TaskID)
	if err != nil {
		return nil, err
	}
	sid := in.SessionID
	if sid == "" {
		sid = task.Session
	}
	report := &evidence.ImplementationReport{
		TaskID:       task.ID,
		Author:       s.actor(in.Actor),
		SessionID:    sid,
		Summary:      in.Summary,
		FilesChanged: in.FilesChanged,
	}
	err = s.withLock(ctx, lockRound, task.ID, sid, func() error {
		if report.Round, err = s.Evidence.EnsureRound(task.ID); err != nil {
			return err
		}
		return s.Evidence.WriteImplementationReport(report, in.Notes)
	})
	if err != nil {
		return nil, err
	}
	debug.LogEventWithContext("qa.implementation", task.ID, report.Author, sid, fmt.Sprintf("round=%d files=%d", report.Round, len(report.FilesChanged)))
	return report, nil
}

// VerdictInput is a verdict recorded on behalf of a delegated validator.
type VerdictInput struct {
	TaskID      string
	ValidatorID string
	Verdict     evidence.Verdict
	Summary     string
	Findings    []string
	Model       string
	Actor       string
}

// SubmitVerdict records a validator verdict in the task's active round.
func (s *Service) SubmitVerdict(ctx context.Context, in VerdictInput) (*evidence.ValidatorReport, error) {
	spec, ok := s.validatorSpec(in.ValidatorID)
	if !ok {
		return nil, fmt.Errorf("unknown validator %q", in.ValidatorID)
	}
	if !in.Verdict.IsValid() {
		return nil, fmt.Errorf("invalid verdict %q", in.Verdict)
	}
	task, err := s.Tasks.Get(in.TaskID)
	if err != nil {
		return nil, err
	}
	report := &evidence.ValidatorReport{
		TaskID:      task.ID,
		ValidatorID: spec.ID,
		Engine:      spec.Engine,
		Model:       in.Model,
		Blocking:    spec.Blocking,
		Verdict:     in.Verdict,
		Summary:     in.Summary,
		Findings:    in.Findings,
	}
	err = s.withLock(ctx, lockValidate, task.ID, task.Session, func() error {
		return s.withLock(ctx, lockRound, task.ID, task.Session, func() error {
			round, active, err := s.Evidence.ActiveRound(task.ID)
			if err != nil {
				return err
			}
			if !active {
				return fmt.Errorf("task %s has no active round: %w", task.ID, evidence.ErrNoRound)
			}
			report.Round = round
			if prev, err := s.Evidence.ReadValidatorReport(task.ID, round, spec.ID); err == nil {
				report.StartedAt = prev.StartedAt
			}
			if report.StartedAt.IsZero() {
				report.StartedAt = s.now().UTC()
			}
			return s.Evidence.WriteValidatorReport(report)
		})
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Service) validatorSpec(id string) (validator.Spec, bool) {
	for _, spec := range s.opts.Validators {
		if spec.ID == id {
			return spec, true
		}
	}
	return validator.Spec{}, false
}

// ValidateRequest configures Validate.
type ValidateRequest struct {
	TaskID    string
	Scope     string
	SessionID string
	// Execute runs the roster before aggregating. Without it the existing
	// reports are aggregated as they are.
	Execute bool
	// DryRun plans the run without writing anything.
	DryRun bool
	// Wave restricts execution to one wave.
	Wave              string
	Sequential        bool
	Rerun             bool
	ContinueOnFailure bool
	Actor             string
}

// ValidateResult is the outcome of Validate.
type ValidateResult struct {
	TaskID    string                     `json:"task_id"`
	RootTask  string                     `json:"root_task"`
	Scope     bundle.Scope               `json:"scope"`
	Round     int                        `json:"round"`
	DryRun    bool                       `json:"dry_run,omitempty"`
	Members   []string                   `json:"members"`
	Roster    *validator.ExecutionRoster `json:"roster"`
	Waves     []validator.Wave           `json:"waves"`
	Execution *validator.ExecutionResult `json:"execution,omitempty"`
	Bundle    *evidence.BundleSummary    `json:"bundle,omitempty"`
	// Sealed is set when the latest round was already final and Bundle is
	// its stored summary.
	Sealed bool `json:"sealed,omitempty"`
}

// Validate runs (or checks) the validator roster of a task's bundle root
// and writes the bundle summary for the cluster. It works on the root's
// active round and never opens one. Checking a final round returns its
// sealed summary untouched. A rejected bundle is not an error; callers
// inspect Bundle.Approved.
func (s *Service) Validate(ctx context.Context, req ValidateRequest) (*ValidateResult, error) {
	scope, err := bundle.ParseScope(req.Scope)
	if err != nil {
		return nil, err
	}
	task, err := s.Tasks.Get(req.TaskID)
	if err != nil {
		return nil, err
	}
	root := task
	if scope != bundle.ScopeSingle {
		if id := bundle.ResolveRoot(task); id != task.ID {
			if root, err = s.Tasks.Get(id); err != nil {
				return nil, fmt.Errorf("bundle root %s: %w", id, err)
			}
		}
	}
	sid := req.SessionID
	if sid == "" {
		sid = root.Session
	}

	roster, err := s.rosterFor(ctx, root, sid)
	if err != nil {
		return nil, err
	}
	waves := validator.FilterWave(validator.GroupWaves(roster, s.opts.Validation.Waves), req.Wave)
	if req.Wave != "" && len(waves) == 0 {
		return nil, fmt.Errorf("no validators in wave %q for task %s", req.Wave, root.ID)
	}
	members, err := s.Bundles.Members(ctx, root.ID, scope)
	if err != nil {
		return nil, err
	}
	res := &ValidateResult{
		TaskID: task.ID, RootTask: root.ID, Scope: scope, DryRun: req.DryRun,
		Members: members, Roster: roster, Waves: waves,
	}
	if req.DryRun {
		res.Round, err = s.Evidence.LatestRound(root.ID)
		return res, err
	}

	cluster, err := s.roundCluster(ctx, root)
	if err != nil {
		return nil, err
	}
	err = s.withLock(ctx, lockValidate, root.ID, sid, func() error {
		return s.withRoundLocks(ctx, cluster, sid, func() error {
			return s.validateRound(ctx, req, root, sid, res)
		})
	})
	if err != nil {
		return nil, err
	}
	debug.LogEventWithContext("qa.validate", root.ID, s.actor(req.Actor), sid,
		fmt.Sprintf("round=%d scope=%s execute=%t approved=%t", res.Round, scope, req.Execute, res.Bundle.Approved))
	return res, nil
}

// validateRound does the locked part of Validate.
func (s *Service) validateRound(ctx context.Context, req ValidateRequest, root *types.Task, sid string, res *ValidateResult) error {
	round, active, err := s.Evidence.ActiveRound(root.ID)
	if err != nil {
		return err
	}
	res.Round = round
	if !active && round > 0 {
		if req.Execute {
			return fmt.Errorf("task %s round %d is final, prepare a new round first: %w", root.ID, round, evidence.ErrRoundFinalized)
		}
		b, err := s.Evidence.ReadBundle(root.ID, round)
		if err != nil {
			return err
		}
		res.Bundle, res.Sealed = b, true
		return nil
	}
	if err := s.Evidence.MissingEvidence(root.ID, round, s.requiredEvidence()); err != nil {
		return err
	}

	if req.Execute {
		summary := ""
		if impl, err := s.Evidence.ReadImplementationReport(root.ID, round); err == nil {
			summary = impl.Summary
		}
		res.Execution, err = s.Executor.Execute(ctx, validator.Plan{
			TaskID:            root.ID,
			SessionID:         sid,
			Round:             round,
			Waves:             res.Waves,
			Parallel:          !req.Sequential,
			Files:             res.Roster.Files,
			Summary:           summary,
			Rerun:             req.Rerun,
			ContinueOnFailure: req.ContinueOnFailure,
		})
		if err != nil {
			return err
		}
	}

	sum, err := s.Bundles.Aggregate(ctx, root.ID, res.Scope, res.Roster.Blocking())
	if err != nil {
		return err
	}
	if err := s.Bundles.Write(ctx, sum); err != nil {
		return err
	}
	res.Bundle = sum
	return nil
}

func (s *Service) requiredEvidence() []string {
	if len(s.opts.Validation.RequiredEvidence) > 0 {
		return s.opts.Validation.RequiredEvidence
	}
	return []string{evidence.ImplementationReportFile}
}

// TransitionQA moves a task's QA record to req.To. req.ID is the task id.
// Actions run under the round locks of the task's cluster.
func (s *Service) TransitionQA(ctx context.Context, req TransitionRequest) (*statemachine.Outcome, error) {
	task, err := s.Tasks.Get(req.ID)
	if err != nil {
		return nil, err
	}
	var out *statemachine.Outcome
	err = s.withClusterLocks(ctx, task, req.SessionID, func(ctx context.Context) error {
		qa, err := s.QA.Get(types.QAID(req.ID))
		if err != nil {
			return err
		}
		actor := s.actor(req.Actor)
		tc := &statemachine.Context{EntityID: qa.ID, Actor: actor, SessionID: req.SessionID, Entity: qa}
		out, err = s.Engine.Transition(ctx, types.DomainQA, qa.State, req.To, tc, func(context.Context) error {
			return s.QA.Relocate(qa, req.To, actor)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
