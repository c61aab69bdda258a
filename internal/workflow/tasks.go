package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/edisonflow/edison/internal/debug"
	"github.com/edisonflow/edison/internal/deps"
	"github.com/edisonflow/edison/internal/idgen"
	"github.com/edisonflow/edison/internal/statemachine"
	"github.com/edisonflow/edison/internal/storage"
	"github.com/edisonflow/edison/internal/types"
)

// Conventional state names used by the task and QA shortcuts. Generic
// transitions accept any configured state.
const (
	ClaimState   = "wip"
	DoneState    = "done"
	QAReadyState = "todo"
)

// TaskInput describes a new task.
type TaskInput struct {
	ID           string
	Title        string
	Body         string
	DependsOn    []string
	PrimaryFiles []string
	Parent       string
	BundleRoot   string
	Session      string
	Actor        string
}

// CreateTask stores a new task in the initial task state.
func (s *Service) CreateTask(ctx context.Context, in TaskInput) (*types.Task, error) {
	task := &types.Task{
		ID:           strings.TrimSpace(in.ID),
		Title:        strings.TrimSpace(in.Title),
		State:        s.initial(types.DomainTask),
		PrimaryFiles: in.PrimaryFiles,
		Session:      in.Session,
		Body:         in.Body,
	}
	for _, d := range in.DependsOn {
		task.AddRelationship(types.RelDependsOn, d)
	}
	if in.Parent != "" {
		task.AddRelationship(types.RelParent, in.Parent)
	}
	if in.BundleRoot != "" {
		task.AddRelationship(types.RelBundleRoot, in.BundleRoot)
	}
	if task.ID == "" {
		id, err := s.nextTaskID(task.Title)
		if err != nil {
			return nil, err
		}
		task.ID = id
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	err := s.withLock(ctx, "task", task.ID, in.Session, func() error {
		if in.Session != "" {
			if _, err := s.Sessions.Get(in.Session); err != nil {
				return fmt.Errorf("session %s: %w", in.Session, err)
			}
		}
		if err := s.Tasks.Create(task, s.actor(in.Actor)); err != nil {
			return err
		}
		if in.Session != "" {
			return s.updateSession(ctx, in.Session, in.Actor, func(sess *types.Session) {
				sess.AddTask(task.ID)
				sess.Log(s.now().UTC(), "task %s created", task.ID)
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	debug.LogEventWithContext("task.create", task.ID, s.actor(in.Actor), in.Session, task.Title)
	return task, nil
}

func (s *Service) nextTaskID(title string) (string, error) {
	if title == "" {
		return "", fmt.Errorf("task needs an id or a title")
	}
	all, err := s.Tasks.List()
	if err != nil {
		return "", err
	}
	ids := make([]string, 0, len(all))
	for _, t := range all {
		ids = append(ids, t.ID)
	}
	return idgen.NextTaskID(title, ids), nil
}

// updateSession applies fn to a session under its lock and saves it.
func (s *Service) updateSession(ctx context.Context, id, actor string, fn func(*types.Session)) error {
	return s.withLock(ctx, "session", id, id, func() error {
		sess, err := s.Sessions.Get(id)
		if err != nil {
			return err
		}
		fn(sess)
		return s.Sessions.Save(sess, s.actor(actor))
	})
}

// TaskView is a task with its derived status.
type TaskView struct {
	Task      *types.Task     `json:"task"`
	Readiness deps.Readiness  `json:"readiness"`
	Allowed   []string        `json:"allowed_transitions"`
	QA        *types.QARecord `json:"qa,omitempty"`
	Rounds    []int           `json:"rounds,omitempty"`
}

// ShowTask returns a task with its readiness, next states and QA status.
func (s *Service) ShowTask(ctx context.Context, id string) (*TaskView, error) {
	task, err := s.Tasks.Get(id)
	if err != nil {
		return nil, err
	}
	r, err := s.Deps.Evaluate(ctx, task)
	if err != nil {
		return nil, err
	}
	v := &TaskView{Task: task, Readiness: r, Allowed: s.Engine.AllowedTargets(types.DomainTask, task.State)}
	if qa, err := s.QA.Get(types.QAID(id)); err == nil {
		v.QA = qa
	}
	if v.Rounds, err = s.Evidence.Rounds(id); err != nil {
		return nil, err
	}
	return v, nil
}

// ListTasks returns tasks in the given states (all when empty), optionally
// restricted to one session.
func (s *Service) ListTasks(_ context.Context, sessionID string, states ...string) ([]*types.Task, error) {
	for _, st := range states {
		if !s.Engine.HasState(types.DomainTask, st) {
			return nil, fmt.Errorf("unknown task state %q (known: %s)", st,
				strings.Join(s.Engine.States(types.DomainTask), ", "))
		}
	}
	tasks, err := s.Tasks.List(states...)
	if err != nil || sessionID == "" {
		return tasks, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.Session == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

// TransitionRequest asks to move a record to another state.
type TransitionRequest struct {
	ID        string
	To        string
	SessionID string
	Actor     string
}

// TransitionTask moves a task to req.To under its lock. Completing a task
// also moves its QA record out of the waiting state when allowed.
func (s *Service) TransitionTask(ctx context.Context, req TransitionRequest) (*statemachine.Outcome, error) {
	var out *statemachine.Outcome
	err := s.withLock(ctx, "task", req.ID, req.SessionID, func() error {
		task, err := s.Tasks.Get(req.ID)
		if err != nil {
			return err
		}
		out, err = s.transitionTask(ctx, task, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if req.To == DoneState {
		out.Warnings = append(out.Warnings, s.advanceQA(ctx, req.ID, req.Actor)...)
	}
	return out, nil
}

func (s *Service) transitionTask(ctx context.Context, task *types.Task, req TransitionRequest) (*statemachine.Outcome, error) {
	actor := s.actor(req.Actor)
	tc := &statemachine.Context{
		EntityID: task.ID, Actor: actor, SessionID: req.SessionID, Entity: task,
	}
	return s.Engine.Transition(ctx, types.DomainTask, task.State, req.To, tc, func(context.Context) error {
		return s.Tasks.Relocate(task, req.To, actor)
	})
}

// advanceQA moves the task's QA record to QAReadyState when the QA machine
// allows it from its current state. Failures are returned as warnings.
func (s *Service) advanceQA(ctx context.Context, taskID, actor string) []string {
	qa, err := s.QA.Get(types.QAID(taskID))
	if err != nil {
		return []string{fmt.Sprintf("qa record for %s: %v", taskID, err)}
	}
	if !slices.Contains(s.Engine.AllowedTargets(types.DomainQA, qa.State), QAReadyState) {
		return nil
	}
	out, err := s.TransitionQA(ctx, TransitionRequest{ID: taskID, To: QAReadyState, Actor: actor})
	if err != nil {
		return []string{fmt.Sprintf("qa %s not advanced: %v", qa.ID, err)}
	}
	return out.Warnings
}

// ClaimTask assigns a task to a session and moves it to to (ClaimState when
// empty). The claim is only persisted when the transition succeeds.
func (s *Service) ClaimTask(ctx context.Context, id, sessionID, to, actor string) (*statemachine.Outcome, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("claiming %s requires a session", id)
	}
	if to == "" {
		to = ClaimState
	}
	sess, err := s.Sessions.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	if s.Engine.IsFinal(types.DomainSession, sess.State) {
		return nil, fmt.Errorf("session %s is %s", sessionID, sess.State)
	}

	var out *statemachine.Outcome
	err = s.withLock(ctx, "task", id, sessionID, func() error {
		task, err := s.Tasks.Get(id)
		if err != nil {
			return err
		}
		if task.Session != "" && task.Session != sessionID {
			return fmt.Errorf("task %s is already claimed by session %s", id, task.Session)
		}
		if task.State == to && task.Session == sessionID {
			out = &statemachine.Outcome{Domain: types.DomainTask, EntityID: id, From: to, To: to}
			return nil
		}
		prev := task.Session
		task.Session = sessionID
		out, err = s.transitionTask(ctx, task, TransitionRequest{ID: id, To: to, SessionID: sessionID, Actor: actor})
		if err != nil {
			task.Session = prev
			return err
		}
		return s.updateSession(ctx, sessionID, actor, func(sess *types.Session) {
			sess.AddTask(id)
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BlockedReport lists blocked tasks and any dependency cycles.
type BlockedReport struct {
	Blocked []deps.Readiness `json:"blocked"`
	Cycles  [][]string       `json:"cycles,omitempty"`
}

// ReadyTasks returns todo tasks whose dependencies are satisfied.
func (s *Service) ReadyTasks(ctx context.Context, sessionID string) ([]deps.Readiness, error) {
	return s.Deps.ListReady(ctx, sessionID)
}

// BlockedTasks returns todo tasks with unmet dependencies plus every
// depends_on cycle.
func (s *Service) BlockedTasks(ctx context.Context, sessionID string) (*BlockedReport, error) {
	blocked, err := s.Deps.ListBlocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	all, err := s.Tasks.List()
	if err != nil {
		return nil, err
	}
	return &BlockedReport{Blocked: blocked, Cycles: deps.FindCycles(all)}, nil
}

// LinkTasks adds a typed edge from id to target. parent and child edges are
// mirrored on the target. Both tasks are locked.
func (s *Service) LinkTasks(ctx context.Context, id string, rel types.RelationType, target, actor string) (*types.Task, error) {
	if !rel.IsValid() {
		return nil, fmt.Errorf("invalid relationship type: %s", rel)
	}
	if id == target {
		return nil, fmt.Errorf("task %s cannot have a %s edge to itself", id, rel)
	}
	var task *types.Task
	err := s.withTaskLocks(ctx, []string{id, target}, "", func() error {
		var err error
		if task, err = s.Tasks.Get(id); err != nil {
			return err
		}
		other, err := s.Tasks.Get(target)
		if err != nil {
			return fmt.Errorf("link target %s: %w", target, err)
		}
		changed := task.AddRelationship(rel, target)
		var inverse types.RelationType
		switch rel {
		case types.RelParent:
			inverse = types.RelChild
		case types.RelChild:
			inverse = types.RelParent
		}
		if changed {
			if err := s.Tasks.Save(task, s.actor(actor)); err != nil {
				return err
			}
		}
		if inverse != "" && other.AddRelationship(inverse, id) {
			return s.Tasks.Save(other, s.actor(actor))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	debug.LogEvent("task.link", id, fmt.Sprintf("%s %s", rel, target))
	return task, nil
}

// ExplainBlocked returns a deps.UnmetError for the task's unmet
// dependencies, or nil.
func (s *Service) ExplainBlocked(ctx context.Context, id string) error {
	task, err := s.Tasks.Get(id)
	if err != nil {
		return err
	}
	return s.Deps.Explain(ctx, task)
}

// VerifyRecords audits every repository for duplicate ids and directory
// drift.
func (s *Service) VerifyRecords() ([]storage.Finding, error) {
	var all []storage.Finding
	var errs []error
	tasks, err := s.Tasks.Verify()
	all, errs = append(all, tasks...), append(errs, err)
	qa, err := s.QA.Verify(storage.EvidenceDir)
	all, errs = append(all, qa...), append(errs, err)
	return all, errors.Join(errs...)
}
