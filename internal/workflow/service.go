// Package workflow ties the state machines, repositories, locks, evidence,
// validators, bundles and sessions together into the use cases the CLI
// exposes. Every mutating operation runs under the lock scoped to what it
// touches.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/edisonflow/edison/internal/bundle"
	"github.com/edisonflow/edison/internal/config"
	"github.com/edisonflow/edison/internal/debug"
	"github.com/edisonflow/edison/internal/deps"
	"github.com/edisonflow/edison/internal/evidence"
	"github.com/edisonflow/edison/internal/git"
	"github.com/edisonflow/edison/internal/lockfile"
	"github.com/edisonflow/edison/internal/session"
	"github.com/edisonflow/edison/internal/statemachine"
	"github.com/edisonflow/edison/internal/storage"
	"github.com/edisonflow/edison/internal/types"
	"github.com/edisonflow/edison/internal/validator"
)

// Options configures a Service.
type Options struct {
	RepoRoot   string
	MgmtRoot   string
	Machines   statemachine.Config
	Validators []validator.Spec
	Locks      config.LockSettings
	Validation config.ValidationSettings
	Sessions   config.SessionSettings
	Tasks      config.TaskSettings
	// Engines replaces the default validator engines when non-empty.
	Engines []validator.Engine
	Actor   string
	Checker lockfile.ProcessChecker
}

// OptionsFromConfig reads Options from the loaded configuration.
func OptionsFromConfig() (Options, error) {
	var machines statemachine.Config
	if err := config.Decode(config.KeyStateMachine, &machines); err != nil {
		return Options{}, err
	}
	var specs []validator.Spec
	if config.IsSet(config.KeyValidators) {
		if err := config.Decode(config.KeyValidators, &specs); err != nil {
			return Options{}, err
		}
	}
	return Options{
		RepoRoot:   config.RepoRoot(),
		MgmtRoot:   config.ManagementRoot(),
		Machines:   machines,
		Validators: specs,
		Locks:      config.GetLockSettings(),
		Validation: config.GetValidationSettings(),
		Sessions:   config.GetSessionSettings(),
		Tasks:      config.GetTaskSettings(),
		Actor:      config.GetString(config.KeyActor),
	}, nil
}

// Service is the use-case façade.
type Service struct {
	opts Options

	Engine   *statemachine.Engine
	Tasks    *storage.TaskStore
	QA       *storage.QAStore
	Sessions *storage.SessionStore
	Evidence *evidence.Service
	Deps     *deps.Evaluator
	Bundles  *bundle.Aggregator
	Git      *git.Client
	Manager  *session.Manager
	Executor *validator.Executor
	Locks    *lockfile.Manager

	now func() time.Time
}

// New builds a Service. The state machine configuration is resolved against
// the built-in guards, conditions and actions; unknown names fail here.
func New(opts Options) (*Service, error) {
	s := &Service{opts: opts, Locks: lockfile.Default(), now: time.Now}

	reg := statemachine.NewRegistry()
	if err := s.register(reg); err != nil {
		return nil, err
	}
	engine, err := statemachine.New(opts.Machines, reg)
	if err != nil {
		return nil, err
	}
	s.Engine = engine
	for _, domain := range []string{types.DomainTask, types.DomainQA, types.DomainSession} {
		if _, err := engine.InitialState(domain); err != nil {
			return nil, fmt.Errorf("state machine configuration: %w", err)
		}
	}

	s.Tasks = storage.NewTaskStore(opts.MgmtRoot, engine.States(types.DomainTask))
	s.QA = storage.NewQAStore(opts.MgmtRoot, engine.States(types.DomainQA))
	s.Sessions = storage.NewSessionStore(opts.MgmtRoot, engine.States(types.DomainSession))
	s.Evidence = evidence.NewService(storage.EvidenceRoot(opts.MgmtRoot), opts.Validation.BundleFile)

	satisfying := opts.Tasks.SatisfyingStates
	if len(satisfying) == 0 {
		satisfying = engine.FinalStates(types.DomainTask)
	}
	todo := opts.Tasks.ReadyState
	if todo == "" {
		todo, _ = engine.InitialState(types.DomainTask)
	}
	s.Deps = &deps.Evaluator{Tasks: s.Tasks, TodoState: todo, Satisfying: satisfying}
	s.Bundles = &bundle.Aggregator{Tasks: s.Tasks, Evidence: s.Evidence}

	s.Git = git.New(opts.RepoRoot)
	if opts.Sessions.GitTimeout > 0 {
		s.Git.Timeout = opts.Sessions.GitTimeout
	}
	initial, _ := engine.InitialState(types.DomainSession)
	s.Manager = &session.Manager{
		Sessions:     s.Sessions,
		Git:          s.Git,
		Locks:        s.Locks,
		MgmtRoot:     opts.MgmtRoot,
		Settings:     opts.Sessions,
		LockOptions:  s.lockOptions(lockfile.Info{}),
		StaleAge:     opts.Locks.StaleAge,
		Checker:      opts.Checker,
		InitialState: initial,
	}

	engines := opts.Engines
	if len(engines) == 0 {
		engines = []validator.Engine{
			&validator.CLIEngine{},
			&validator.AnthropicEngine{DefaultModel: opts.Validation.Model},
			validator.DelegatedEngine{},
		}
	}
	s.Executor = &validator.Executor{
		Evidence:   s.Evidence,
		Engines:    validator.NewRegistry(engines...),
		MaxWorkers: opts.Validation.MaxWorkers,
		Timeout:    opts.Validation.ValidatorTimeout,
		WorkDir:    opts.RepoRoot,
	}
	return s, nil
}

// Actor returns the default actor recorded on writes.
func (s *Service) Actor() string {
	return s.opts.Actor
}

func (s *Service) actor(a string) string {
	if a != "" {
		return a
	}
	return s.opts.Actor
}

func (s *Service) lockOptions(info lockfile.Info) lockfile.Options {
	return lockfile.Options{
		Timeout:      s.opts.Locks.Timeout,
		PollInterval: s.opts.Locks.PollInterval,
		NFSSafe:      s.opts.Locks.NFSSafe,
		Info:         info,
	}
}

// withLock runs fn while holding "<purpose>:<id>".
func (s *Service) withLock(ctx context.Context, purpose, id, sessionID string, fn func() error) error {
	key := purpose + ":" + id
	info := lockfile.Info{TaskID: id, SessionID: sessionID, Purpose: purpose}
	return s.Locks.WithLock(ctx, lockfile.KeyPath(s.opts.MgmtRoot, key), s.lockOptions(info), fn)
}

// withTaskLocks runs fn while holding task:<id> for every id, acquired in
// sorted order.
func (s *Service) withTaskLocks(ctx context.Context, ids []string, sessionID string, fn func() error) error {
	return s.withLocks(ctx, "task", ids, sessionID, fn)
}

// withRoundLocks runs fn while holding qa_round:<id> for every id.
func (s *Service) withRoundLocks(ctx context.Context, ids []string, sessionID string, fn func() error) error {
	return s.withLocks(ctx, lockRound, ids, sessionID, fn)
}

func (s *Service) withLocks(ctx context.Context, purpose string, ids []string, sessionID string, fn func() error) error {
	targets := make([]string, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, lockfile.KeyPath(s.opts.MgmtRoot, purpose+":"+id))
	}
	multi, err := s.Locks.AcquireAll(ctx, targets, s.lockOptions(lockfile.Info{SessionID: sessionID, Purpose: purpose}))
	if err != nil {
		return err
	}
	defer func() {
		if rerr := multi.Release(); rerr != nil {
			debug.Logf("workflow: release %s locks: %v", purpose, rerr)
		}
	}()
	return fn()
}

func (s *Service) initial(domain string) string {
	st, _ := s.Engine.InitialState(domain)
	return st
}

func (s *Service) nonFinal(domain string) []string {
	var out []string
	for _, st := range s.Engine.States(domain) {
		if !s.Engine.IsFinal(domain, st) {
			out = append(out, st)
		}
	}
	return out
}
