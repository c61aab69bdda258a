package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edisonflow/edison/internal/deps"
	"github.com/edisonflow/edison/internal/statemachine"
	"github.com/edisonflow/edison/internal/types"
	"github.com/edisonflow/edison/internal/ui"
	"github.com/edisonflow/edison/internal/workflow"
)

func (a *app) taskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "task",
		Short:   "Create, inspect and move tasks",
		GroupID: "work",
	}
	cmd.AddCommand(
		a.taskCreateCommand(),
		a.taskShowCommand(),
		a.taskListCommand(),
		a.taskStatusCommand(),
		a.taskClaimCommand(),
		a.taskDoneCommand(),
		a.taskReadyCommand(),
		a.taskBlockedCommand(),
		a.taskLinkCommand(),
	)
	return cmd
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// checkWorktree enforces that session-scoped mutations run inside the
// session's worktree when enforcement is configured.
func (a *app) checkWorktree(cmd *cobra.Command, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	return a.svc.CheckWorktree(cmd.Context(), sessionID, cwd)
}

func (a *app) taskCreateCommand() *cobra.Command {
	var in workflow.TaskInput
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task in the initial state",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Title = args[0]
			in.Actor = a.actor
			task, err := a.svc.CreateTask(cmd.Context(), in)
			if err != nil {
				return err
			}
			a.emit(task, nil, func() {
				a.printf("%s Created task %s: %s\n", ui.RenderPass(ui.IconPass), task.ID, task.Title)
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "Task id (default: generated from the title)")
	cmd.Flags().StringVarP(&in.Body, "body", "d", "", "Markdown body")
	cmd.Flags().StringSliceVar(&in.DependsOn, "depends-on", nil, "Ids this task depends on")
	cmd.Flags().StringSliceVar(&in.PrimaryFiles, "primary-file", nil, "Files the task is expected to touch")
	cmd.Flags().StringVar(&in.Parent, "parent", "", "Parent task id")
	cmd.Flags().StringVar(&in.BundleRoot, "bundle-root", "", "Task whose rounds validate this one")
	cmd.Flags().StringVar(&in.Session, "session", "", "Owning session")
	return cmd
}

func (a *app) taskShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task with its readiness and QA status",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.svc.ShowTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.emit(v, nil, func() { a.printTaskView(v) })
			return nil
		},
	}
}

func (a *app) printTaskView(v *workflow.TaskView) {
	t := v.Task
	a.printf("%s %s\n", ui.RenderAccent(t.ID), t.Title)
	a.printf("  state:    %s\n", ui.RenderState(t.State, a.svc.Engine.IsFinal(types.DomainTask, t.State)))
	if t.Session != "" {
		a.printf("  session:  %s\n", t.Session)
	}
	if len(t.DependsOn) > 0 {
		a.printf("  depends:  %s\n", strings.Join(t.DependsOn, ", "))
	}
	for _, r := range t.Relationships {
		if r.Type != types.RelDependsOn {
			a.printf("  %-9s %s\n", string(r.Type)+":", r.Target)
		}
	}
	if t.State == v.Readiness.State && len(v.Readiness.BlockedBy) > 0 {
		a.printf("  %s\n", ui.RenderReady(false))
		for _, u := range v.Readiness.BlockedBy {
			a.printf("    - %s\n", u)
		}
	}
	if len(v.Allowed) > 0 {
		a.printf("  next:     %s\n", ui.RenderMuted(strings.Join(v.Allowed, ", ")))
	}
	if v.QA != nil {
		a.printf("  qa:       %s (%s)\n", v.QA.ID, v.QA.State)
	}
	if len(v.Rounds) > 0 {
		a.printf("  rounds:   %d\n", v.Rounds[len(v.Rounds)-1])
	}
	if body := strings.TrimSpace(t.Body); body != "" {
		a.printf("\n%s\n", ui.Indent(ui.WrapText(body, ui.TerminalWidth(100)-2), "  "))
	}
}

func (a *app) taskListCommand() *cobra.Command {
	var (
		states    []string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := a.svc.ListTasks(cmd.Context(), sessionID, states...)
			if err != nil {
				return err
			}
			if tasks == nil {
				tasks = []*types.Task{}
			}
			a.emit(tasks, nil, func() {
				if len(tasks) == 0 {
					a.printf("No tasks found.\n")
					return
				}
				rows := make([][]string, 0, len(tasks))
				for _, t := range tasks {
					final := a.svc.Engine.IsFinal(types.DomainTask, t.State)
					rows = append(rows, []string{t.ID, ui.RenderState(t.State, final), t.Session, ui.Truncate(t.Title, 60)})
				}
				a.printf("%s", ui.Table([]string{"id", "state", "session", "title"}, rows))
			})
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "Only tasks in these states")
	cmd.Flags().StringVar(&sessionID, "session", "", "Only tasks owned by this session")
	return cmd
}

func (a *app) printOutcome(out *statemachine.Outcome) {
	a.printf("%s %s %s: %s -> %s\n", ui.RenderPass(ui.IconPass), out.Domain, out.EntityID, out.From, out.To)
}

func (a *app) taskStatusCommand() *cobra.Command {
	var (
		to        string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a task's state, or move it with --to",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				v, err := a.svc.ShowTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				a.emit(v, nil, func() { a.printTaskView(v) })
				return nil
			}
			if err := a.checkWorktree(cmd, sessionID); err != nil {
				return err
			}
			out, err := a.svc.TransitionTask(cmd.Context(), workflow.TransitionRequest{ID: args[0], To: to, SessionID: sessionID, Actor: a.actor})
			if err != nil {
				return err
			}
			a.emit(out, out.Warnings, func() { a.printOutcome(out) })
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Target state")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session performing the transition")
	return cmd
}

func (a *app) taskClaimCommand() *cobra.Command {
	var (
		to        string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a task for a session and start it",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return usageErrorf("--session is required")
			}
			if err := a.checkWorktree(cmd, sessionID); err != nil {
				return err
			}
			out, err := a.svc.ClaimTask(cmd.Context(), args[0], sessionID, to, a.actor)
			if err != nil {
				return err
			}
			a.emit(out, out.Warnings, func() { a.printOutcome(out) })
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Claiming session")
	cmd.Flags().StringVar(&to, "to", "", "Target state (default: "+workflow.ClaimState+")")
	return cmd
}

func (a *app) taskDoneCommand() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a task done and hand it to QA",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.checkWorktree(cmd, sessionID); err != nil {
				return err
			}
			out, err := a.svc.TransitionTask(cmd.Context(), workflow.TransitionRequest{
				ID: args[0], To: workflow.DoneState, SessionID: sessionID, Actor: a.actor,
			})
			if err != nil {
				return err
			}
			a.emit(out, out.Warnings, func() { a.printOutcome(out) })
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session completing the task")
	return cmd
}

func (a *app) printReadiness(items []deps.Readiness) {
	for _, r := range items {
		a.printf("%s  %s\n", ui.RenderReady(r.Ready), r.TaskID)
		for _, u := range r.BlockedBy {
			a.printf("    - %s\n", u)
		}
	}
}

func (a *app) taskReadyCommand() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "List todo tasks whose dependencies are satisfied",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ready, err := a.svc.ReadyTasks(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			if ready == nil {
				ready = []deps.Readiness{}
			}
			a.emit(ready, nil, func() {
				if len(ready) == 0 {
					a.printf("No ready tasks.\n")
					return
				}
				a.printReadiness(ready)
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Only tasks owned by this session")
	return cmd
}

func (a *app) taskBlockedCommand() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "blocked [id]",
		Short: "List blocked tasks, or explain why one task is blocked",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := a.svc.ExplainBlocked(cmd.Context(), args[0]); err != nil {
					return err
				}
				a.emit(map[string]interface{}{"task_id": args[0], "ready": true}, nil, func() {
					a.printf("%s %s has no unmet dependencies\n", ui.RenderPass(ui.IconPass), args[0])
				})
				return nil
			}
			report, err := a.svc.BlockedTasks(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			if report.Blocked == nil {
				report.Blocked = []deps.Readiness{}
			}
			a.emit(report, nil, func() {
				if len(report.Blocked) == 0 {
					a.printf("No blocked tasks.\n")
				}
				a.printReadiness(report.Blocked)
				for _, c := range report.Cycles {
					a.printf("%s dependency cycle: %s\n", ui.RenderWarn(ui.IconWarn), strings.Join(c, " -> "))
				}
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Only tasks owned by this session")
	return cmd
}

func (a *app) taskLinkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "link <id> <relation> <target>",
		Short: "Add a typed relationship between two tasks",
		Long: fmt.Sprintf("Relations: %s, %s, %s, %s, %s, %s.",
			types.RelParent, types.RelChild, types.RelDependsOn, types.RelBlocks, types.RelRelated, types.RelBundleRoot),
		Args: exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rel := types.RelationType(args[1])
			if !rel.IsValid() {
				return usageErrorf("unknown relation %q", args[1])
			}
			task, err := a.svc.LinkTasks(cmd.Context(), args[0], rel, args[2], a.actor)
			if err != nil {
				return err
			}
			a.emit(task, nil, func() {
				a.printf("%s %s %s %s\n", ui.RenderPass(ui.IconPass), args[0], rel, args[2])
			})
			return nil
		},
	}
}
