package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/edisonflow/edison/internal/session"
	"github.com/edisonflow/edison/internal/types"
	"github.com/edisonflow/edison/internal/ui"
	"github.com/edisonflow/edison/internal/workflow"
)

func (a *app) sessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Short:   "Create, inspect, close and recover sessions",
		GroupID: "sessions",
	}
	cmd.AddCommand(
		a.sessionCreateCommand(),
		a.sessionShowCommand(),
		a.sessionListCommand(),
		a.sessionCloseCommand(),
		a.sessionResumeCommand(),
		a.sessionRecoveryCommand(),
	)
	return cmd
}

func (a *app) sessionCreateCommand() *cobra.Command {
	var req session.CreateRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session and its worktree",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Actor = a.actor
			sess, err := a.svc.CreateSession(cmd.Context(), req)
			if err != nil {
				return err
			}
			a.emit(sess, nil, func() {
				a.printf("%s Created session %s\n", ui.RenderPass(ui.IconPass), sess.ID)
				if sess.WorktreePath != "" {
					a.printf("  worktree: %s\n  branch:   %s (from %s)\n", sess.WorktreePath, sess.Branch, sess.BaseBranch)
				}
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "Session id (default: generated)")
	cmd.Flags().StringVar(&req.Owner, "owner", "", "Owner (default: the actor)")
	cmd.Flags().StringVar(&req.BaseBranch, "base", "", "Base branch (default: session.base_branch)")
	cmd.Flags().BoolVar(&req.NoWorktree, "no-worktree", false, "Record the session without creating a worktree")
	return cmd
}

func (a *app) sessionShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session with its tasks and health",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.svc.ShowSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.emit(v, nil, func() { a.printSessionView(v) })
			return nil
		},
	}
}

func (a *app) printSessionView(v *workflow.SessionView) {
	s := v.Session
	a.printf("%s %s\n", ui.RenderAccent(s.ID), ui.RenderState(s.State, a.svc.Engine.IsFinal(types.DomainSession, s.State)))
	if s.Owner != "" {
		a.printf("  owner:    %s\n", s.Owner)
	}
	if s.WorktreePath != "" {
		archived := ""
		if s.ArchivedWorktree {
			archived = ui.RenderMuted(" (archived)")
		}
		a.printf("  worktree: %s%s\n", s.WorktreePath, archived)
		a.printf("  branch:   %s (from %s)\n", s.Branch, s.BaseBranch)
	}
	if len(v.Tasks) > 0 {
		a.printf("%s\n", ui.RenderCategory("tasks"))
		for _, t := range v.Tasks {
			a.printf("  %-20s %s\n", t.ID, ui.RenderState(t.State, a.svc.Engine.IsFinal(types.DomainTask, t.State)))
		}
	}
	for _, id := range v.Missing {
		a.printf("  %s task %s not found\n", ui.RenderWarn(ui.IconWarn), id)
	}
	if v.Health != nil {
		a.printf("%s\n", ui.RenderCategory("health"))
		for _, c := range v.Health.Checks {
			mark := ui.RenderPass(ui.IconPass)
			switch {
			case c.OK:
			case c.Advisory:
				mark = ui.RenderWarn(ui.IconWarn)
			default:
				mark = ui.RenderFail(ui.IconFail)
			}
			line := "  " + mark + " " + c.Name
			if c.Detail != "" {
				line += ui.RenderMuted(": " + c.Detail)
			}
			a.printf("%s\n", line)
		}
	}
	if len(v.Events) > 0 {
		a.printf("%s\n", ui.RenderCategory("recent events"))
		for _, e := range v.Events {
			a.printf("  %s %-22s %-16s %s\n", ui.RenderMuted(e.At.Local().Format("01-02 15:04")), e.Code, e.EntityID, e.Details)
		}
	}
	if len(v.Allowed) > 0 {
		a.printf("next: %s\n", ui.RenderMuted(strings.Join(v.Allowed, ", ")))
	}
}

func (a *app) sessionListCommand() *cobra.Command {
	var states []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := a.svc.ListSessions(cmd.Context(), states...)
			if err != nil {
				return err
			}
			if sessions == nil {
				sessions = []*types.Session{}
			}
			a.emit(sessions, nil, func() {
				if len(sessions) == 0 {
					a.printf("No sessions found.\n")
					return
				}
				rows := make([][]string, 0, len(sessions))
				for _, s := range sessions {
					final := a.svc.Engine.IsFinal(types.DomainSession, s.State)
					rows = append(rows, []string{s.ID, ui.RenderState(s.State, final), s.Owner, s.Branch})
				}
				a.printf("%s", ui.Table([]string{"id", "state", "owner", "branch"}, rows))
			})
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "Only sessions in these states")
	return cmd
}

func (a *app) sessionCloseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "close <id>",
		Short: "Close a session once all of its tasks are validated",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.svc.CloseSession(cmd.Context(), args[0], a.actor)
			if err != nil {
				return err
			}
			a.emit(out, out.Warnings, func() { a.printOutcome(out) })
			return nil
		},
	}
}

func (a *app) sessionResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Return a session from recovery or closing to active work",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.svc.ResumeSession(cmd.Context(), args[0], a.actor)
			if err != nil {
				return err
			}
			a.emit(out, out.Warnings, func() { a.printOutcome(out) })
			return nil
		},
	}
}

func (a *app) sessionRecoveryCommand() *cobra.Command {
	var park bool
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Report sessions and records that need recovery",
		Long: `Scans open sessions for missing worktrees and dead owner processes and
audits the record directories for duplicates and state drift. With --park,
sessions with problems are moved to the recovery state.

Exits 1 when anything needs attention.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.svc.SessionRecovery(cmd.Context(), park, a.actor)
			if err != nil {
				return err
			}
			if rerr := res.Report.Err(); rerr != nil {
				if !a.jsonOutput && !a.quiet {
					for _, id := range res.Parked {
						a.printf("%s parked session %s\n", ui.RenderWarn(ui.IconWarn), id)
					}
				}
				return resultError{err: rerr, result: res}
			}
			a.emit(res, nil, func() {
				a.printf("%s Nothing needs recovery\n", ui.RenderPass(ui.IconPass))
			})
			return nil
		},
	}
	cmd.Flags().BoolVar(&park, "park", false, "Move sessions with problems to the recovery state")
	return cmd
}
