package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/edisonflow/edison/internal/evidence"
	"github.com/edisonflow/edison/internal/ui"
	"github.com/edisonflow/edison/internal/validator"
	"github.com/edisonflow/edison/internal/workflow"
)

func (a *app) qaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "qa",
		Short:   "Validation rounds, rosters and verdicts",
		GroupID: "qa",
	}
	round := &cobra.Command{
		Use:   "round",
		Short: "Manage evidence rounds",
	}
	round.AddCommand(
		a.qaRoundPrepareCommand(),
		a.qaRoundPromoteCommand(),
		a.qaRoundStatusCommand(),
		a.qaRoundReportCommand(),
	)
	report := &cobra.Command{
		Use:   "report",
		Short: "Record validator reports",
	}
	report.AddCommand(a.qaReportSubmitCommand())

	cmd.AddCommand(a.qaValidateCommand(), a.qaRosterCommand(), round, report)
	return cmd
}

func (a *app) qaValidateCommand() *cobra.Command {
	var (
		req       workflow.ValidateRequest
		checkOnly bool
	)
	cmd := &cobra.Command{
		Use:   "validate <task>",
		Short: "Run or check the validator roster and aggregate bundle approval",
		Long: `Aggregates the validator reports of the task's bundle root round into a
bundle summary and mirrors it into every member task. With --execute the
roster runs first, wave by wave. --dry-run only prints the plan.

Exits 1 when the bundle is not approved.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Execute && checkOnly {
				return usageErrorf("--execute and --check-only are mutually exclusive")
			}
			req.TaskID = args[0]
			req.Actor = a.actor
			if err := a.checkWorktree(cmd, req.SessionID); err != nil {
				return err
			}
			res, err := a.svc.Validate(cmd.Context(), req)
			if err != nil {
				return err
			}
			if res.Bundle != nil && !res.Bundle.Approved {
				if !a.jsonOutput && !a.quiet {
					a.printValidate(res)
				}
				return resultError{err: fmt.Errorf("task %s: %w", res.RootTask, workflow.ErrNotApproved), result: res}
			}
			a.emit(res, nil, func() { a.printValidate(res) })
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Scope, "scope", "", "Cluster to validate: bundle, hierarchy or single (default bundle)")
	f.BoolVar(&req.Execute, "execute", false, "Run the validators before aggregating")
	f.BoolVar(&checkOnly, "check-only", false, "Aggregate existing reports without running validators")
	f.BoolVar(&req.DryRun, "dry-run", false, "Print the plan without writing anything")
	f.StringVar(&req.SessionID, "session", "", "Session whose worktree is validated")
	f.StringVar(&req.Wave, "wave", "", "Only run this wave")
	f.BoolVar(&req.Sequential, "sequential", false, "Run validators in a wave one at a time")
	f.BoolVar(&req.Rerun, "rerun", false, "Run validators that already reported in this round")
	f.BoolVar(&req.ContinueOnFailure, "continue-on-failure", false, "Keep running later waves after a blocking failure")
	return cmd
}

func (a *app) printWaves(waves []validator.Wave) {
	for i, w := range waves {
		if i > 0 {
			a.printf("%s\n", ui.RenderSeparator())
		}
		a.printf("%s\n", ui.RenderCategory(w.Name))
		for _, v := range w.Validators {
			kind := "optional"
			if v.Blocking {
				kind = "blocking"
			}
			line := fmt.Sprintf("  %-12s %-9s %s", v.ID, kind, ui.RenderMuted(v.Engine))
			if len(v.MatchedFiles) > 0 {
				line += ui.RenderMuted("  " + ui.Truncate(strings.Join(v.MatchedFiles, ", "), 60))
			}
			a.printf("%s\n", line)
		}
	}
}

func (a *app) printBundle(b *evidence.BundleSummary) {
	status := ui.RenderFail(ui.IconFail + " not approved")
	if b.Approved {
		status = ui.RenderPass(ui.IconPass + " approved")
	}
	a.printf("bundle %s round %d (%s): %s\n", b.RootTask, b.Round, b.Scope, status)
	for _, t := range b.Tasks {
		mark := ui.RenderPass(ui.IconPass)
		if !t.Approved {
			mark = ui.RenderFail(ui.IconFail)
		}
		a.printf("  %s %s round %d\n", mark, t.TaskID, t.Round)
		for _, r := range t.Reasons {
			a.printf("      - %s\n", r)
		}
	}
	for _, m := range b.Missing {
		a.printf("  %s missing report: %s\n", ui.RenderWarn(ui.IconWarn), m)
	}
}

func (a *app) printValidate(res *workflow.ValidateResult) {
	a.printf("task %s, root %s, scope %s, round %d\n", res.TaskID, res.RootTask, res.Scope, res.Round)
	if res.Sealed {
		a.printf("%s\n", ui.RenderMuted("round is final, showing its sealed summary"))
	}
	a.printf("members: %s\n", strings.Join(res.Members, ", "))
	if res.DryRun || res.Execution == nil {
		a.printWaves(res.Waves)
	}
	if res.Execution != nil {
		for _, w := range res.Execution.Waves {
			header := ui.RenderCategory(w.Name)
			if w.Skipped {
				header += ui.RenderMuted(" (skipped)")
			}
			a.printf("%s\n", header)
			for _, o := range w.Validators {
				line := fmt.Sprintf("  %-12s %s  %s", o.ID, ui.RenderVerdict(string(o.Verdict)), ui.RenderMuted(o.Elapsed.Round(time.Millisecond).String()))
				if o.Reused {
					line += ui.RenderMuted(" (reused)")
				}
				if o.Error != "" {
					line += "  " + ui.RenderFail(o.Error)
				}
				a.printf("%s\n", line)
			}
		}
	}
	if res.Bundle != nil {
		a.printBundle(res.Bundle)
	}
}

func (a *app) qaRosterCommand() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "roster <task>",
		Short: "Show the validators that apply to a task",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.svc.Roster(cmd.Context(), args[0], sessionID)
			if err != nil {
				return err
			}
			a.emit(v, nil, func() {
				if len(v.Roster.Files) > 0 {
					a.printf("candidate files: %d\n", len(v.Roster.Files))
				}
				a.printWaves(v.Waves)
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session whose worktree diff triggers validators")
	return cmd
}

func (a *app) qaRoundPrepareCommand() *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "prepare <task>",
		Short: "Open a round, or return the active one",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.svc.PrepareRound(cmd.Context(), args[0], fresh, a.actor)
			if err != nil {
				return err
			}
			a.emit(info, nil, func() {
				verb := "Active"
				if info.Opened {
					verb = "Opened"
				}
				a.printf("%s %s round %d for %s\n", ui.RenderPass(ui.IconPass), verb, info.Round, info.TaskID)
			})
			return nil
		},
	}
	cmd.Flags().BoolVar(&fresh, "new", false, "Open a new round; fails while a draft round is active")
	return cmd
}

func (a *app) qaRoundPromoteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "promote <task>",
		Short: "Finalize the latest round of the task's bundle",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := a.svc.PromoteRound(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.emit(sum, nil, func() {
				a.printf("%s Finalized round %d of %s\n", ui.RenderPass(ui.IconPass), sum.Round, sum.RootTask)
			})
			return nil
		},
	}
}

func (a *app) qaRoundStatusCommand() *cobra.Command {
	var round int
	cmd := &cobra.Command{
		Use:   "status <task>",
		Short: "Show the reports and bundle of a round",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if round < 0 {
				return usageErrorf("--round must be positive")
			}
			v, err := a.svc.RoundStatus(cmd.Context(), args[0], round)
			if err != nil {
				return err
			}
			a.emit(v, nil, func() {
				if v.Round == 0 {
					a.printf("%s has no rounds\n", v.TaskID)
					return
				}
				a.printf("%s round %d (%s)\n", v.TaskID, v.Round, v.Status)
				if v.Implementation != nil {
					a.printf("  implementation: %d files by %s\n", len(v.Implementation.FilesChanged), v.Implementation.Author)
				} else {
					a.printf("  implementation: %s\n", ui.RenderWarn("missing"))
				}
				for _, r := range v.Reports {
					a.printf("  %-12s %s\n", r.ValidatorID, ui.RenderVerdict(string(r.Verdict)))
				}
				if v.Bundle != nil {
					a.printBundle(v.Bundle)
				}
			})
			return nil
		},
	}
	cmd.Flags().IntVar(&round, "round", 0, "Round number (default: latest)")
	return cmd
}

func (a *app) qaRoundReportCommand() *cobra.Command {
	var in workflow.ImplementationInput
	cmd := &cobra.Command{
		Use:   "report <task>",
		Short: "Write the implementation report for the active round",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.TaskID = args[0]
			in.Actor = a.actor
			if err := a.checkWorktree(cmd, in.SessionID); err != nil {
				return err
			}
			r, err := a.svc.SubmitImplementationReport(cmd.Context(), in)
			if err != nil {
				return err
			}
			a.emit(r, nil, func() {
				a.printf("%s Implementation report for %s round %d (%d files)\n", ui.RenderPass(ui.IconPass), r.TaskID, r.Round, len(r.FilesChanged))
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Summary, "summary", "", "What was implemented")
	cmd.Flags().StringSliceVar(&in.FilesChanged, "files", nil, "Changed files (default: none)")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "Markdown notes stored next to the report")
	cmd.Flags().StringVar(&in.SessionID, "session", "", "Reporting session")
	return cmd
}

func (a *app) qaReportSubmitCommand() *cobra.Command {
	var (
		in      workflow.VerdictInput
		verdict string
	)
	cmd := &cobra.Command{
		Use:   "submit <task>",
		Short: "Record a verdict for a delegated validator",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.ValidatorID == "" || verdict == "" {
				return usageErrorf("--validator and --verdict are required")
			}
			in.Verdict = evidence.Verdict(verdict)
			if !in.Verdict.IsValid() {
				return usageErrorf("invalid verdict %q (approve, reject, pending, blocked)", verdict)
			}
			in.TaskID = args[0]
			in.Actor = a.actor
			r, err := a.svc.SubmitVerdict(cmd.Context(), in)
			if err != nil {
				return err
			}
			a.emit(r, nil, func() {
				a.printf("%s %s on %s round %d: %s\n", ui.RenderPass(ui.IconPass), r.ValidatorID, r.TaskID, r.Round, ui.RenderVerdict(string(r.Verdict)))
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&in.ValidatorID, "validator", "", "Validator id")
	cmd.Flags().StringVar(&verdict, "verdict", "", "approve, reject, pending or blocked")
	cmd.Flags().StringVar(&in.Summary, "summary", "", "Short summary")
	cmd.Flags().StringArrayVar(&in.Findings, "finding", nil, "A finding (repeatable)")
	cmd.Flags().StringVar(&in.Model, "model", "", "Model that produced the verdict")
	return cmd
}
