package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edisonflow/edison/internal/lockfile"
	"github.com/edisonflow/edison/internal/timeparsing"
	"github.com/edisonflow/edison/internal/ui"
)

func (a *app) lockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "lock",
		Short:   "Inspect and sweep lock files",
		GroupID: "maint",
	}
	cmd.AddCommand(a.lockSweepCommand(), a.lockListCommand())
	return cmd
}

func (a *app) lockSweepCommand() *cobra.Command {
	var (
		olderThan string
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove lock files left behind by dead processes",
		Long: `Removes lock files whose owner process is gone and that are older than
--older-than (default: locks.stale_age). --older-than accepts a duration
(90m, 6h, 2d) or a point in time (yesterday, 2025-01-15).`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			var age time.Duration
			if olderThan != "" {
				var err error
				if age, err = timeparsing.ParseAge(olderThan, time.Now()); err != nil {
					return usageError{fmt.Errorf("--older-than: %w", err)}
				}
			}
			report, err := a.svc.SweepLocks(cmd.Context(), age, dryRun)
			if err != nil {
				return err
			}
			a.emit(report, report.Errors, func() {
				verb := "Removed"
				if report.DryRun {
					verb = "Would remove"
				}
				for _, e := range report.Removed {
					a.printf("%s %s %s\n", ui.RenderWarn(ui.IconWarn), verb, e.Path)
				}
				a.printf("%s %d removed, %d preserved\n", ui.RenderPass(ui.IconPass), len(report.Removed), len(report.Preserved))
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&olderThan, "older-than", "", "Minimum lock age")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be removed")
	return cmd
}

func (a *app) lockListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List lock files and their owners",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.svc.ListLocks(cmd.Context())
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []lockfile.Entry{}
			}
			a.emit(entries, nil, func() {
				if len(entries) == 0 {
					a.printf("No locks.\n")
					return
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					owner := ui.RenderMuted("-")
					if e.PID > 0 {
						owner = fmt.Sprintf("%d", e.PID)
						if !e.Alive {
							owner = ui.RenderFail(owner + " (dead)")
						}
					}
					purpose := ""
					if e.Info != nil {
						purpose = e.Info.Purpose
					}
					rows = append(rows, []string{e.Path, owner, purpose, e.Age.Round(time.Second).String()})
				}
				a.printf("%s", ui.Table([]string{"path", "pid", "purpose", "age"}, rows))
			})
			return nil
		},
	}
}
