// Command edison coordinates tasks, QA rounds, validators and session
// worktrees for agents working in one repository.
package main

import (
	"context"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edisonflow/edison/internal/config"
	"github.com/edisonflow/edison/internal/debug"
	"github.com/edisonflow/edison/internal/telemetry"
	"github.com/edisonflow/edison/internal/ui"
	"github.com/edisonflow/edison/internal/workflow"
)

// app carries the global flags and the service built for one invocation.
type app struct {
	jsonOutput bool
	repoRoot   string
	verbose    bool
	quiet      bool
	actor      string

	out    io.Writer
	errOut io.Writer

	svc *workflow.Service
	// started is set once argument parsing succeeded and a command began
	// running, which separates usage errors from domain errors.
	started bool
	// telemetry is set once exporters are installed and must be flushed.
	telemetry *telemetry.Provider
}

func newApp(out, errOut io.Writer) *app {
	return &app{out: out, errOut: errOut}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "edison",
		Short:         "Coordinate tasks, QA rounds and session worktrees",
		Long:          `edison moves tasks and QA records through configured state machines, runs validator rosters in waves, aggregates bundle approval and manages one git worktree per session.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.started = true
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			return a.setup(cmd.Context())
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&a.repoRoot, "repo-root", "", "Project root (default: discovered from the working directory)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose/debug output")
	root.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "Suppress non-essential output (errors only)")
	root.PersistentFlags().StringVar(&a.actor, "actor", "", "Actor recorded on writes (default: $EDISON_ACTOR, git user.name, $USER)")

	root.AddGroup(
		&cobra.Group{ID: "work", Title: "Working With Tasks:"},
		&cobra.Group{ID: "qa", Title: "Validation:"},
		&cobra.Group{ID: "sessions", Title: "Sessions & Worktrees:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	root.AddCommand(
		a.taskCommand(),
		a.qaCommand(),
		a.sessionCommand(),
		a.gitCommand(),
		a.lockCommand(),
		a.versionCommand(),
	)
	return root
}

// setup loads configuration and builds the service.
func (a *app) setup(ctx context.Context) error {
	if err := config.Initialize(a.repoRoot); err != nil {
		return err
	}
	debug.SetVerbose(a.verbose)
	debug.SetQuiet(a.quiet)
	if a.jsonOutput || config.GetBool(config.KeyJSON) {
		a.jsonOutput = true
		ui.SetColor(false)
	}

	opts, err := workflow.OptionsFromConfig()
	if err != nil {
		return err
	}
	opts.Actor = a.resolveActor(opts.Actor)
	if a.svc, err = workflow.New(opts); err != nil {
		return err
	}
	debug.ConfigureEvents(a.svc.EventLogPath(), opts.Actor, os.Getenv("EDISON_SESSION"))
	debug.Logf("edison: repo root %s, management root %s", opts.RepoRoot, opts.MgmtRoot)

	ts := config.GetTelemetrySettings()
	if ts.Enabled {
		a.telemetry, err = telemetry.Init(ctx, telemetry.Settings{
			Enabled:        true,
			Stdout:         ts.Stdout,
			OTLPEndpoint:   ts.OTLPEndpoint,
			ExportInterval: ts.ExportInterval,
			Writer:         a.errOut,
		}, "edison", Version)
		if err != nil {
			WarnError(a.errOut, "telemetry disabled: %v", err)
		}
	}
	return nil
}

// resolveActor picks the actor recorded on writes.
// Priority: --actor > configured actor (EDISON_ACTOR) > git user.name > $USER.
func (a *app) resolveActor(configured string) string {
	if a.actor != "" {
		return a.actor
	}
	if configured != "" {
		return configured
	}
	cmd := exec.Command("git", "config", "user.name")
	cmd.Dir = config.RepoRoot()
	if out, err := cmd.Output(); err == nil {
		if name := strings.TrimSpace(string(out)); name != "" {
			return name
		}
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "unknown"
}

// run executes args and returns the process exit code.
func (a *app) run(ctx context.Context, args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if a.telemetry != nil {
		if terr := a.telemetry.Shutdown(context.Background()); terr != nil {
			debug.Logf("telemetry: shutdown: %v", terr)
		}
	}
	if err == nil {
		return ExitOK
	}
	if !a.started {
		err = usageError{err}
	}
	a.reportError(err)
	return exitCode(err)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newApp(os.Stdout, os.Stderr).run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
