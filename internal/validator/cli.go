package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/edisonflow/edison/internal/evidence"
)

// CLIEngine runs a validator as a subprocess. The prompt is written to its
// stdin; a JSON verdict on stdout wins, otherwise exit status 0 approves and
// any other status rejects.
type CLIEngine struct {
	// Command is used when the validator declares none.
	Command []string
}

// Name implements Engine.
func (e *CLIEngine) Name() string { return "cli" }

// Run implements Engine.
func (e *CLIEngine) Run(ctx context.Context, req Request) (Result, error) {
	argv := req.Validator.Command
	if len(argv) == 0 {
		argv = e.Command
	}
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("validator %s has no command: %w", req.Validator.ID, ErrValidatorUnavailable)
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", argv[0], ErrValidatorUnavailable)
	}

	// #nosec G204 - command comes from the project's validator configuration
	cmd := exec.CommandContext(ctx, path, argv[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(),
		"EDISON_TASK_ID="+req.TaskID,
		"EDISON_SESSION_ID="+req.SessionID,
		"EDISON_ROUND="+strconv.Itoa(req.Round),
		"EDISON_VALIDATOR="+req.Validator.ID,
		"EDISON_FILES="+strings.Join(req.Files, "\n"),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if r, err := ParseVerdict(stdout.String()); err == nil {
		return r, nil
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return Result{Verdict: evidence.VerdictApprove, Summary: lastLine(stdout.String())}, nil
	case errors.As(runErr, &exitErr):
		summary := lastLine(stderr.String())
		if summary == "" {
			summary = lastLine(stdout.String())
		}
		return Result{
			Verdict: evidence.VerdictReject,
			Summary: fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), summary),
		}, nil
	default:
		return Result{}, fmt.Errorf("failed to run %s: %w", argv[0], runErr)
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
