package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/edisonflow/edison/internal/deps"
	"github.com/edisonflow/edison/internal/evidence"
	"github.com/edisonflow/edison/internal/lockfile"
	"github.com/edisonflow/edison/internal/session"
	"github.com/edisonflow/edison/internal/statemachine"
	"github.com/edisonflow/edison/internal/storage"
)

// Exit codes.
const (
	ExitOK     = 0
	ExitDomain = 1
	ExitUsage  = 2
)

// usageError marks a bad invocation: unknown command, flag or argument.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// resultError is a failure that still has a result worth reporting, such
// as a rejected bundle.
type resultError struct {
	err    error
	result interface{}
}

func (e resultError) Error() string { return e.err.Error() }
func (e resultError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...interface{}) error {
	return usageError{fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ue usageError
	if errors.As(err, &ue) {
		return ExitUsage
	}
	return ExitDomain
}

// WarnError writes a warning to w and returns.
// Use this for optional steps whose failure does not fail the command.
func WarnError(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "%s "+format+"\n", append([]interface{}{color.YellowString("Warning:")}, args...)...)
}

// errorDetails extracts the itemised part of a domain error: failing
// predicates, unmet dependencies, missing evidence and so on.
func errorDetails(err error) interface{} {
	var re0 resultError
	if errors.As(err, &re0) {
		return re0.result
	}
	var (
		te   *statemachine.TransitionError
		ae   *statemachine.ActionError
		ue   *deps.UnmetError
		me   *evidence.MissingError
		se   *evidence.StaleError
		lte  *lockfile.TimeoutError
		re   *session.RecoveryError
		dupe *storage.DuplicateError
	)
	switch {
	case errors.As(err, &te):
		d := map[string]interface{}{"domain": te.Domain, "from": te.From, "to": te.To}
		if len(te.Failures) > 0 {
			d["failures"] = te.Failures
		}
		if te.Reason != "" {
			d["reason"] = te.Reason
		}
		if len(te.Allowed) > 0 {
			d["allowed"] = te.Allowed
		}
		return d
	case errors.As(err, &ue):
		return map[string]interface{}{"task_id": ue.TaskID, "unmet_dependencies": ue.Unmet}
	case errors.As(err, &me):
		return map[string]interface{}{"task_id": me.TaskID, "round": me.Round, "missing": me.Missing}
	case errors.As(err, &se):
		return map[string]interface{}{"task_id": se.TaskID, "round": se.Round, "reason": se.Reason}
	case errors.As(err, &lte):
		d := map[string]interface{}{"path": lte.Path, "timeout": lte.Timeout.String()}
		if lte.Holder != nil {
			d["holder"] = lte.Holder
		}
		return d
	case errors.As(err, &re):
		return map[string]interface{}{"problems": re.Report.Problems, "findings": re.Report.Findings}
	case errors.As(err, &dupe):
		return map[string]interface{}{"domain": dupe.Domain, "id": dupe.ID, "states": dupe.States}
	case errors.As(err, &ae):
		return map[string]interface{}{"action": ae.Action}
	}
	return nil
}

// errorItems renders errorDetails as bullet lines for text output.
func errorItems(err error) []string {
	var (
		te *statemachine.TransitionError
		ue *deps.UnmetError
		me *evidence.MissingError
		re *session.RecoveryError
	)
	var items []string
	switch {
	case errors.As(err, &te):
		for _, f := range te.Failures {
			line := f.Name
			if f.Reason != "" {
				line += ": " + f.Reason
			}
			items = append(items, line)
		}
	case errors.As(err, &ue):
		for _, u := range ue.Unmet {
			items = append(items, u.String())
		}
	case errors.As(err, &me):
		items = append(items, me.Missing...)
	case errors.As(err, &re):
		for _, p := range re.Report.Problems {
			items = append(items, fmt.Sprintf("session %s: %s", p.SessionID, p.Detail))
		}
		for _, f := range re.Report.Findings {
			items = append(items, f.String())
		}
	}
	return items
}

// reportError writes err as a JSON envelope to stdout in JSON mode, or as
// a red message with itemised details to stderr.
func (a *app) reportError(err error) {
	if a.jsonOutput {
		env := envelope{Status: "error", Error: err.Error()}
		if d := errorDetails(err); d != nil {
			env.Details = d
		}
		a.writeJSON(env)
		return
	}
	fmt.Fprintf(a.errOut, "%s %v\n", color.RedString("Error:"), err)
	// TransitionError already names its first failure in the message.
	items := errorItems(err)
	var te *statemachine.TransitionError
	if errors.As(err, &te) && len(items) <= 1 {
		items = nil
	}
	for _, it := range items {
		fmt.Fprintf(a.errOut, "  - %s\n", it)
	}
	if exitCode(err) == ExitUsage {
		fmt.Fprintln(a.errOut, "Run 'edison --help' for usage.")
	}
}
