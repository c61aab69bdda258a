package validator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/edisonflow/edison/internal/debug"
	"github.com/edisonflow/edison/internal/evidence"
	"github.com/edisonflow/edison/internal/telemetry"
)

// DefaultTimeout bounds a single validator run when none is configured.
const DefaultTimeout = 10 * time.Minute

// Executor runs waves of validators and records their reports.
type Executor struct {
	Evidence   *evidence.Service
	Engines    *Registry
	MaxWorkers int
	// Timeout applies to validators that declare none.
	Timeout time.Duration
	WorkDir string
}

// Plan describes one execution.
type Plan struct {
	TaskID    string
	SessionID string
	Round     int
	Waves     []Wave
	// Parallel runs a wave's validators concurrently up to MaxWorkers.
	Parallel bool
	Files    []string
	Summary  string
	// Rerun re-executes validators that already have an approve or reject
	// report in the round.
	Rerun bool
	// ContinueOnFailure keeps running later waves after a blocking
	// validator rejected or was blocked.
	ContinueOnFailure bool
}

// Outcome is the result of one validator.
type Outcome struct {
	ID       string           `json:"id"`
	Engine   string           `json:"engine"`
	Blocking bool             `json:"blocking"`
	Verdict  evidence.Verdict `json:"verdict"`
	Elapsed  time.Duration    `json:"elapsed"`
	Error    string           `json:"error,omitempty"`
	Reused   bool             `json:"reused,omitempty"`
}

// Failed reports whether the outcome gates approval negatively.
func (o Outcome) Failed() bool {
	return o.Blocking && (o.Verdict == evidence.VerdictReject || o.Verdict == evidence.VerdictBlocked)
}

// WaveResult collects the outcomes of one wave.
type WaveResult struct {
	Name       string    `json:"name"`
	Validators []Outcome `json:"validators"`
	Skipped    bool      `json:"skipped,omitempty"`
}

// ExecutionResult is the result of Execute.
type ExecutionResult struct {
	TaskID string       `json:"task_id"`
	Round  int          `json:"round"`
	Waves  []WaveResult `json:"waves"`
}

// Outcomes returns every outcome across waves.
func (r *ExecutionResult) Outcomes() []Outcome {
	var out []Outcome
	for _, w := range r.Waves {
		out = append(out, w.Validators...)
	}
	return out
}

// BlockingFailures returns the blocking validators that rejected or were blocked.
func (r *ExecutionResult) BlockingFailures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes() {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

// Execute runs the plan's waves in order. Within a wave validators run
// concurrently up to MaxWorkers; the next wave starts only once every
// validator of the current wave has reported. A failing validator never
// affects the others: its error becomes a blocked report of its own.
func (x *Executor) Execute(ctx context.Context, plan Plan) (*ExecutionResult, error) {
	if plan.Round < 1 {
		return nil, fmt.Errorf("task %s: execution needs an open round", plan.TaskID)
	}
	res := &ExecutionResult{TaskID: plan.TaskID, Round: plan.Round}
	stop := false
	for _, wave := range plan.Waves {
		if stop {
			res.Waves = append(res.Waves, WaveResult{Name: wave.Name, Skipped: true})
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		wr := x.runWave(ctx, plan, wave)
		res.Waves = append(res.Waves, wr)
		for _, o := range wr.Validators {
			if o.Failed() && !plan.ContinueOnFailure {
				debug.Logf("validator: %s failed in wave %s, skipping later waves", o.ID, wave.Name)
				stop = true
			}
		}
	}
	return res, nil
}

func (x *Executor) runWave(ctx context.Context, plan Plan, wave Wave) WaveResult {
	outcomes := make([]Outcome, len(wave.Validators))
	var g errgroup.Group
	limit := 1
	if plan.Parallel && x.MaxWorkers > 1 {
		limit = x.MaxWorkers
	}
	g.SetLimit(limit)
	for i, sel := range wave.Validators {
		g.Go(func() error {
			outcomes[i] = x.runOne(ctx, plan, sel.Spec)
			return nil
		})
	}
	_ = g.Wait()
	return WaveResult{Name: wave.Name, Validators: outcomes}
}

func (x *Executor) runOne(ctx context.Context, plan Plan, spec Spec) (out Outcome) {
	out = Outcome{ID: spec.ID, Engine: spec.Engine, Blocking: spec.Blocking}
	if !plan.Rerun {
		if prev, err := x.Evidence.ReadValidatorReport(plan.TaskID, plan.Round, spec.ID); err == nil &&
			(prev.Verdict == evidence.VerdictApprove || prev.Verdict == evidence.VerdictReject) {
			out.Verdict, out.Reused = prev.Verdict, true
			return out
		}
	}

	ctx, done := telemetry.Start(ctx, "validator.run",
		attribute.String("edison.validator", spec.ID),
		attribute.String("edison.task", plan.TaskID),
	)
	start := time.Now()
	var runErr error
	defer func() {
		out.Elapsed = time.Since(start)
		telemetry.RecordValidatorRun(ctx, spec.ID, spec.Engine, string(out.Verdict), out.Elapsed)
		done(runErr)
	}()

	result, runErr := x.invoke(ctx, plan, spec)
	report := &evidence.ValidatorReport{
		TaskID: plan.TaskID, Round: plan.Round, ValidatorID: spec.ID,
		Engine: spec.Engine, Blocking: spec.Blocking, StartedAt: start.UTC(),
	}
	if runErr != nil {
		report.Verdict = evidence.VerdictBlocked
		report.Error = runErr.Error()
		out.Error = runErr.Error()
		if errors.Is(runErr, ErrValidatorUnavailable) {
			debug.Logf("validator: %s unavailable: %v", spec.ID, runErr)
		}
	} else {
		report.Verdict = result.Verdict
		report.Summary = result.Summary
		report.Findings = result.Findings
		report.Model = result.Model
	}
	report.ElapsedMS = time.Since(start).Milliseconds()
	out.Verdict = report.Verdict

	if err := x.Evidence.WriteValidatorReport(report); err != nil {
		runErr = errors.Join(runErr, err)
		out.Verdict = evidence.VerdictBlocked
		out.Error = runErr.Error()
	}
	return out
}

func (x *Executor) invoke(ctx context.Context, plan Plan, spec Spec) (Result, error) {
	engine, err := x.Engines.Get(spec.Engine)
	if err != nil {
		return Result{}, err
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = x.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt, err := RenderPrompt(plan.TaskID, plan.Round, spec, plan.Files, plan.Summary)
	if err != nil {
		return Result{}, err
	}
	workDir := x.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	result, err := engine.Run(ctx, Request{
		TaskID: plan.TaskID, SessionID: plan.SessionID, Round: plan.Round,
		Validator: spec, Prompt: prompt, Files: plan.Files, WorkDir: workDir,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("validator %s timed out after %s", spec.ID, timeout)
		}
		return Result{}, err
	}
	if !result.Verdict.IsValid() {
		return Result{}, fmt.Errorf("validator %s returned invalid verdict %q", spec.ID, result.Verdict)
	}
	return result, nil
}
