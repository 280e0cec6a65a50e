package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stagehand/pkg/executor/runner"
	"stagehand/pkg/metrics"
)

// Runner executes steps strictly one after another.
type Runner struct {
	exec      runner.Executor
	console   *Console
	log       *zap.Logger
	tracer    trace.Tracer
	hook      ConfigHook
	workDir   string
	variant   string
	lookupEnv func(string) (string, bool)
}

// Option customises a Runner.
type Option func(*Runner)

func WithConsole(c *Console) Option {
	return func(r *Runner) { r.console = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.log = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithConfigHook installs the ephemeral configuration pair.
func WithConfigHook(h ConfigHook) Option {
	return func(r *Runner) { r.hook = h }
}

// WithWorkDir resolves fallback cache paths relative to dir.
func WithWorkDir(dir string) Option {
	return func(r *Runner) { r.workDir = dir }
}

// WithVariant labels the report.
func WithVariant(name string) Option {
	return func(r *Runner) { r.variant = name }
}

// WithLookupEnv replaces os.LookupEnv for SkipIfEnv checks.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(r *Runner) { r.lookupEnv = fn }
}

func NewRunner(exec runner.Executor, opts ...Option) *Runner {
	r := &Runner{
		exec:      exec,
		log:       zap.NewNop(),
		tracer:    otel.Tracer("stagehand/pipeline"),
		workDir:   ".",
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.console == nil {
		r.console = NewConsole(nil, DefaultSuccessTail, DefaultFailureTail)
	}
	return r
}

// ExecuteStep runs the primary invocation of step and prints its outcome.
func (r *Runner) ExecuteStep(ctx context.Context, step Step) StepResult {
	return r.execute(ctx, step, step.Command, AttemptPrimary)
}

func (r *Runner) execute(ctx context.Context, step Step, argv []string, attempt Attempt) StepResult {
	ctx, span := r.tracer.Start(ctx, "step "+step.Name, trace.WithAttributes(
		attribute.String("step.name", step.Name),
		attribute.String("step.attempt", string(attempt)),
		attribute.String("step.criticality", step.Criticality.String()),
	))
	defer span.End()

	title := step.Name
	if attempt != AttemptPrimary {
		title = step.Name + " (" + string(attempt) + ")"
	}
	r.console.Header(title)

	out := r.exec.Run(ctx, argv, step.Timeout)
	res := StepResult{
		Step:      step,
		Attempt:   attempt,
		Command:   strings.Join(argv, " "),
		ExitCode:  out.ExitCode,
		Succeeded: out.ExitCode == 0,
		TimedOut:  out.TimedOut,
		Duration:  out.Duration,
	}

	span.SetAttributes(
		attribute.Int("step.exit_code", res.ExitCode),
		attribute.Bool("step.timed_out", res.TimedOut),
	)

	status := "success"
	if res.Succeeded {
		res.OutputLines = lastN(out.Lines, r.console.successTail)
		r.console.StepSucceeded(res)
		r.log.Info("step succeeded",
			zap.String("step", step.Name),
			zap.String("attempt", string(attempt)),
			zap.Duration("duration", res.Duration),
		)
	} else {
		status = "failed"
		if res.TimedOut {
			status = "timeout"
		}
		res.OutputLines = lastN(out.Lines, r.console.failureTail)
		fatal := step.Criticality == Fatal && step.Fallback == nil && attempt == AttemptPrimary
		r.console.StepFailed(res, fatal)

		err := out.Error
		if err == nil {
			err = errors.New("non-zero exit")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		r.log.Warn("step failed",
			zap.String("step", step.Name),
			zap.String("attempt", string(attempt)),
			zap.String("command", res.Command),
			zap.Int("exit_code", res.ExitCode),
			zap.Bool("timed_out", res.TimedOut),
			zap.Duration("duration", res.Duration),
			zap.Int("output_lines", out.TotalLines),
			zap.Error(err),
		)
	}
	metrics.RecordStep(step.Name, string(attempt), status, res.Duration.Seconds())
	return res
}

// Run executes steps in order and returns the finished report.
// A fatal failure stops the run; the caller maps the report onto an exit code.
func (r *Runner) Run(ctx context.Context, steps []Step) *RunReport {
	report := newReport(r.variant)
	report.State = StateRunning
	report.OverallSucceeded = true

	ctx, span := r.tracer.Start(ctx, "pipeline "+r.variant, trace.WithAttributes(
		attribute.String("run.id", report.ID.String()),
		attribute.Int("run.steps", len(steps)),
	))
	defer span.End()

	r.log.Info("pipeline started",
		zap.String("run_id", report.ID.String()),
		zap.String("variant", r.variant),
		zap.Int("steps", len(steps)),
	)

	configLive := false
	if r.hook != nil {
		if err := r.hook.Prepare(ctx); err != nil {
			r.console.Warning("could not prepare configuration file: %v", err)
			r.log.Warn("config prepare failed", zap.Error(err))
		} else {
			configLive = true
		}
	}
	teardown := func() {
		if !configLive {
			return
		}
		configLive = false
		// Teardown must still happen when the run was cancelled.
		if err := r.hook.Teardown(context.WithoutCancel(ctx)); err != nil {
			r.console.Warning("could not remove temporary configuration file: %v", err)
			r.log.Error("config teardown failed", zap.Error(err))
		}
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			r.console.Error("deployment interrupted: %v", err)
			r.abort(report)
			break
		}

		if r.shouldSkip(step) {
			r.console.Header(step.Name)
			r.console.Info("Skipped: $%s is already set", step.SkipIfEnv)
			report.record(StepResult{Step: step, Attempt: AttemptPrimary, Command: step.CommandLine(), Skipped: true, Succeeded: true})
			metrics.RecordStep(step.Name, string(AttemptPrimary), "skipped", 0)
			if step.ReleasesConfig {
				teardown()
			}
			continue
		}

		res := r.ExecuteStep(ctx, step)
		report.record(res)

		if !res.Succeeded {
			switch {
			case step.Fallback != nil:
				r.runFallback(ctx, step, report)
			case step.Criticality == BestEffort:
				r.console.Warning("%s is optional, continuing", step.Name)
			default:
				r.abort(report)
			}
		}

		if step.ReleasesConfig {
			teardown()
		}
		if report.State == StateAborted {
			break
		}
	}
	teardown()

	if report.State != StateAborted {
		report.State = StateCompleted
	}
	report.FinishedAt = time.Now()

	if !report.OverallSucceeded {
		span.SetStatus(codes.Error, "aborted")
	}
	span.SetAttributes(attribute.Bool("run.degraded", report.Degraded))

	r.console.Summary(report)
	r.log.Info("pipeline finished",
		zap.String("run_id", report.ID.String()),
		zap.String("state", string(report.State)),
		zap.Bool("succeeded", report.OverallSucceeded),
		zap.Bool("degraded", report.Degraded),
		zap.Duration("duration", report.Duration()),
	)
	metrics.RecordRun(r.variant, string(report.State), report.Degraded, report.Duration().Seconds())
	return report
}

func (r *Runner) abort(report *RunReport) {
	report.OverallSucceeded = false
	report.State = StateAborted
}

func (r *Runner) shouldSkip(step Step) bool {
	if step.SkipIfEnv == "" {
		return false
	}
	v, ok := r.lookupEnv(step.SkipIfEnv)
	return ok && strings.TrimSpace(v) != ""
}

// runFallback never aborts the run: a double failure only degrades it.
func (r *Runner) runFallback(ctx context.Context, step Step, report *RunReport) {
	fb := step.Fallback
	r.console.Warning("%s failed, clearing cached artifacts and retrying", step.Name)
	r.clearPaths(fb.ClearPaths)

	retry := r.execute(ctx, step, fb.Retry, AttemptRetry)
	report.record(retry)
	if retry.Succeeded {
		r.console.Info("%s recovered on retry", step.Name)
		metrics.RecordFallback(step.Name, "recovered")
		return
	}

	if len(fb.Recover) > 0 {
		report.record(r.execute(ctx, step, fb.Recover, AttemptRecovery))
	}
	report.Degraded = true
	r.console.Warning("%s could not complete; continuing, some functionality may be degraded", step.Name)
	r.log.Warn("fallback exhausted", zap.String("step", step.Name))
	metrics.RecordFallback(step.Name, "degraded")
}

func (r *Runner) clearPaths(patterns []string) {
	for _, p := range patterns {
		full := p
		if !filepath.IsAbs(p) {
			full = filepath.Join(r.workDir, p)
		}
		matches, err := filepath.Glob(full)
		if err != nil {
			r.log.Warn("bad cache path pattern", zap.String("pattern", p), zap.Error(err))
			continue
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
				r.log.Warn("could not clear cache artifact", zap.String("path", m), zap.Error(err))
				continue
			}
			r.log.Debug("cleared cache artifact", zap.String("path", m))
		}
	}
}
