package pipeline

import (
	"fmt"
	"io"
	"os"
	"time"
)

const (
	DefaultSuccessTail = 3
	DefaultFailureTail = 10
)

// Console writes the operator-facing trace. It is deliberately plain text:
// deploy logs are read by humans scrolling a CI job.
type Console struct {
	w           io.Writer
	successTail int
	failureTail int
}

// NewConsole writes to w; a nil writer means stdout.
func NewConsole(w io.Writer, successTail, failureTail int) *Console {
	if w == nil {
		w = os.Stdout
	}
	if successTail < 0 {
		successTail = DefaultSuccessTail
	}
	if failureTail < 0 {
		failureTail = DefaultFailureTail
	}
	return &Console{w: w, successTail: successTail, failureTail: failureTail}
}

func (c *Console) Header(title string) {
	fmt.Fprintf(c.w, "=== %s ===\n", title)
}

func (c *Console) Info(format string, args ...any) {
	fmt.Fprintf(c.w, format+"\n", args...)
}

func (c *Console) Warning(format string, args ...any) {
	fmt.Fprintf(c.w, "WARNING: "+format+"\n", args...)
}

func (c *Console) Error(format string, args ...any) {
	fmt.Fprintf(c.w, "ERROR: "+format+"\n", args...)
}

// StepSucceeded prints the success line and a short tail.
func (c *Console) StepSucceeded(res StepResult) {
	fmt.Fprintf(c.w, "SUCCESS: %s (%s)\n", res.Step.Name, res.Duration.Round(time.Millisecond))
	c.tail(res.OutputLines)
}

// StepFailed prints command, exit code and tail. fatal selects ERROR over WARNING.
func (c *Console) StepFailed(res StepResult, fatal bool) {
	reason := fmt.Sprintf("exit code %d", res.ExitCode)
	if res.TimedOut {
		reason = fmt.Sprintf("timed out after %s", res.Step.Timeout)
	}
	if fatal {
		c.Error("%s failed (%s)", res.Step.Name, reason)
	} else {
		c.Warning("%s failed (%s)", res.Step.Name, reason)
	}
	fmt.Fprintf(c.w, "  Command: %s\n", joinArgv(res))
	fmt.Fprintf(c.w, "  Exit code: %d\n", res.ExitCode)
	if len(res.OutputLines) > 0 {
		fmt.Fprintf(c.w, "  Output (last %d lines):\n", len(res.OutputLines))
		c.tail(res.OutputLines)
	}
}

func (c *Console) tail(lines []string) {
	for _, l := range lines {
		fmt.Fprintf(c.w, "    %s\n", l)
	}
}

// Summary prints the closing line of a run.
func (c *Console) Summary(r *RunReport) {
	failed := len(r.Failed())
	switch {
	case r.State == StateAborted:
		c.Error("deployment aborted after %d step(s) in %s", len(r.Results), r.Duration().Round(time.Millisecond))
	case r.Degraded:
		c.Warning("deployment completed in degraded mode (%d failed attempt(s)) in %s", failed, r.Duration().Round(time.Millisecond))
	case failed > 0:
		c.Info("Deployment completed with %d non-critical failure(s) in %s", failed, r.Duration().Round(time.Millisecond))
	default:
		c.Info("Deployment completed successfully in %s", r.Duration().Round(time.Millisecond))
	}
}

func joinArgv(res StepResult) string {
	if res.Command != "" {
		return res.Command
	}
	return res.Step.CommandLine()
}

func lastN(lines []string, n int) []string {
	if n <= 0 {
		return nil
	}
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
