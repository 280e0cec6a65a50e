package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Attempt identifies which invocation of a step produced a result.
type Attempt string

const (
	AttemptPrimary  Attempt = "primary"
	AttemptRetry    Attempt = "retry"
	AttemptRecovery Attempt = "recovery"
)

// StepResult is the outcome of one invocation. Command is the argv actually
// invoked, which differs from Step.Command on retries.
type StepResult struct {
	Step        Step
	Attempt     Attempt
	Command     string
	ExitCode    int
	OutputLines []string
	Succeeded   bool
	Skipped     bool
	TimedOut    bool
	Duration    time.Duration
}

// State is the lifecycle of a whole run.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateAborted   State = "ABORTED"
)

// RunReport accumulates results for one pipeline run.
type RunReport struct {
	ID               uuid.UUID
	Variant          string
	Results          []StepResult
	OverallSucceeded bool
	State            State

	// Degraded is set when a fallback exhausted its retry and the run continued anyway.
	Degraded   bool
	StartedAt  time.Time
	FinishedAt time.Time
}

func newReport(variant string) *RunReport {
	return &RunReport{
		ID:        uuid.New(),
		Variant:   variant,
		State:     StatePending,
		StartedAt: time.Now(),
	}
}

func (r *RunReport) record(res StepResult) {
	r.Results = append(r.Results, res)
}

// ExitCode maps the report onto the process exit status.
func (r *RunReport) ExitCode() int {
	if r.OverallSucceeded {
		return 0
	}
	return 1
}

// Failed returns every result that did not succeed and was not skipped.
func (r *RunReport) Failed() []StepResult {
	var out []StepResult
	for _, res := range r.Results {
		if !res.Succeeded && !res.Skipped {
			out = append(out, res)
		}
	}
	return out
}

// Duration is the wall-clock span of the run.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
