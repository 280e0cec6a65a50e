package runner

import (
	"context"
	"time"
)

// TimeoutExitCode is reported when a command is killed for exceeding its timeout.
// Matches coreutils timeout(1).
const TimeoutExitCode = 124

// NotFoundExitCode is reported when the binary could not be started at all.
const NotFoundExitCode = 127

// Result captures the outcome of a single command invocation.
type Result struct {
	ExitCode int
	// Lines holds the trailing lines of merged stdout/stderr, oldest first.
	Lines      []string
	TotalLines int
	Duration   time.Duration
	TimedOut   bool
	Error      error // detailed go error if any
}

// Succeeded reports whether the command exited cleanly.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Executor runs one external command to completion.
type Executor interface {
	// Run executes argv with a hard wall-clock timeout.
	// It never returns an error; failures are encoded in the Result.
	Run(ctx context.Context, argv []string, timeout time.Duration) Result
}
