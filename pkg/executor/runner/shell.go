package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"syscall"
	"time"
)

// DefaultTailLines is how many output lines a ShellRunner keeps per command.
const DefaultTailLines = 10

// waitDelay bounds how long Wait blocks on inherited pipes after the child is killed.
const waitDelay = 2 * time.Second

// ShellRunner executes commands as direct child processes. Arguments are
// passed as discrete tokens and never interpreted by a shell.
type ShellRunner struct {
	dir       string
	tailLines int
	echo      io.Writer
}

// ShellOption customises a ShellRunner.
type ShellOption func(*ShellRunner)

// WithDir sets the working directory for every command.
func WithDir(dir string) ShellOption {
	return func(s *ShellRunner) { s.dir = dir }
}

// WithTailLines sets how many trailing output lines are retained.
func WithTailLines(n int) ShellOption {
	return func(s *ShellRunner) { s.tailLines = n }
}

// WithEcho additionally streams raw output to w while capturing.
func WithEcho(w io.Writer) ShellOption {
	return func(s *ShellRunner) { s.echo = w }
}

func NewShellRunner(opts ...ShellOption) *ShellRunner {
	s := &ShellRunner{tailLines: DefaultTailLines}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ShellRunner) Run(ctx context.Context, argv []string, timeout time.Duration) Result {
	start := time.Now()
	if len(argv) == 0 {
		return Result{
			ExitCode: NotFoundExitCode,
			Error:    errors.New("empty command"),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = s.dir

	tail := NewTailBuffer(s.tailLines)
	var out io.Writer = tail
	if s.echo != nil {
		out = io.MultiWriter(tail, s.echo)
	}
	// Same writer for both streams keeps ordering as close to a terminal as possible.
	cmd.Stdout = out
	cmd.Stderr = out

	// Own process group so a timeout takes grandchildren down too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	duration := time.Since(start)

	exitCode, timedOut, err := classify(err, runCtx.Err(), ctx.Err(), timeout)

	return Result{
		ExitCode:   exitCode,
		Lines:      tail.Lines(),
		TotalLines: tail.Total(),
		Duration:   duration,
		TimedOut:   timedOut,
		Error:      err,
	}
}

// classify maps the error from Run onto an exit code. A command that exited
// cleanly succeeded even if its deadline expired while it was being reaped.
func classify(err, runErr, parentErr error, timeout time.Duration) (int, bool, error) {
	if err == nil {
		return 0, false, nil
	}
	if errors.Is(runErr, context.DeadlineExceeded) && parentErr == nil {
		return TimeoutExitCode, true, fmt.Errorf("command exceeded timeout of %s: %w", timeout, context.DeadlineExceeded)
	}

	exitCode := -1
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		exitCode = NotFoundExitCode
	}
	if parentErr != nil && exitCode == 0 {
		return -1, false, parentErr
	}
	return exitCode, false, err
}
