package runner

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Call records one invocation seen by a ScriptedExecutor.
type Call struct {
	Argv    []string
	Timeout time.Duration
}

// ScriptedExecutor returns canned results keyed by the joined argv. Commands
// without a script succeed with no output. Results queued for the same
// command are consumed in order; the last one repeats.
type ScriptedExecutor struct {
	mu      sync.Mutex
	scripts map[string][]Result
	calls   []Call
	// OnRun, when set, is invoked before the scripted result is returned.
	OnRun func(argv []string)
}

func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{scripts: make(map[string][]Result)}
}

// On queues results for the given argv.
func (s *ScriptedExecutor) On(argv []string, results ...Result) *ScriptedExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.Join(argv, " ")
	s.scripts[key] = append(s.scripts[key], results...)
	return s
}

// Fail is shorthand for a single non-zero exit with output.
func (s *ScriptedExecutor) Fail(argv []string, code int, lines ...string) *ScriptedExecutor {
	return s.On(argv, Result{ExitCode: code, Lines: lines, TotalLines: len(lines)})
}

func (s *ScriptedExecutor) Run(ctx context.Context, argv []string, timeout time.Duration) Result {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Argv: append([]string(nil), argv...), Timeout: timeout})
	key := strings.Join(argv, " ")
	queue := s.scripts[key]
	var res Result
	if len(queue) > 0 {
		res = queue[0]
		if len(queue) > 1 {
			s.scripts[key] = queue[1:]
		}
	}
	hook := s.OnRun
	s.mu.Unlock()

	if hook != nil {
		hook(argv)
	}
	return res
}

// Calls returns every invocation in order.
func (s *ScriptedExecutor) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Commands returns the joined argv of every invocation in order.
func (s *ScriptedExecutor) Commands() []string {
	calls := s.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = strings.Join(c.Argv, " ")
	}
	return out
}
