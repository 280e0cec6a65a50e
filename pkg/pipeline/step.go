// Package pipeline runs a fixed, ordered list of deployment steps and
// classifies each failure as fatal or best-effort.
package pipeline

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Criticality decides what a failed step does to the rest of the pipeline.
type Criticality int

const (
	// Fatal steps abort the pipeline when they fail.
	Fatal Criticality = iota
	// BestEffort steps are logged as warnings and the pipeline continues.
	BestEffort
)

func (c Criticality) String() string {
	switch c {
	case Fatal:
		return "fatal"
	case BestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

// ParseCriticality accepts the names produced by String.
func ParseCriticality(s string) (Criticality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fatal", "":
		return Fatal, nil
	case "best_effort", "besteffort", "best-effort":
		return BestEffort, nil
	default:
		return Fatal, fmt.Errorf("unknown criticality %q", s)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Criticality) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseCriticality(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Fallback describes the retry-with-degraded-recovery path of a step.
//
// When the primary invocation fails, ClearPaths are deleted and Retry runs
// once. If the retry also fails, Recover runs best-effort and the pipeline
// continues in a degraded state.
type Fallback struct {
	ClearPaths []string
	Retry      []string
	Recover    []string
}

// Step is one named external command.
type Step struct {
	Name        string
	Command     []string
	Timeout     time.Duration
	Criticality Criticality

	// SkipIfEnv names an environment variable; the step is skipped when it is non-empty.
	SkipIfEnv string
	// ReleasesConfig tears down ephemeral configuration once this step finishes.
	ReleasesConfig bool
	Fallback       *Fallback
}

// CommandLine renders the argv for display only.
func (s Step) CommandLine() string {
	return strings.Join(s.Command, " ")
}

// Validate checks the step is runnable.
func (s Step) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("step name is required")
	}
	if len(s.Command) == 0 {
		return fmt.Errorf("step %q: command is required", s.Name)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("step %q: timeout must be positive", s.Name)
	}
	if s.Fallback != nil && len(s.Fallback.Retry) == 0 {
		return fmt.Errorf("step %q: fallback requires a retry command", s.Name)
	}
	return nil
}
